package firestore

import (
	"fmt"
	"regexp"
	"strings"

	"firestore-sync/internal/shared/errors"
)

// PathInfo represents parsed database-qualified path information as it
// appears on the wire: projects/{P}/databases/{D}/documents/{PATH}
type PathInfo struct {
	ProjectID    string
	DatabaseID   string
	DocumentPath string
	IsDocument   bool
	IsCollection bool
	Segments     []string
}

var (
	fullPathRegex  = regexp.MustCompile(`^projects/([^/]+)/databases/([^/]+)/documents(?:/(.*))?$`)
	validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ParseFullPath parses a complete database-qualified resource path.
func ParseFullPath(path string) (*PathInfo, error) {
	if path == "" {
		return nil, errors.NewInvalidArgument("path cannot be empty")
	}

	path = strings.Trim(path, "/")

	matches := fullPathRegex.FindStringSubmatch(path)
	if matches == nil {
		return nil, errors.NewInvalidArgument("invalid resource path format").
			WithDetail("expected_format", "projects/{PROJECT_ID}/databases/{DATABASE_ID}/documents/{DOCUMENT_PATH}").
			WithDetail("provided_path", path)
	}

	projectID := matches[1]
	databaseID := matches[2]
	documentPath := matches[3]

	if !IsValidID(projectID) {
		return nil, errors.NewInvalidArgument("invalid project ID").
			WithDetail("project_id", projectID)
	}
	if !IsValidID(databaseID) {
		return nil, errors.NewInvalidArgument("invalid database ID").
			WithDetail("database_id", databaseID)
	}

	segments := SplitSegments(documentPath)

	return &PathInfo{
		ProjectID:    projectID,
		DatabaseID:   databaseID,
		DocumentPath: documentPath,
		IsDocument:   len(segments) > 0 && len(segments)%2 == 0,
		IsCollection: len(segments)%2 == 1,
		Segments:     segments,
	}, nil
}

// BuildDatabasePath constructs the database root resource name.
func BuildDatabasePath(projectID, databaseID string) string {
	return fmt.Sprintf("projects/%s/databases/%s", projectID, databaseID)
}

// BuildFullPath constructs a database-qualified document resource name.
func BuildFullPath(projectID, databaseID, documentPath string) string {
	if documentPath == "" {
		return BuildDatabasePath(projectID, databaseID) + "/documents"
	}
	return fmt.Sprintf("projects/%s/databases/%s/documents/%s", projectID, databaseID, documentPath)
}

// SplitSegments splits a slash-separated path, dropping empty segments.
func SplitSegments(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	var result []string
	for _, segment := range parts {
		if segment != "" {
			result = append(result, segment)
		}
	}
	return result
}

// JoinSegments joins path segments with slashes.
func JoinSegments(segments ...string) string {
	return strings.Join(segments, "/")
}

// IsValidID reports whether an ID is acceptable as a path segment.
func IsValidID(id string) bool {
	if id == "" || len(id) > 1500 {
		return false
	}
	return validIDPattern.MatchString(id)
}

// IsDocumentPath reports whether path names a document (even segment count).
func IsDocumentPath(path string) bool {
	segments := SplitSegments(path)
	return len(segments) > 0 && len(segments)%2 == 0
}

// IsCollectionPath reports whether path names a collection (odd segment count).
func IsCollectionPath(path string) bool {
	segments := SplitSegments(path)
	return len(segments)%2 == 1
}
