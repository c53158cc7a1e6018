package model

import (
	"strings"

	"firestore-sync/internal/shared/errors"
)

// FieldPath is a dot-separated path into a document's fields. Segments that
// are not simple identifiers must be quoted with backticks in the string
// form, e.g. `user.name`.key.
type FieldPath struct {
	segments []string
}

// NewFieldPath builds a field path from raw segments.
func NewFieldPath(segments ...string) FieldPath {
	return FieldPath{segments: append([]string(nil), segments...)}
}

// FieldPathFromServerFormat parses the dotted, optionally backtick-quoted
// string form used on the wire and in field masks.
func FieldPathFromServerFormat(path string) (FieldPath, error) {
	if path == "" {
		return FieldPath{}, errors.NewInvalidArgument("field path cannot be empty")
	}

	var segments []string
	var current strings.Builder
	inBackticks := false

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '\\' && i+1 < len(path):
			i++
			current.WriteByte(path[i])
		case c == '`':
			inBackticks = !inBackticks
		case c == '.' && !inBackticks:
			if current.Len() == 0 {
				return FieldPath{}, errors.NewInvalidArgument("invalid field path %q: empty segment", path)
			}
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if inBackticks {
		return FieldPath{}, errors.NewInvalidArgument("invalid field path %q: unterminated backtick", path)
	}
	if current.Len() == 0 {
		return FieldPath{}, errors.NewInvalidArgument("invalid field path %q: empty segment", path)
	}
	segments = append(segments, current.String())

	return FieldPath{segments: segments}, nil
}

// MustFieldPath parses a server-format field path; panics on invalid input.
func MustFieldPath(path string) FieldPath {
	fp, err := FieldPathFromServerFormat(path)
	if err != nil {
		panic(err)
	}
	return fp
}

// KeyFieldPath is the special path naming the document key in order-bys and
// cursor bounds.
var KeyFieldPath = NewFieldPath("__name__")

// IsKeyField reports whether this is the document-key field path.
func (p FieldPath) IsKeyField() bool {
	return len(p.segments) == 1 && p.segments[0] == "__name__"
}

// Length returns the number of segments.
func (p FieldPath) Length() int { return len(p.segments) }

// IsEmpty reports whether the path has no segments.
func (p FieldPath) IsEmpty() bool { return len(p.segments) == 0 }

// Segment returns the i-th segment.
func (p FieldPath) Segment(i int) string { return p.segments[i] }

// FirstSegment returns the first segment.
func (p FieldPath) FirstSegment() string { return p.segments[0] }

// LastSegment returns the final segment.
func (p FieldPath) LastSegment() string { return p.segments[len(p.segments)-1] }

// PopFirst returns the path without its first segment.
func (p FieldPath) PopFirst() FieldPath {
	return FieldPath{segments: append([]string(nil), p.segments[1:]...)}
}

// Parent returns the path without its final segment.
func (p FieldPath) Parent() FieldPath {
	return FieldPath{segments: append([]string(nil), p.segments[:len(p.segments)-1]...)}
}

// Append returns the path extended by a segment.
func (p FieldPath) Append(segment string) FieldPath {
	out := make([]string, 0, len(p.segments)+1)
	out = append(out, p.segments...)
	out = append(out, segment)
	return FieldPath{segments: out}
}

// IsPrefixOf reports whether p prefixes other.
func (p FieldPath) IsPrefixOf(other FieldPath) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	for i, seg := range p.segments {
		if other.segments[i] != seg {
			return false
		}
	}
	return true
}

// Compare orders field paths segment-wise.
func (p FieldPath) Compare(other FieldPath) int {
	n := len(p.segments)
	if len(other.segments) < n {
		n = len(other.segments)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(p.segments[i], other.segments[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p.segments) < len(other.segments):
		return -1
	case len(p.segments) > len(other.segments):
		return 1
	default:
		return 0
	}
}

// Equal reports field path equality.
func (p FieldPath) Equal(other FieldPath) bool {
	return p.Compare(other) == 0
}

// ServerFormat renders the dotted string form, quoting non-identifier
// segments with backticks.
func (p FieldPath) ServerFormat() string {
	parts := make([]string, len(p.segments))
	for i, seg := range p.segments {
		if isValidFieldIdentifier(seg) {
			parts[i] = seg
		} else {
			escaped := strings.ReplaceAll(seg, "\\", "\\\\")
			escaped = strings.ReplaceAll(escaped, "`", "\\`")
			parts[i] = "`" + escaped + "`"
		}
	}
	return strings.Join(parts, ".")
}

func (p FieldPath) String() string { return p.ServerFormat() }

func isValidFieldIdentifier(segment string) bool {
	if segment == "" {
		return false
	}
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && i > 0) {
			return false
		}
	}
	return true
}

// FieldMask is a set of field paths. For a Patch mutation it names exactly
// the fields that the mutation touches; masked fields missing from the data
// are deletes.
type FieldMask struct {
	paths []FieldPath
}

// NewFieldMask builds a mask, deduplicating paths.
func NewFieldMask(paths ...FieldPath) FieldMask {
	var out []FieldPath
	for _, p := range paths {
		dup := false
		for _, q := range out {
			if q.Equal(p) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return FieldMask{paths: out}
}

// Paths returns a copy of the mask's paths.
func (m FieldMask) Paths() []FieldPath {
	return append([]FieldPath(nil), m.paths...)
}

// Covers reports whether the mask contains a prefix of fieldPath.
func (m FieldMask) Covers(fieldPath FieldPath) bool {
	for _, p := range m.paths {
		if p.IsPrefixOf(fieldPath) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the mask names no fields.
func (m FieldMask) IsEmpty() bool { return len(m.paths) == 0 }

// Equal reports mask equality regardless of path order.
func (m FieldMask) Equal(other FieldMask) bool {
	if len(m.paths) != len(other.paths) {
		return false
	}
	for _, p := range m.paths {
		found := false
		for _, q := range other.paths {
			if p.Equal(q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
