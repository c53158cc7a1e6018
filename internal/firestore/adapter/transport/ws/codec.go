package ws

import (
	"encoding/base64"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/firestore/domain/repository"
	"firestore-sync/internal/shared/errors"
)

// Wire message types. The listen channel carries target management and
// watch changes; the write channel carries write batches and their
// acknowledgements; the rpc channel serves one unary exchange per frame.
const (
	messageTypeAddTarget        = "add_target"
	messageTypeRemoveTarget     = "remove_target"
	messageTypeTargetChange     = "target_change"
	messageTypeDocumentChange   = "document_change"
	messageTypeDocumentDelete   = "document_delete"
	messageTypeDocumentRemove   = "document_remove"
	messageTypeExistenceFilter  = "existence_filter"
	messageTypeWrite            = "write"
	messageTypeWriteResponse    = "write_response"
	messageTypeCommit           = "commit"
	messageTypeCommitResponse   = "commit_response"
	messageTypeBatchGet         = "batch_get"
	messageTypeBatchGetResponse = "batch_get_response"
	messageTypeHeartbeat        = "heartbeat"
	messageTypeError            = "error"
)

// clientMessage is every frame the client sends, one payload per type.
type clientMessage struct {
	Type string `json:"type"`

	AddTarget      *wireTarget `json:"addTarget,omitempty"`
	RemoveTargetID *int32      `json:"removeTargetId,omitempty"`

	StreamToken string      `json:"streamToken,omitempty"`
	Writes      []wireWrite `json:"writes,omitempty"`

	Documents []string `json:"documents,omitempty"`
}

// serverMessage is every frame the server sends.
type serverMessage struct {
	Type string `json:"type"`

	TargetChange    *wireTargetChange    `json:"targetChange,omitempty"`
	DocumentChange  *wireDocumentChange  `json:"documentChange,omitempty"`
	ExistenceFilter *wireExistenceFilter `json:"existenceFilter,omitempty"`
	ReadTime        *model.Timestamp     `json:"readTime,omitempty"`

	StreamToken  string               `json:"streamToken,omitempty"`
	CommitTime   *model.Timestamp     `json:"commitTime,omitempty"`
	WriteResults []wireMutationResult `json:"writeResults,omitempty"`

	Found   []wireDocument `json:"found,omitempty"`
	Missing []wireMissing  `json:"missing,omitempty"`

	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) toError() error {
	if e == nil {
		return nil
	}
	return errors.FromServerStatus(e.Code, e.Message)
}

// wireTarget serializes a listen target: either a single document or a
// structured query, plus resume state.
type wireTarget struct {
	TargetID        int32            `json:"targetId"`
	Document        string           `json:"document,omitempty"`
	Query           *wireQuery       `json:"query,omitempty"`
	ResumeToken     string           `json:"resumeToken,omitempty"`
	ReadTime        *model.Timestamp `json:"readTime,omitempty"`
	ExpectedCount   int              `json:"expectedCount,omitempty"`
	SequenceNumber  int64            `json:"sequenceNumber,omitempty"`
	LimboResolution bool             `json:"limboResolution,omitempty"`
}

type wireQuery struct {
	Path            string       `json:"path"`
	CollectionGroup string       `json:"collectionGroup,omitempty"`
	Filters         []wireFilter `json:"filters,omitempty"`
	OrderBy         []wireOrder  `json:"orderBy,omitempty"`
	Limit           *int64       `json:"limit,omitempty"`
	StartAt         *wireBound   `json:"startAt,omitempty"`
	EndAt           *wireBound   `json:"endAt,omitempty"`
}

type wireFilter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value model.Value `json:"value"`
}

type wireOrder struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

type wireBound struct {
	Position []model.Value `json:"position"`
	Before   bool          `json:"before"`
}

type wireTargetChange struct {
	State       string     `json:"state"`
	TargetIDs   []int32    `json:"targetIds,omitempty"`
	ResumeToken string     `json:"resumeToken,omitempty"`
	Cause       *wireError `json:"cause,omitempty"`
}

type wireDocumentChange struct {
	Document         *wireDocument `json:"document,omitempty"`
	Missing          *wireMissing  `json:"missing,omitempty"`
	TargetIDs        []int32       `json:"targetIds,omitempty"`
	RemovedTargetIDs []int32       `json:"removedTargetIds,omitempty"`
}

type wireExistenceFilter struct {
	TargetID int32 `json:"targetId"`
	Count    int   `json:"count"`
}

type wireDocument struct {
	Path       string                 `json:"path"`
	Fields     map[string]model.Value `json:"fields"`
	UpdateTime model.Timestamp        `json:"updateTime"`
}

type wireMissing struct {
	Path     string          `json:"path"`
	ReadTime model.Timestamp `json:"readTime"`
}

// wireWrite serializes one mutation. Exactly one of the operation fields
// is set.
type wireWrite struct {
	Set       *wireSetOp        `json:"set,omitempty"`
	Patch     *wirePatchOp      `json:"patch,omitempty"`
	Transform *wireTransformOp  `json:"transform,omitempty"`
	Delete    string            `json:"delete,omitempty"`
	Verify    string            `json:"verify,omitempty"`
	Current   *wirePrecondition `json:"currentDocument,omitempty"`
}

type wireSetOp struct {
	Path   string                 `json:"path"`
	Fields map[string]model.Value `json:"fields"`
}

type wirePatchOp struct {
	Path      string                 `json:"path"`
	Fields    map[string]model.Value `json:"fields"`
	FieldMask []string               `json:"fieldMask"`
}

type wireTransformOp struct {
	Path       string               `json:"path"`
	Transforms []wireFieldTransform `json:"fieldTransforms"`
}

type wireFieldTransform struct {
	Field                 string        `json:"field"`
	SetToServerTime       bool          `json:"setToServerTime,omitempty"`
	AppendMissingElements []model.Value `json:"appendMissingElements,omitempty"`
	RemoveAllFromArray    []model.Value `json:"removeAllFromArray,omitempty"`
	Increment             *model.Value  `json:"increment,omitempty"`
}

type wirePrecondition struct {
	Exists     *bool            `json:"exists,omitempty"`
	UpdateTime *model.Timestamp `json:"updateTime,omitempty"`
}

type wireMutationResult struct {
	UpdateTime       *model.Timestamp `json:"updateTime,omitempty"`
	TransformResults []model.Value    `json:"transformResults,omitempty"`
}

func encodeResumeToken(token []byte) string {
	if len(token) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(token)
}

func decodeResumeToken(s string) []byte {
	if s == "" {
		return nil
	}
	token, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return token
}

func encodeTarget(data *model.TargetData) *wireTarget {
	wt := &wireTarget{
		TargetID:        int32(data.TargetID),
		ResumeToken:     encodeResumeToken(data.ResumeToken),
		SequenceNumber:  int64(data.SequenceNumber),
		LimboResolution: data.Purpose == model.TargetPurposeLimboResolution,
	}
	if !data.SnapshotVersion.IsZero() {
		ts := data.SnapshotVersion.Timestamp()
		wt.ReadTime = &ts
	}
	if data.Target.IsDocumentTarget() {
		wt.Document = data.Target.Path.String()
		return wt
	}
	wt.Query = encodeQueryTarget(data.Target)
	return wt
}

func encodeQueryTarget(target *model.Target) *wireQuery {
	wq := &wireQuery{
		Path:            target.Path.String(),
		CollectionGroup: target.CollectionGroup,
	}
	for _, f := range target.Filters {
		wq.Filters = append(wq.Filters, wireFilter{
			Field: f.Field.ServerFormat(),
			Op:    string(f.Op),
			Value: f.Value,
		})
	}
	for _, o := range target.OrderBys {
		wq.OrderBy = append(wq.OrderBy, wireOrder{
			Field:     o.Field.ServerFormat(),
			Direction: o.Dir.String(),
		})
	}
	if target.Limit != model.NoLimit {
		limit := target.Limit
		wq.Limit = &limit
	}
	if target.StartAt != nil {
		wq.StartAt = &wireBound{Position: target.StartAt.Position, Before: target.StartAt.Before}
	}
	if target.EndAt != nil {
		wq.EndAt = &wireBound{Position: target.EndAt.Position, Before: target.EndAt.Before}
	}
	return wq
}

func encodePrecondition(p model.Precondition) *wirePrecondition {
	switch p.Kind() {
	case model.PreconditionExists:
		exists := p.Exists()
		return &wirePrecondition{Exists: &exists}
	case model.PreconditionUpdateTime:
		ts := p.UpdateTime().Timestamp()
		return &wirePrecondition{UpdateTime: &ts}
	default:
		return nil
	}
}

func encodeMutation(m model.Mutation) wireWrite {
	w := wireWrite{Current: encodePrecondition(m.Precondition())}
	switch mut := m.(type) {
	case *model.SetMutation:
		w.Set = &wireSetOp{Path: mut.Key().String(), Fields: objectFields(mut.Value())}
	case *model.PatchMutation:
		mask := mut.Mask().Paths()
		maskPaths := make([]string, 0, len(mask))
		for _, p := range mask {
			maskPaths = append(maskPaths, p.ServerFormat())
		}
		w.Patch = &wirePatchOp{Path: mut.Key().String(), Fields: objectFields(mut.Value()), FieldMask: maskPaths}
	case *model.TransformMutation:
		op := &wireTransformOp{Path: mut.Key().String()}
		for _, t := range mut.Transforms() {
			op.Transforms = append(op.Transforms, encodeFieldTransform(t))
		}
		w.Transform = op
		// Transforms imply the document exists; the server enforces it.
		w.Current = nil
	case *model.DeleteMutation:
		w.Delete = mut.Key().String()
	case *model.VerifyMutation:
		w.Verify = mut.Key().String()
	}
	return w
}

func encodeFieldTransform(t model.FieldTransform) wireFieldTransform {
	wt := wireFieldTransform{Field: t.Path.ServerFormat()}
	switch t.Kind {
	case model.TransformServerTimestamp:
		wt.SetToServerTime = true
	case model.TransformArrayUnion:
		wt.AppendMissingElements = t.Elements
	case model.TransformArrayRemove:
		wt.RemoveAllFromArray = t.Elements
	case model.TransformIncrement:
		operand := t.Operand
		wt.Increment = &operand
	}
	return wt
}

func encodeMutations(mutations []model.Mutation) []wireWrite {
	writes := make([]wireWrite, 0, len(mutations))
	for _, m := range mutations {
		writes = append(writes, encodeMutation(m))
	}
	return writes
}

func parseDocumentKey(path string) (model.DocumentKey, error) {
	p, err := model.ParseResourcePath(path)
	if err != nil {
		return model.DocumentKey{}, err
	}
	return model.NewDocumentKey(p)
}

func decodeDocument(wd *wireDocument) (*model.Document, error) {
	key, err := parseDocumentKey(wd.Path)
	if err != nil {
		return nil, err
	}
	fields := wd.Fields
	if fields == nil {
		fields = map[string]model.Value{}
	}
	version := model.NewSnapshotVersion(wd.UpdateTime)
	return model.NewDocument(key, version, model.ObjectValueOf(fields), model.DocumentStateSynced), nil
}

func decodeMissing(wm *wireMissing) (*model.NoDocument, error) {
	key, err := parseDocumentKey(wm.Path)
	if err != nil {
		return nil, err
	}
	return model.NewNoDocument(key, model.NewSnapshotVersion(wm.ReadTime), false), nil
}

func decodeTargetIDs(ids []int32) []model.TargetID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]model.TargetID, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.TargetID(id))
	}
	return out
}

var targetChangeStates = map[string]model.WatchTargetChangeState{
	"NO_CHANGE": model.WatchTargetChangeStateNoChange,
	"ADD":       model.WatchTargetChangeStateAdded,
	"REMOVE":    model.WatchTargetChangeStateRemoved,
	"CURRENT":   model.WatchTargetChangeStateCurrent,
	"RESET":     model.WatchTargetChangeStateReset,
}

// decodeWatchChange converts one listen-channel frame into the model
// change the aggregator consumes. Heartbeats return nil.
func decodeWatchChange(msg *serverMessage) (model.WatchChange, error) {
	switch msg.Type {
	case messageTypeTargetChange:
		wc := msg.TargetChange
		state, ok := targetChangeStates[wc.State]
		if !ok {
			return nil, errors.Newf(errors.CodeInternal, "unknown target change state %q", wc.State)
		}
		return &model.WatchTargetChange{
			State:       state,
			TargetIDs:   decodeTargetIDs(wc.TargetIDs),
			ResumeToken: decodeResumeToken(wc.ResumeToken),
			Cause:       wc.Cause.toError(),
		}, nil

	case messageTypeDocumentChange:
		dc := msg.DocumentChange
		switch {
		case dc.Document != nil:
			doc, err := decodeDocument(dc.Document)
			if err != nil {
				return nil, err
			}
			return &model.DocumentWatchChange{
				UpdatedTargetIDs: decodeTargetIDs(dc.TargetIDs),
				RemovedTargetIDs: decodeTargetIDs(dc.RemovedTargetIDs),
				Key:              doc.Key(),
				NewDoc:           doc,
			}, nil
		case dc.Missing != nil:
			noDoc, err := decodeMissing(dc.Missing)
			if err != nil {
				return nil, err
			}
			return &model.DocumentWatchChange{
				RemovedTargetIDs: decodeTargetIDs(dc.RemovedTargetIDs),
				Key:              noDoc.Key(),
				NewDoc:           noDoc,
			}, nil
		default:
			return nil, errors.New(errors.CodeInternal, "document change frame carries no document")
		}

	case messageTypeExistenceFilter:
		return &model.ExistenceFilterChange{
			TargetID: model.TargetID(msg.ExistenceFilter.TargetID),
			Count:    msg.ExistenceFilter.Count,
		}, nil

	case messageTypeError:
		return nil, msg.Error.toError()

	default:
		return nil, errors.Newf(errors.CodeInternal, "unexpected listen frame type %q", msg.Type)
	}
}

func decodeWriteResponse(msg *serverMessage) (*repository.WriteResponse, error) {
	if msg.Type == messageTypeError {
		return nil, msg.Error.toError()
	}
	if msg.Type != messageTypeWriteResponse {
		return nil, errors.Newf(errors.CodeInternal, "unexpected write frame type %q", msg.Type)
	}
	resp := &repository.WriteResponse{StreamToken: decodeResumeToken(msg.StreamToken)}
	if msg.CommitTime != nil {
		resp.CommitVersion = model.NewSnapshotVersion(*msg.CommitTime)
	}
	for _, wr := range msg.WriteResults {
		result := model.MutationResult{TransformResults: wr.TransformResults}
		if wr.UpdateTime != nil {
			result.Version = model.NewSnapshotVersion(*wr.UpdateTime)
		}
		resp.MutationResults = append(resp.MutationResults, result)
	}
	return resp, nil
}

func objectFields(o model.ObjectValue) map[string]model.Value {
	v := o.Value()
	fields := map[string]model.Value{}
	for name, value := range v.Map() {
		fields[name] = value
	}
	return fields
}
