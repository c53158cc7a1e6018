package mongodb

import (
	"encoding/json"

	"firestore-sync/internal/firestore/domain/model"
	"firestore-sync/internal/shared/errors"
)

// Storage schema version. Bumped when a stored form changes shape; rows
// with a different version are rejected on read rather than misparsed.
const storageSchemaVersion = 1

type storedTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

func toStoredTimestamp(ts model.Timestamp) storedTimestamp {
	return storedTimestamp{Seconds: ts.Seconds, Nanos: ts.Nanos}
}

func (s storedTimestamp) timestamp() model.Timestamp {
	return model.Timestamp{Seconds: s.Seconds, Nanos: s.Nanos}
}

func (s storedTimestamp) version() model.SnapshotVersion {
	return model.NewSnapshotVersion(s.timestamp())
}

// storedMaybeDocument is the persisted form of a MaybeDocument. Kind
// selects the variant.
type storedMaybeDocument struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Kind          string                 `json:"kind"`
	Path          string                 `json:"path"`
	Version       storedTimestamp        `json:"version"`
	Fields        map[string]model.Value `json:"fields,omitempty"`
	HasLocal      bool                   `json:"hasLocalMutations,omitempty"`
	HasCommitted  bool                   `json:"hasCommittedMutations,omitempty"`
}

const (
	kindDocument        = "document"
	kindNoDocument      = "no-document"
	kindUnknownDocument = "unknown-document"
)

func encodeMaybeDocument(doc model.MaybeDocument) ([]byte, error) {
	stored := storedMaybeDocument{
		SchemaVersion: storageSchemaVersion,
		Path:          doc.Key().String(),
		Version:       toStoredTimestamp(doc.Version().Timestamp()),
	}
	switch d := doc.(type) {
	case *model.Document:
		stored.Kind = kindDocument
		stored.Fields = d.Data().Value().Map()
		stored.HasLocal = d.HasLocalMutations()
		stored.HasCommitted = d.HasCommittedMutations()
	case *model.NoDocument:
		stored.Kind = kindNoDocument
		stored.HasCommitted = d.HasCommittedMutations()
	case *model.UnknownDocument:
		stored.Kind = kindUnknownDocument
	default:
		return nil, errors.Newf(errors.CodeInternal, "unknown document variant %T", doc)
	}
	return json.Marshal(stored)
}

func decodeMaybeDocument(data []byte) (model.MaybeDocument, error) {
	var stored storedMaybeDocument
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	if stored.SchemaVersion != storageSchemaVersion {
		return nil, errors.Newf(errors.CodeInternal, "unsupported document schema version %d", stored.SchemaVersion)
	}
	key := model.MustDocumentKey(stored.Path)
	version := stored.Version.version()

	switch stored.Kind {
	case kindDocument:
		state := model.DocumentStateSynced
		if stored.HasLocal {
			state = model.DocumentStateLocalMutations
		} else if stored.HasCommitted {
			state = model.DocumentStateCommittedMutations
		}
		fields := stored.Fields
		if fields == nil {
			fields = map[string]model.Value{}
		}
		return model.NewDocument(key, version, model.ObjectValueOf(fields), state), nil
	case kindNoDocument:
		return model.NewNoDocument(key, version, stored.HasCommitted), nil
	case kindUnknownDocument:
		return model.NewUnknownDocument(key, version), nil
	default:
		return nil, errors.Newf(errors.CodeInternal, "unknown stored document kind %q", stored.Kind)
	}
}

// storedMutation is the persisted form of one mutation. Kind selects the
// variant; precondition fields apply to every kind.
type storedMutation struct {
	Kind         string                 `json:"kind"`
	Path         string                 `json:"path"`
	Fields       map[string]model.Value `json:"fields,omitempty"`
	FieldMask    []string               `json:"fieldMask,omitempty"`
	Transforms   []storedTransform      `json:"transforms,omitempty"`
	Precondition *storedPrecondition    `json:"precondition,omitempty"`
}

type storedTransform struct {
	Kind     string        `json:"kind"`
	Field    string        `json:"field"`
	Elements []model.Value `json:"elements,omitempty"`
	Operand  *model.Value  `json:"operand,omitempty"`
}

type storedPrecondition struct {
	Exists     *bool            `json:"exists,omitempty"`
	UpdateTime *storedTimestamp `json:"updateTime,omitempty"`
}

const (
	kindSet       = "set"
	kindPatch     = "patch"
	kindTransform = "transform"
	kindDelete    = "delete"
	kindVerify    = "verify"

	kindServerTimestamp = "server-timestamp"
	kindArrayUnion      = "array-union"
	kindArrayRemove     = "array-remove"
	kindIncrement       = "increment"
)

func encodePrecondition(p model.Precondition) *storedPrecondition {
	switch p.Kind() {
	case model.PreconditionExists:
		exists := p.Exists()
		return &storedPrecondition{Exists: &exists}
	case model.PreconditionUpdateTime:
		ts := toStoredTimestamp(p.UpdateTime().Timestamp())
		return &storedPrecondition{UpdateTime: &ts}
	default:
		return nil
	}
}

func decodePrecondition(s *storedPrecondition) model.Precondition {
	switch {
	case s == nil:
		return model.PreconditionNoneValue()
	case s.Exists != nil:
		return model.PreconditionExistsValue(*s.Exists)
	case s.UpdateTime != nil:
		return model.PreconditionUpdateTimeValue(s.UpdateTime.version())
	default:
		return model.PreconditionNoneValue()
	}
}

func encodeMutation(m model.Mutation) (storedMutation, error) {
	stored := storedMutation{
		Path:         m.Key().String(),
		Precondition: encodePrecondition(m.Precondition()),
	}
	switch mut := m.(type) {
	case *model.SetMutation:
		stored.Kind = kindSet
		stored.Fields = mut.Value().Value().Map()
	case *model.PatchMutation:
		stored.Kind = kindPatch
		stored.Fields = mut.Value().Value().Map()
		for _, p := range mut.Mask().Paths() {
			stored.FieldMask = append(stored.FieldMask, p.ServerFormat())
		}
	case *model.TransformMutation:
		stored.Kind = kindTransform
		stored.Precondition = nil
		for _, t := range mut.Transforms() {
			st, err := encodeTransform(t)
			if err != nil {
				return storedMutation{}, err
			}
			stored.Transforms = append(stored.Transforms, st)
		}
	case *model.DeleteMutation:
		stored.Kind = kindDelete
	case *model.VerifyMutation:
		stored.Kind = kindVerify
	default:
		return storedMutation{}, errors.Newf(errors.CodeInternal, "unknown mutation variant %T", m)
	}
	return stored, nil
}

func encodeTransform(t model.FieldTransform) (storedTransform, error) {
	stored := storedTransform{Field: t.Path.ServerFormat()}
	switch t.Kind {
	case model.TransformServerTimestamp:
		stored.Kind = kindServerTimestamp
	case model.TransformArrayUnion:
		stored.Kind = kindArrayUnion
		stored.Elements = t.Elements
	case model.TransformArrayRemove:
		stored.Kind = kindArrayRemove
		stored.Elements = t.Elements
	case model.TransformIncrement:
		stored.Kind = kindIncrement
		operand := t.Operand
		stored.Operand = &operand
	default:
		return storedTransform{}, errors.Newf(errors.CodeInternal, "unknown transform kind %d", t.Kind)
	}
	return stored, nil
}

func decodeMutation(stored storedMutation) (model.Mutation, error) {
	key := model.MustDocumentKey(stored.Path)
	precondition := decodePrecondition(stored.Precondition)

	switch stored.Kind {
	case kindSet:
		return model.NewSetMutation(key, model.ObjectValueOf(stored.Fields), precondition), nil
	case kindPatch:
		paths := make([]model.FieldPath, 0, len(stored.FieldMask))
		for _, p := range stored.FieldMask {
			fp, err := model.FieldPathFromServerFormat(p)
			if err != nil {
				return nil, errors.NewStorageUnavailable(err)
			}
			paths = append(paths, fp)
		}
		return model.NewPatchMutation(key, model.ObjectValueOf(stored.Fields), model.NewFieldMask(paths...), precondition), nil
	case kindTransform:
		transforms := make([]model.FieldTransform, 0, len(stored.Transforms))
		for _, st := range stored.Transforms {
			t, err := decodeTransform(st)
			if err != nil {
				return nil, err
			}
			transforms = append(transforms, t)
		}
		return model.NewTransformMutation(key, transforms), nil
	case kindDelete:
		return model.NewDeleteMutation(key, precondition), nil
	case kindVerify:
		return model.NewVerifyMutation(key, precondition), nil
	default:
		return nil, errors.Newf(errors.CodeInternal, "unknown stored mutation kind %q", stored.Kind)
	}
}

func decodeTransform(stored storedTransform) (model.FieldTransform, error) {
	path, err := model.FieldPathFromServerFormat(stored.Field)
	if err != nil {
		return model.FieldTransform{}, errors.NewStorageUnavailable(err)
	}
	switch stored.Kind {
	case kindServerTimestamp:
		return model.ServerTimestampTransform(path), nil
	case kindArrayUnion:
		return model.ArrayUnionTransform(path, stored.Elements...), nil
	case kindArrayRemove:
		return model.ArrayRemoveTransform(path, stored.Elements...), nil
	case kindIncrement:
		var operand model.Value
		if stored.Operand != nil {
			operand = *stored.Operand
		}
		return model.IncrementTransform(path, operand), nil
	default:
		return model.FieldTransform{}, errors.Newf(errors.CodeInternal, "unknown stored transform kind %q", stored.Kind)
	}
}

// storedBatch is the persisted form of a mutation batch.
type storedBatch struct {
	SchemaVersion  int              `json:"schemaVersion"`
	BatchID        int64            `json:"batchId"`
	LocalWriteTime storedTimestamp  `json:"localWriteTime"`
	BaseMutations  []storedMutation `json:"baseMutations,omitempty"`
	Mutations      []storedMutation `json:"mutations"`
}

func encodeBatch(batch *model.MutationBatch) ([]byte, error) {
	stored := storedBatch{
		SchemaVersion:  storageSchemaVersion,
		BatchID:        int64(batch.ID),
		LocalWriteTime: toStoredTimestamp(batch.LocalWriteTime),
	}
	for _, m := range batch.BaseMutations {
		sm, err := encodeMutation(m)
		if err != nil {
			return nil, err
		}
		stored.BaseMutations = append(stored.BaseMutations, sm)
	}
	for _, m := range batch.Mutations {
		sm, err := encodeMutation(m)
		if err != nil {
			return nil, err
		}
		stored.Mutations = append(stored.Mutations, sm)
	}
	return json.Marshal(stored)
}

func decodeBatch(data []byte) (*model.MutationBatch, error) {
	var stored storedBatch
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	if stored.SchemaVersion != storageSchemaVersion {
		return nil, errors.Newf(errors.CodeInternal, "unsupported batch schema version %d", stored.SchemaVersion)
	}

	base := make([]model.Mutation, 0, len(stored.BaseMutations))
	for _, sm := range stored.BaseMutations {
		m, err := decodeMutation(sm)
		if err != nil {
			return nil, err
		}
		base = append(base, m)
	}
	mutations := make([]model.Mutation, 0, len(stored.Mutations))
	for _, sm := range stored.Mutations {
		m, err := decodeMutation(sm)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	return model.NewMutationBatch(model.BatchID(stored.BatchID), stored.LocalWriteTime.timestamp(), base, mutations), nil
}

// storedTargetData is the persisted form of an allocated target.
type storedTargetData struct {
	SchemaVersion int   `json:"schemaVersion"`
	TargetID      int32 `json:"targetId"`
	Purpose       int   `json:"purpose"`

	Path            string         `json:"path"`
	CollectionGroup string         `json:"collectionGroup,omitempty"`
	Filters         []storedFilter `json:"filters,omitempty"`
	OrderBys        []storedOrder  `json:"orderBys,omitempty"`
	Limit           int64          `json:"limit"`
	StartAt         *storedBound   `json:"startAt,omitempty"`
	EndAt           *storedBound   `json:"endAt,omitempty"`

	SequenceNumber       int64           `json:"sequenceNumber"`
	SnapshotVersion      storedTimestamp `json:"snapshotVersion"`
	LastLimboFreeVersion storedTimestamp `json:"lastLimboFreeVersion"`
	ResumeToken          []byte          `json:"resumeToken,omitempty"`
}

type storedFilter struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value model.Value `json:"value"`
}

type storedOrder struct {
	Field     string `json:"field"`
	Ascending bool   `json:"ascending"`
}

type storedBound struct {
	Position []model.Value `json:"position"`
	Before   bool          `json:"before"`
}

func encodeTargetData(data *model.TargetData) ([]byte, error) {
	stored := storedTargetData{
		SchemaVersion: storageSchemaVersion,
		TargetID:      int32(data.TargetID),
		Purpose:       int(data.Purpose),

		Path:            data.Target.Path.String(),
		CollectionGroup: data.Target.CollectionGroup,
		Limit:           data.Target.Limit,

		SequenceNumber:       int64(data.SequenceNumber),
		SnapshotVersion:      toStoredTimestamp(data.SnapshotVersion.Timestamp()),
		LastLimboFreeVersion: toStoredTimestamp(data.LastLimboFreeSnapshotVersion.Timestamp()),
		ResumeToken:          data.ResumeToken,
	}
	for _, f := range data.Target.Filters {
		stored.Filters = append(stored.Filters, storedFilter{
			Field: f.Field.ServerFormat(),
			Op:    string(f.Op),
			Value: f.Value,
		})
	}
	for _, o := range data.Target.OrderBys {
		stored.OrderBys = append(stored.OrderBys, storedOrder{
			Field:     o.Field.ServerFormat(),
			Ascending: o.Dir == model.Ascending,
		})
	}
	if data.Target.StartAt != nil {
		stored.StartAt = &storedBound{Position: data.Target.StartAt.Position, Before: data.Target.StartAt.Before}
	}
	if data.Target.EndAt != nil {
		stored.EndAt = &storedBound{Position: data.Target.EndAt.Position, Before: data.Target.EndAt.Before}
	}
	return json.Marshal(stored)
}

func decodeTargetData(data []byte) (*model.TargetData, error) {
	var stored storedTargetData
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	if stored.SchemaVersion != storageSchemaVersion {
		return nil, errors.Newf(errors.CodeInternal, "unsupported target schema version %d", stored.SchemaVersion)
	}

	path, err := model.ParseResourcePath(stored.Path)
	if err != nil {
		return nil, errors.NewStorageUnavailable(err)
	}
	target := &model.Target{
		Path:            path,
		CollectionGroup: stored.CollectionGroup,
		Limit:           stored.Limit,
	}
	for _, f := range stored.Filters {
		field, err := model.FieldPathFromServerFormat(f.Field)
		if err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		target.Filters = append(target.Filters, model.NewFieldFilter(field, model.Operator(f.Op), f.Value))
	}
	for _, o := range stored.OrderBys {
		field, err := model.FieldPathFromServerFormat(o.Field)
		if err != nil {
			return nil, errors.NewStorageUnavailable(err)
		}
		dir := model.Descending
		if o.Ascending {
			dir = model.Ascending
		}
		target.OrderBys = append(target.OrderBys, model.OrderBy{Field: field, Dir: dir})
	}
	if stored.StartAt != nil {
		target.StartAt = &model.Bound{Position: stored.StartAt.Position, Before: stored.StartAt.Before}
	}
	if stored.EndAt != nil {
		target.EndAt = &model.Bound{Position: stored.EndAt.Position, Before: stored.EndAt.Before}
	}

	result := model.NewTargetData(target, model.TargetID(stored.TargetID), model.ListenSequenceNumber(stored.SequenceNumber), model.TargetPurpose(stored.Purpose))
	result.SnapshotVersion = stored.SnapshotVersion.version()
	result.LastLimboFreeSnapshotVersion = stored.LastLimboFreeVersion.version()
	result.ResumeToken = stored.ResumeToken
	return result, nil
}
