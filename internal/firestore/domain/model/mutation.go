package model

// PreconditionKind selects how a mutation's precondition is checked.
type PreconditionKind int

const (
	PreconditionNone PreconditionKind = iota
	PreconditionExists
	PreconditionUpdateTime
)

// Precondition guards a mutation against a document's base state.
type Precondition struct {
	kind       PreconditionKind
	exists     bool
	updateTime SnapshotVersion
}

func PreconditionNoneValue() Precondition { return Precondition{kind: PreconditionNone} }

func PreconditionExistsValue(exists bool) Precondition {
	return Precondition{kind: PreconditionExists, exists: exists}
}

func PreconditionUpdateTimeValue(version SnapshotVersion) Precondition {
	return Precondition{kind: PreconditionUpdateTime, updateTime: version}
}

func (p Precondition) Kind() PreconditionKind      { return p.kind }
func (p Precondition) Exists() bool                { return p.exists }
func (p Precondition) UpdateTime() SnapshotVersion { return p.updateTime }
func (p Precondition) IsNone() bool                { return p.kind == PreconditionNone }

// IsValidFor reports whether the precondition holds against the given base
// document state. A nil maybeDoc means the document state is unknown locally.
func (p Precondition) IsValidFor(maybeDoc MaybeDocument) bool {
	switch p.kind {
	case PreconditionNone:
		return true
	case PreconditionExists:
		_, isDoc := maybeDoc.(*Document)
		return isDoc == p.exists
	case PreconditionUpdateTime:
		doc, isDoc := maybeDoc.(*Document)
		return isDoc && doc.Version().Compare(p.updateTime) == 0
	default:
		return false
	}
}

func (p Precondition) Equal(other Precondition) bool {
	if p.kind != other.kind {
		return false
	}
	switch p.kind {
	case PreconditionExists:
		return p.exists == other.exists
	case PreconditionUpdateTime:
		return p.updateTime.Compare(other.updateTime) == 0
	default:
		return true
	}
}

// MutationResult is the server's acknowledgement for a single mutation.
type MutationResult struct {
	Version SnapshotVersion
	// TransformResults holds one value per field transform, nil for
	// mutations without transforms.
	TransformResults []Value
}

// Mutation is a pending client-initiated change to a single document.
//
// ApplyToLocalView produces the latency-compensated view of the document:
// the result carries hasLocalMutations and version zero semantics where the
// final state is not knowable locally. ApplyToRemoteDocument produces the
// committed state after the server acknowledged the mutation; when the local
// base diverged from what the server saw, the result degrades to an
// UnknownDocument at the commit version rather than fabricating contents.
type Mutation interface {
	Key() DocumentKey
	Precondition() Precondition
	ApplyToLocalView(maybeDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument
	ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument
}

// postMutationVersion keeps the base document's version for local
// application so later acknowledgements can detect staleness.
func postMutationVersion(maybeDoc MaybeDocument) SnapshotVersion {
	if doc, ok := maybeDoc.(*Document); ok {
		return doc.Version()
	}
	return SnapshotVersionMin
}

// SetMutation replaces the document's contents wholesale.
type SetMutation struct {
	key          DocumentKey
	value        ObjectValue
	precondition Precondition
}

func NewSetMutation(key DocumentKey, value ObjectValue, precondition Precondition) *SetMutation {
	return &SetMutation{key: key, value: value, precondition: precondition}
}

func (m *SetMutation) Key() DocumentKey           { return m.key }
func (m *SetMutation) Precondition() Precondition { return m.precondition }
func (m *SetMutation) Value() ObjectValue         { return m.value }

func (m *SetMutation) ApplyToLocalView(maybeDoc MaybeDocument, _ Timestamp) MaybeDocument {
	if !m.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewDocument(m.key, postMutationVersion(maybeDoc), m.value, DocumentStateLocalMutations)
}

func (m *SetMutation) ApplyToRemoteDocument(_ MaybeDocument, result MutationResult) MaybeDocument {
	return NewDocument(m.key, result.Version, m.value, DocumentStateCommittedMutations)
}

// PatchMutation merges the masked fields of its value into the document.
// Paths in the mask missing from the value are deleted.
type PatchMutation struct {
	key          DocumentKey
	value        ObjectValue
	mask         FieldMask
	precondition Precondition
}

func NewPatchMutation(key DocumentKey, value ObjectValue, mask FieldMask, precondition Precondition) *PatchMutation {
	return &PatchMutation{key: key, value: value, mask: mask, precondition: precondition}
}

func (m *PatchMutation) Key() DocumentKey           { return m.key }
func (m *PatchMutation) Precondition() Precondition { return m.precondition }
func (m *PatchMutation) Value() ObjectValue         { return m.value }
func (m *PatchMutation) Mask() FieldMask            { return m.mask }

func (m *PatchMutation) ApplyToLocalView(maybeDoc MaybeDocument, _ Timestamp) MaybeDocument {
	if !m.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewDocument(m.key, postMutationVersion(maybeDoc), m.patch(maybeDoc), DocumentStateLocalMutations)
}

func (m *PatchMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	if !m.precondition.IsValidFor(maybeDoc) {
		// The server accepted the patch but the local copy is stale, so
		// the merged contents cannot be reconstructed here.
		return NewUnknownDocument(m.key, result.Version)
	}
	return NewDocument(m.key, result.Version, m.patch(maybeDoc), DocumentStateCommittedMutations)
}

func (m *PatchMutation) patch(maybeDoc MaybeDocument) ObjectValue {
	base := EmptyObjectValue()
	if doc, ok := maybeDoc.(*Document); ok {
		base = doc.Data()
	}
	for _, path := range m.mask.Paths() {
		if path.IsEmpty() {
			continue
		}
		if newValue, ok := m.value.Field(path); ok {
			base = base.Set(path, newValue)
		} else {
			base = base.Delete(path)
		}
	}
	return base
}

// TransformMutation applies field transforms to an existing document. It is
// always paired in a batch with a Set or Patch on the same key and carries
// an implicit exists precondition.
type TransformMutation struct {
	key        DocumentKey
	transforms []FieldTransform
}

func NewTransformMutation(key DocumentKey, transforms []FieldTransform) *TransformMutation {
	return &TransformMutation{key: key, transforms: transforms}
}

func (m *TransformMutation) Key() DocumentKey             { return m.key }
func (m *TransformMutation) Precondition() Precondition   { return PreconditionExistsValue(true) }
func (m *TransformMutation) Transforms() []FieldTransform { return m.transforms }

func (m *TransformMutation) ApplyToLocalView(maybeDoc MaybeDocument, localWriteTime Timestamp) MaybeDocument {
	if !m.Precondition().IsValidFor(maybeDoc) {
		return maybeDoc
	}
	doc := maybeDoc.(*Document)
	data := doc.Data()
	for _, transform := range m.transforms {
		previous, _ := data.Field(transform.Path)
		data = data.Set(transform.Path, transform.ApplyToLocalView(previous, localWriteTime))
	}
	return NewDocument(m.key, doc.Version(), data, DocumentStateLocalMutations)
}

func (m *TransformMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, result MutationResult) MaybeDocument {
	doc, ok := maybeDoc.(*Document)
	if !ok {
		return NewUnknownDocument(m.key, result.Version)
	}
	data := doc.Data()
	for i, transform := range m.transforms {
		previous, _ := data.Field(transform.Path)
		var serverResult Value
		if i < len(result.TransformResults) {
			serverResult = result.TransformResults[i]
		}
		data = data.Set(transform.Path, transform.ApplyToRemoteDocument(previous, serverResult))
	}
	return NewDocument(m.key, result.Version, data, DocumentStateCommittedMutations)
}

// BaseValue captures the pre-transform values of non-idempotent transforms
// so replaying the batch after a restart yields the same local view. The
// second return is false when no transform needs a base value.
func (m *TransformMutation) BaseValue(maybeDoc MaybeDocument) (ObjectValue, FieldMask, bool) {
	base := EmptyObjectValue()
	var paths []FieldPath
	for _, transform := range m.transforms {
		var previous Value
		if doc, ok := maybeDoc.(*Document); ok {
			previous, _ = doc.Data().Field(transform.Path)
		}
		if baseValue, ok := transform.ComputeBaseValue(previous); ok {
			base = base.Set(transform.Path, baseValue)
			paths = append(paths, transform.Path)
		}
	}
	if len(paths) == 0 {
		return ObjectValue{}, FieldMask{}, false
	}
	return base, NewFieldMask(paths...), true
}

// DeleteMutation removes the document.
type DeleteMutation struct {
	key          DocumentKey
	precondition Precondition
}

func NewDeleteMutation(key DocumentKey, precondition Precondition) *DeleteMutation {
	return &DeleteMutation{key: key, precondition: precondition}
}

func (m *DeleteMutation) Key() DocumentKey           { return m.key }
func (m *DeleteMutation) Precondition() Precondition { return m.precondition }

func (m *DeleteMutation) ApplyToLocalView(maybeDoc MaybeDocument, _ Timestamp) MaybeDocument {
	if !m.precondition.IsValidFor(maybeDoc) {
		return maybeDoc
	}
	return NewNoDocument(m.key, SnapshotVersionMin, false)
}

func (m *DeleteMutation) ApplyToRemoteDocument(_ MaybeDocument, result MutationResult) MaybeDocument {
	// The commit version is not the delete's logical version; resume
	// tokens already cover this point in time, so version zero keeps the
	// tombstone from masking later watch updates.
	return NewNoDocument(m.key, SnapshotVersionMin, true)
}

// VerifyMutation asserts a precondition without modifying the document. It
// only travels on the wire as part of transactions; applying it locally is
// a no-op.
type VerifyMutation struct {
	key          DocumentKey
	precondition Precondition
}

func NewVerifyMutation(key DocumentKey, precondition Precondition) *VerifyMutation {
	return &VerifyMutation{key: key, precondition: precondition}
}

func (m *VerifyMutation) Key() DocumentKey           { return m.key }
func (m *VerifyMutation) Precondition() Precondition { return m.precondition }

func (m *VerifyMutation) ApplyToLocalView(maybeDoc MaybeDocument, _ Timestamp) MaybeDocument {
	return maybeDoc
}

func (m *VerifyMutation) ApplyToRemoteDocument(maybeDoc MaybeDocument, _ MutationResult) MaybeDocument {
	return maybeDoc
}
