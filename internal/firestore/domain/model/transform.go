package model

import "math"

// TransformKind tags a field transform.
type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformArrayUnion
	TransformArrayRemove
	TransformIncrement
)

// FieldTransform is a server-side transformation applied to a single field
// as part of a Transform mutation.
type FieldTransform struct {
	Kind TransformKind
	Path FieldPath
	// Elements carries the operands for array union/remove.
	Elements []Value
	// Operand carries the increment amount.
	Operand Value
}

// ServerTimestampTransform requests the server's commit time.
func ServerTimestampTransform(path FieldPath) FieldTransform {
	return FieldTransform{Kind: TransformServerTimestamp, Path: path}
}

// ArrayUnionTransform appends elements not already present.
func ArrayUnionTransform(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Kind: TransformArrayUnion, Path: path, Elements: elements}
}

// ArrayRemoveTransform removes all occurrences of the elements.
func ArrayRemoveTransform(path FieldPath, elements ...Value) FieldTransform {
	return FieldTransform{Kind: TransformArrayRemove, Path: path, Elements: elements}
}

// IncrementTransform adds a numeric operand to the field.
func IncrementTransform(path FieldPath, operand Value) FieldTransform {
	return FieldTransform{Kind: TransformIncrement, Path: path, Operand: operand}
}

// IsIdempotent reports whether re-applying the transform to its own output
// changes the result. Non-idempotent transforms need a captured base value
// so batch replay stays deterministic.
func (t FieldTransform) IsIdempotent() bool {
	return t.Kind != TransformIncrement
}

// ApplyToLocalView computes the locally-estimated result given the field's
// previous value and the batch's local write time.
func (t FieldTransform) ApplyToLocalView(previous Value, localWriteTime Timestamp) Value {
	switch t.Kind {
	case TransformServerTimestamp:
		return ServerTimestampValue(localWriteTime, previous)
	case TransformArrayUnion:
		return applyArrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return applyArrayRemove(previous, t.Elements)
	case TransformIncrement:
		return applyIncrement(t.baseValue(previous), t.Operand)
	default:
		return previous
	}
}

// ApplyToRemoteDocument computes the committed result given the server's
// transform result. The server answers server-timestamp and increment
// transforms with concrete values; array transforms are recomputed locally
// because the server sends no result for them.
func (t FieldTransform) ApplyToRemoteDocument(previous Value, transformResult Value) Value {
	switch t.Kind {
	case TransformArrayUnion:
		return applyArrayUnion(previous, t.Elements)
	case TransformArrayRemove:
		return applyArrayRemove(previous, t.Elements)
	default:
		return transformResult
	}
}

// baseValue returns the value the increment applies to: the previous value
// if numeric, otherwise zero.
func (t FieldTransform) baseValue(previous Value) Value {
	if previous.IsNumber() {
		return previous
	}
	return IntegerValue(0)
}

// ComputeBaseValue returns the base value that must be persisted before the
// transform is applied locally, or ok=false for idempotent transforms.
func (t FieldTransform) ComputeBaseValue(previous Value) (Value, bool) {
	if t.IsIdempotent() {
		return Value{}, false
	}
	return t.baseValue(previous), true
}

func applyArrayUnion(previous Value, elements []Value) Value {
	result := coerceToArray(previous)
	for _, e := range elements {
		if !arrayContains(result, e) {
			result = append(result, e)
		}
	}
	return ArrayValue(result...)
}

func applyArrayRemove(previous Value, elements []Value) Value {
	var result []Value
	for _, existing := range coerceToArray(previous) {
		if !valueSliceContains(elements, existing) {
			result = append(result, existing)
		}
	}
	return ArrayValue(result...)
}

func coerceToArray(v Value) []Value {
	if v.Kind() == KindArray {
		return v.Array()
	}
	return nil
}

func arrayContains(arr []Value, v Value) bool {
	return valueSliceContains(arr, v)
}

func valueSliceContains(values []Value, v Value) bool {
	for _, e := range values {
		if e.Equal(v) {
			return true
		}
	}
	return false
}

func applyIncrement(base, operand Value) Value {
	if base.Kind() == KindInteger && operand.Kind() == KindInteger {
		return IntegerValue(saturatingAdd(base.Integer(), operand.Integer()))
	}
	return DoubleValue(base.asFloat() + operand.asFloat())
}

// saturatingAdd clamps on int64 overflow instead of wrapping.
func saturatingAdd(a, b int64) int64 {
	sum := a + b
	if a > 0 && b > 0 && sum < 0 {
		return math.MaxInt64
	}
	if a < 0 && b < 0 && sum >= 0 {
		return math.MinInt64
	}
	return sum
}
