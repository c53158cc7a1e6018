package model

// ObjectValue is a document's top-level Map value with field-path access.
// Immutable; mutating helpers return new instances.
type ObjectValue struct {
	value Value
}

// NewObjectValue wraps a Map value. Non-map input yields the empty object.
func NewObjectValue(v Value) ObjectValue {
	if v.Kind() != KindMap {
		return EmptyObjectValue()
	}
	return ObjectValue{value: v}
}

// ObjectValueOf builds an object from a field map.
func ObjectValueOf(fields map[string]Value) ObjectValue {
	return ObjectValue{value: MapValue(fields)}
}

// EmptyObjectValue returns an object with no fields.
func EmptyObjectValue() ObjectValue {
	return ObjectValue{value: MapValue(nil)}
}

// Value returns the underlying Map value.
func (o ObjectValue) Value() Value {
	if o.value.Kind() != KindMap {
		return MapValue(nil)
	}
	return o.value
}

// Field returns the value at a field path and whether it exists. Traversal
// stops at non-map intermediates.
func (o ObjectValue) Field(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.Value(), true
	}
	current := o.Value()
	for i := 0; i < path.Length(); i++ {
		if current.Kind() != KindMap {
			return Value{}, false
		}
		next, ok := current.MapField(path.Segment(i))
		if !ok {
			return Value{}, false
		}
		current = next
	}
	return current, true
}

// Set returns a copy with the value at path replaced, creating intermediate
// maps as needed.
func (o ObjectValue) Set(path FieldPath, value Value) ObjectValue {
	if path.IsEmpty() {
		return o
	}
	return ObjectValue{value: setAtPath(o.Value(), path, 0, value, false)}
}

// Delete returns a copy with the field at path removed. Missing fields are
// a no-op.
func (o ObjectValue) Delete(path FieldPath) ObjectValue {
	if path.IsEmpty() {
		return o
	}
	return ObjectValue{value: setAtPath(o.Value(), path, 0, Value{}, true)}
}

func setAtPath(current Value, path FieldPath, depth int, value Value, remove bool) Value {
	fields := map[string]Value{}
	if current.Kind() == KindMap {
		fields = current.Map()
	}
	segment := path.Segment(depth)

	if depth == path.Length()-1 {
		if remove {
			delete(fields, segment)
		} else {
			fields[segment] = value
		}
		return MapValue(fields)
	}

	child := fields[segment]
	updated := setAtPath(child, path, depth+1, value, remove)
	if remove {
		// Do not fabricate intermediate maps just to delete a missing leaf.
		if child.Kind() != KindMap {
			return MapValue(fields)
		}
	}
	fields[segment] = updated
	return MapValue(fields)
}

// Equal reports object equality under value comparison semantics.
func (o ObjectValue) Equal(other ObjectValue) bool {
	return o.Value().Equal(other.Value())
}

// FieldMask returns a mask covering the object's leaf fields.
func (o ObjectValue) FieldMask() FieldMask {
	var paths []FieldPath
	collectLeafPaths(o.Value(), FieldPath{}, &paths)
	return NewFieldMask(paths...)
}

func collectLeafPaths(v Value, prefix FieldPath, out *[]FieldPath) {
	if v.Kind() != KindMap || IsServerTimestamp(v) {
		if !prefix.IsEmpty() {
			*out = append(*out, prefix)
		}
		return
	}
	fields := v.Map()
	if len(fields) == 0 && !prefix.IsEmpty() {
		*out = append(*out, prefix)
		return
	}
	for _, k := range sortedMapKeys(fields) {
		collectLeafPaths(fields[k], prefix.Append(k), out)
	}
}
