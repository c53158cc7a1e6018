package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"firestore-sync/internal/shared/errors"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
)

// GeoPoint is a geographical coordinate pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DocumentReference is a pointer to a document, qualified by the database it
// lives in (projects/{P}/databases/{D}).
type DocumentReference struct {
	DatabaseID string
	Key        DocumentKey
}

// Value is an immutable document value: a tagged union over every type the
// document model supports. The zero Value is Null.
type Value struct {
	kind     ValueKind
	boolVal  bool
	intVal   int64
	floatVal float64
	timeVal  Timestamp
	strVal   string
	bytesVal []byte
	refVal   DocumentReference
	geoVal   GeoPoint
	arrVal   []Value
	mapVal   map[string]Value
}

// Constructors

func NullValue() Value                 { return Value{kind: KindNull} }
func BooleanValue(b bool) Value        { return Value{kind: KindBoolean, boolVal: b} }
func IntegerValue(i int64) Value       { return Value{kind: KindInteger, intVal: i} }
func DoubleValue(f float64) Value      { return Value{kind: KindDouble, floatVal: f} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, timeVal: t} }
func StringValue(s string) Value       { return Value{kind: KindString, strVal: s} }
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bytesVal: append([]byte(nil), b...)}
}
func ReferenceValue(ref DocumentReference) Value { return Value{kind: KindReference, refVal: ref} }
func GeoPointValue(g GeoPoint) Value             { return Value{kind: KindGeoPoint, geoVal: g} }
func ArrayValue(elements ...Value) Value {
	return Value{kind: KindArray, arrVal: append([]Value(nil), elements...)}
}
func MapValue(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Value{kind: KindMap, mapVal: copied}
}

// Accessors. Callers must check Kind first; mismatched accessors return the
// zero value of the requested type.

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Boolean() bool   { return v.boolVal }
func (v Value) Integer() int64  { return v.intVal }
func (v Value) Double() float64 { return v.floatVal }
func (v Value) Timestamp() Timestamp {
	return v.timeVal
}
func (v Value) StringVal() string { return v.strVal }
func (v Value) Bytes() []byte     { return append([]byte(nil), v.bytesVal...) }
func (v Value) Reference() DocumentReference {
	return v.refVal
}
func (v Value) GeoPoint() GeoPoint { return v.geoVal }
func (v Value) Array() []Value     { return append([]Value(nil), v.arrVal...) }
func (v Value) Map() map[string]Value {
	out := make(map[string]Value, len(v.mapVal))
	for k, e := range v.mapVal {
		out[k] = e
	}
	return out
}

// MapField returns a map field and whether it exists.
func (v Value) MapField(key string) (Value, bool) {
	e, ok := v.mapVal[key]
	return e, ok
}

// IsNumber reports whether the value is an Integer or Double.
func (v Value) IsNumber() bool {
	return v.kind == KindInteger || v.kind == KindDouble
}

// IsNaN reports whether the value is a Double NaN.
func (v Value) IsNaN() bool {
	return v.kind == KindDouble && math.IsNaN(v.floatVal)
}

func (v Value) asFloat() float64 {
	if v.kind == KindInteger {
		return float64(v.intVal)
	}
	return v.floatVal
}

// Server-timestamp sentinel: a Map with a reserved shape that represents a
// pending server-assigned timestamp awaiting resolution.
const (
	sentinelTypeKey          = "__type__"
	sentinelServerTimestamp  = "server_timestamp"
	sentinelLocalWriteTime   = "__local_write_time__"
	sentinelPreviousValueKey = "__previous_value__"
)

// ServerTimestampValue synthesizes the pending sentinel for a local write.
// previous carries the field's value before the write, or Null.
func ServerTimestampValue(localWriteTime Timestamp, previous Value) Value {
	fields := map[string]Value{
		sentinelTypeKey:        StringValue(sentinelServerTimestamp),
		sentinelLocalWriteTime: TimestampValue(localWriteTime),
	}
	// Nested sentinels collapse to the oldest concrete previous value.
	if IsServerTimestamp(previous) {
		previous = ServerTimestampPreviousValue(previous)
	}
	if previous.kind != KindNull {
		fields[sentinelPreviousValueKey] = previous
	}
	return MapValue(fields)
}

// IsServerTimestamp reports whether v is the pending sentinel.
func IsServerTimestamp(v Value) bool {
	if v.kind != KindMap {
		return false
	}
	t, ok := v.mapVal[sentinelTypeKey]
	return ok && t.kind == KindString && t.strVal == sentinelServerTimestamp
}

// ServerTimestampLocalWriteTime returns the sentinel's local write time.
func ServerTimestampLocalWriteTime(v Value) Timestamp {
	return v.mapVal[sentinelLocalWriteTime].timeVal
}

// ServerTimestampPreviousValue returns the value the field held before the
// pending write, or Null.
func ServerTimestampPreviousValue(v Value) Value {
	if prev, ok := v.mapVal[sentinelPreviousValueKey]; ok {
		return prev
	}
	return NullValue()
}

// typeRank fixes the cross-type precedence for ordering. Server timestamps
// sort after concrete timestamps and before strings.
func typeRank(v Value) int {
	switch v.kind {
	case KindNull:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindDouble:
		return 2
	case KindTimestamp:
		return 3
	case KindString:
		return 5
	case KindBytes:
		return 6
	case KindReference:
		return 7
	case KindGeoPoint:
		return 8
	case KindArray:
		return 9
	case KindMap:
		if IsServerTimestamp(v) {
			return 4
		}
		return 10
	default:
		return 10
	}
}

// CompareValues defines the total order across all value variants. Mixed
// integer/double values compare numerically; NaN orders before every other
// number and equal to itself; -0.0 and 0.0 compare equal.
func CompareValues(a, b Value) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return compareInts(ra, rb)
	}

	switch ra {
	case 0: // null
		return 0
	case 1:
		return compareBools(a.boolVal, b.boolVal)
	case 2:
		return compareNumbers(a, b)
	case 3:
		return a.timeVal.Compare(b.timeVal)
	case 4:
		return ServerTimestampLocalWriteTime(a).Compare(ServerTimestampLocalWriteTime(b))
	case 5:
		return strings.Compare(a.strVal, b.strVal)
	case 6:
		return bytes.Compare(a.bytesVal, b.bytesVal)
	case 7:
		if c := strings.Compare(a.refVal.DatabaseID, b.refVal.DatabaseID); c != 0 {
			return c
		}
		return a.refVal.Key.Compare(b.refVal.Key)
	case 8:
		if c := compareFloats(a.geoVal.Latitude, b.geoVal.Latitude); c != 0 {
			return c
		}
		return compareFloats(a.geoVal.Longitude, b.geoVal.Longitude)
	case 9:
		return compareArrays(a.arrVal, b.arrVal)
	default:
		return compareMaps(a.mapVal, b.mapVal)
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBools(a, b bool) int {
	switch {
	case !a && b:
		return -1
	case a && !b:
		return 1
	default:
		return 0
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareNumbers(a, b Value) int {
	aNaN, bNaN := a.IsNaN(), b.IsNaN()
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}
	if a.kind == KindInteger && b.kind == KindInteger {
		return compareInt64s(a.intVal, b.intVal)
	}
	return compareFloats(a.asFloat(), b.asFloat())
}

func compareInt64s(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareArrays(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(a), len(b))
}

func compareMaps(a, b map[string]Value) int {
	aKeys := sortedMapKeys(a)
	bKeys := sortedMapKeys(b)
	n := len(aKeys)
	if len(bKeys) < n {
		n = len(bKeys)
	}
	for i := 0; i < n; i++ {
		if c := strings.Compare(aKeys[i], bKeys[i]); c != 0 {
			return c
		}
		if c := CompareValues(a[aKeys[i]], b[bKeys[i]]); c != 0 {
			return c
		}
	}
	return compareInts(len(aKeys), len(bKeys))
}

func sortedMapKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal is value equality under the comparison semantics: NaN equals NaN,
// -0.0 equals 0.0, mixed integer/double compare numerically.
func (v Value) Equal(other Value) bool {
	return CompareValues(v, other) == 0
}

// CanonicalID renders a stable textual form used to canonicalize targets.
// Unlike Equal it distinguishes the sign of -0.0 and the integer/double
// representation of a number.
func (v Value) CanonicalID() string {
	var sb strings.Builder
	canonifyValue(&sb, v)
	return sb.String()
}

func canonifyValue(sb *strings.Builder, v Value) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.boolVal))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.intVal, 10))
	case KindDouble:
		if v.floatVal == 0 && math.Signbit(v.floatVal) {
			sb.WriteString("-0.0")
		} else {
			sb.WriteString(strconv.FormatFloat(v.floatVal, 'g', -1, 64))
		}
	case KindTimestamp:
		fmt.Fprintf(sb, "time(%d,%d)", v.timeVal.Seconds, v.timeVal.Nanos)
	case KindString:
		sb.WriteString(v.strVal)
	case KindBytes:
		sb.WriteString(base64.StdEncoding.EncodeToString(v.bytesVal))
	case KindReference:
		fmt.Fprintf(sb, "%s/documents/%s", v.refVal.DatabaseID, v.refVal.Key.String())
	case KindGeoPoint:
		fmt.Fprintf(sb, "geo(%v,%v)", v.geoVal.Latitude, v.geoVal.Longitude)
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arrVal {
			if i > 0 {
				sb.WriteByte(',')
			}
			canonifyValue(sb, e)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range sortedMapKeys(v.mapVal) {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			canonifyValue(sb, v.mapVal[k])
		}
		sb.WriteByte('}')
	}
}

func (v Value) String() string { return v.CanonicalID() }

// Wire form. Values marshal to the JSON shape used on the websocket frames,
// one key per variant. Integers ride as strings to survive JSON number
// precision; doubles keep NaN/Infinity as quoted literals.

type wireValue struct {
	NullValue      *struct{}        `json:"nullValue,omitempty"`
	BooleanValue   *bool            `json:"booleanValue,omitempty"`
	IntegerValue   *string          `json:"integerValue,omitempty"`
	DoubleValue    *json.RawMessage `json:"doubleValue,omitempty"`
	TimestampValue *Timestamp       `json:"timestampValue,omitempty"`
	StringValue    *string          `json:"stringValue,omitempty"`
	BytesValue     *string          `json:"bytesValue,omitempty"`
	ReferenceValue *string          `json:"referenceValue,omitempty"`
	GeoPointValue  *GeoPoint        `json:"geoPointValue,omitempty"`
	ArrayValue     *wireArray       `json:"arrayValue,omitempty"`
	MapValue       *wireMap         `json:"mapValue,omitempty"`
}

type wireArray struct {
	Values []Value `json:"values,omitempty"`
}

type wireMap struct {
	Fields map[string]Value `json:"fields,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var w wireValue
	switch v.kind {
	case KindNull:
		w.NullValue = &struct{}{}
	case KindBoolean:
		w.BooleanValue = &v.boolVal
	case KindInteger:
		s := strconv.FormatInt(v.intVal, 10)
		w.IntegerValue = &s
	case KindDouble:
		raw := encodeDouble(v.floatVal)
		w.DoubleValue = &raw
	case KindTimestamp:
		w.TimestampValue = &v.timeVal
	case KindString:
		w.StringValue = &v.strVal
	case KindBytes:
		s := base64.StdEncoding.EncodeToString(v.bytesVal)
		w.BytesValue = &s
	case KindReference:
		s := v.refVal.DatabaseID + "/documents/" + v.refVal.Key.String()
		w.ReferenceValue = &s
	case KindGeoPoint:
		w.GeoPointValue = &v.geoVal
	case KindArray:
		w.ArrayValue = &wireArray{Values: v.arrVal}
	case KindMap:
		w.MapValue = &wireMap{Fields: v.mapVal}
	}
	return json.Marshal(w)
}

func encodeDouble(f float64) json.RawMessage {
	switch {
	case math.IsNaN(f):
		return json.RawMessage(`"NaN"`)
	case math.IsInf(f, 1):
		return json.RawMessage(`"Infinity"`)
	case math.IsInf(f, -1):
		return json.RawMessage(`"-Infinity"`)
	default:
		b, _ := json.Marshal(f)
		return json.RawMessage(b)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.BooleanValue != nil:
		*v = BooleanValue(*w.BooleanValue)
	case w.IntegerValue != nil:
		i, err := strconv.ParseInt(*w.IntegerValue, 10, 64)
		if err != nil {
			return errors.NewInvalidArgument("invalid integer value %q", *w.IntegerValue).WithCause(err)
		}
		*v = IntegerValue(i)
	case w.DoubleValue != nil:
		f, err := decodeDouble(*w.DoubleValue)
		if err != nil {
			return err
		}
		*v = DoubleValue(f)
	case w.TimestampValue != nil:
		*v = TimestampValue(*w.TimestampValue)
	case w.StringValue != nil:
		*v = StringValue(*w.StringValue)
	case w.BytesValue != nil:
		b, err := base64.StdEncoding.DecodeString(*w.BytesValue)
		if err != nil {
			return errors.NewInvalidArgument("invalid bytes value").WithCause(err)
		}
		*v = Value{kind: KindBytes, bytesVal: b}
	case w.ReferenceValue != nil:
		ref, err := parseReference(*w.ReferenceValue)
		if err != nil {
			return err
		}
		*v = ReferenceValue(ref)
	case w.GeoPointValue != nil:
		*v = GeoPointValue(*w.GeoPointValue)
	case w.ArrayValue != nil:
		*v = Value{kind: KindArray, arrVal: w.ArrayValue.Values}
	case w.MapValue != nil:
		fields := w.MapValue.Fields
		if fields == nil {
			fields = map[string]Value{}
		}
		*v = Value{kind: KindMap, mapVal: fields}
	default:
		*v = NullValue()
	}
	return nil
}

func decodeDouble(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		default:
			return 0, errors.NewInvalidArgument("invalid double literal %q", s)
		}
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, errors.NewInvalidArgument("invalid double value").WithCause(err)
	}
	return f, nil
}

func parseReference(s string) (DocumentReference, error) {
	idx := strings.Index(s, "/documents/")
	if idx < 0 {
		return DocumentReference{}, errors.NewInvalidArgument("invalid reference value %q", s)
	}
	dbID := s[:idx]
	keyPath, err := ParseResourcePath(s[idx+len("/documents/"):])
	if err != nil {
		return DocumentReference{}, err
	}
	key, err := NewDocumentKey(keyPath)
	if err != nil {
		return DocumentReference{}, err
	}
	return DocumentReference{DatabaseID: dbID, Key: key}, nil
}
