package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Operator is a field filter operator.
type Operator string

const (
	OperatorLessThan           Operator = "<"
	OperatorLessThanOrEqual    Operator = "<="
	OperatorEqual              Operator = "=="
	OperatorNotEqual           Operator = "!="
	OperatorGreaterThan        Operator = ">"
	OperatorGreaterThanOrEqual Operator = ">="
	OperatorArrayContains      Operator = "array-contains"
	OperatorIn                 Operator = "in"
	OperatorArrayContainsAny   Operator = "array-contains-any"
	OperatorNotIn              Operator = "not-in"
)

// IsInequality reports whether the operator constrains a field's order.
func (op Operator) IsInequality() bool {
	switch op {
	case OperatorLessThan, OperatorLessThanOrEqual, OperatorGreaterThan,
		OperatorGreaterThanOrEqual, OperatorNotEqual, OperatorNotIn:
		return true
	}
	return false
}

// FieldFilter constrains a single field against a value.
type FieldFilter struct {
	Field FieldPath
	Op    Operator
	Value Value
}

func NewFieldFilter(field FieldPath, op Operator, value Value) FieldFilter {
	return FieldFilter{Field: field, Op: op, Value: value}
}

// Matches reports whether the document satisfies the filter.
func (f FieldFilter) Matches(doc *Document) bool {
	if f.Field.IsKeyField() {
		return f.matchesKey(doc.Key())
	}
	fieldValue, ok := doc.Field(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OperatorArrayContains:
		return fieldValue.Kind() == KindArray && valueSliceContains(fieldValue.Array(), f.Value)
	case OperatorIn:
		return f.Value.Kind() == KindArray && valueSliceContains(f.Value.Array(), fieldValue)
	case OperatorArrayContainsAny:
		if fieldValue.Kind() != KindArray || f.Value.Kind() != KindArray {
			return false
		}
		for _, e := range fieldValue.Array() {
			if valueSliceContains(f.Value.Array(), e) {
				return true
			}
		}
		return false
	case OperatorNotIn:
		if fieldValue.Kind() == KindNull || fieldValue.IsNaN() {
			return false
		}
		return f.Value.Kind() == KindArray && !valueSliceContains(f.Value.Array(), fieldValue)
	case OperatorNotEqual:
		if fieldValue.Kind() == KindNull || fieldValue.IsNaN() {
			return false
		}
		return !fieldValue.Equal(f.Value)
	default:
		// Ordered comparisons only match values of the same type rank.
		if typeRank(fieldValue) != typeRank(f.Value) {
			return false
		}
		return f.matchesComparison(CompareValues(fieldValue, f.Value))
	}
}

func (f FieldFilter) matchesKey(key DocumentKey) bool {
	switch f.Op {
	case OperatorIn:
		if f.Value.Kind() != KindArray {
			return false
		}
		for _, e := range f.Value.Array() {
			if e.Kind() == KindReference && e.Reference().Key.Equal(key) {
				return true
			}
		}
		return false
	case OperatorNotIn:
		if f.Value.Kind() != KindArray {
			return false
		}
		for _, e := range f.Value.Array() {
			if e.Kind() == KindReference && e.Reference().Key.Equal(key) {
				return false
			}
		}
		return true
	default:
		if f.Value.Kind() != KindReference {
			return false
		}
		return f.matchesComparison(key.Compare(f.Value.Reference().Key))
	}
}

func (f FieldFilter) matchesComparison(comparison int) bool {
	switch f.Op {
	case OperatorLessThan:
		return comparison < 0
	case OperatorLessThanOrEqual:
		return comparison <= 0
	case OperatorEqual:
		return comparison == 0
	case OperatorNotEqual:
		return comparison != 0
	case OperatorGreaterThan:
		return comparison > 0
	case OperatorGreaterThanOrEqual:
		return comparison >= 0
	default:
		return false
	}
}

func (f FieldFilter) canonicalID() string {
	return f.Field.ServerFormat() + string(f.Op) + f.Value.CanonicalID()
}

func (f FieldFilter) Equal(other FieldFilter) bool {
	return f.Op == other.Op && f.Field.Equal(other.Field) && f.Value.Equal(other.Value)
}

// Direction orders a field ascending or descending.
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// OrderBy sorts query results by a single field.
type OrderBy struct {
	Field FieldPath
	Dir   Direction
}

func NewOrderBy(field FieldPath, dir Direction) OrderBy {
	return OrderBy{Field: field, Dir: dir}
}

// Compare orders two documents by this clause alone.
func (o OrderBy) Compare(d1, d2 *Document) int {
	if o.Field.IsKeyField() {
		return int(o.Dir) * d1.Key().Compare(d2.Key())
	}
	v1, ok1 := d1.Field(o.Field)
	v2, ok2 := d2.Field(o.Field)
	if !ok1 || !ok2 {
		// Missing fields never reach the comparator for matching docs.
		if ok1 == ok2 {
			return 0
		}
		if !ok1 {
			return int(o.Dir) * -1
		}
		return int(o.Dir)
	}
	return int(o.Dir) * CompareValues(v1, v2)
}

func (o OrderBy) canonicalID() string {
	return o.Field.ServerFormat() + o.Dir.String()
}

func (o OrderBy) Equal(other OrderBy) bool {
	return o.Dir == other.Dir && o.Field.Equal(other.Field)
}

// Bound is a start or end position over a query's order-by clauses. Before
// selects whether the bound sits just before or just after its position.
type Bound struct {
	Position []Value
	Before   bool
}

func NewBound(position []Value, before bool) *Bound {
	return &Bound{Position: position, Before: before}
}

// SortsBeforeDocument reports whether the bound precedes the document in
// the given ordering.
func (b *Bound) SortsBeforeDocument(orderBys []OrderBy, doc *Document) bool {
	comparison := 0
	for i, component := range b.Position {
		if i >= len(orderBys) {
			break
		}
		orderBy := orderBys[i]
		if orderBy.Field.IsKeyField() {
			if component.Kind() != KindReference {
				comparison = -1
			} else {
				comparison = component.Reference().Key.Compare(doc.Key())
			}
		} else {
			docValue, ok := doc.Field(orderBy.Field)
			if !ok {
				comparison = -1
			} else {
				comparison = CompareValues(component, docValue)
			}
		}
		comparison *= int(orderBy.Dir)
		if comparison != 0 {
			break
		}
	}
	if b.Before {
		return comparison <= 0
	}
	return comparison < 0
}

func (b *Bound) canonicalID() string {
	var sb strings.Builder
	if b.Before {
		sb.WriteString("b:")
	} else {
		sb.WriteString("a:")
	}
	for _, v := range b.Position {
		sb.WriteString(v.CanonicalID())
	}
	return sb.String()
}

func (b *Bound) Equal(other *Bound) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.Before != other.Before || len(b.Position) != len(other.Position) {
		return false
	}
	for i, v := range b.Position {
		if !v.Equal(other.Position[i]) {
			return false
		}
	}
	return true
}

// LimitType distinguishes limit-to-first from limit-to-last queries.
type LimitType int

const (
	LimitTypeFirst LimitType = iota
	LimitTypeLast
)

// NoLimit marks a query without a result limit.
const NoLimit int64 = -1

// Query is the client-side description of a result set: a path or
// collection group, filters, explicit orderings, a limit and bounds. It
// compiles to a canonical Target for the watch protocol.
type Query struct {
	Path            ResourcePath
	CollectionGroup string
	ExplicitOrderBy []OrderBy
	Filters         []FieldFilter
	Limit           int64
	LimitType       LimitType
	StartAt         *Bound
	EndAt           *Bound

	memoizedOrderBy []OrderBy
	memoizedTarget  *Target
}

// NewQuery builds a query over all documents directly under path.
func NewQuery(path ResourcePath) *Query {
	return &Query{Path: path, Limit: NoLimit}
}

// NewCollectionGroupQuery builds a query over every collection with the
// given collection id.
func NewCollectionGroupQuery(collectionGroup string) *Query {
	return &Query{Path: NewResourcePath(), CollectionGroup: collectionGroup, Limit: NoLimit}
}

func (q *Query) clone() *Query {
	return &Query{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		ExplicitOrderBy: q.ExplicitOrderBy,
		Filters:         q.Filters,
		Limit:           q.Limit,
		LimitType:       q.LimitType,
		StartAt:         q.StartAt,
		EndAt:           q.EndAt,
	}
}

// WithAddedFilter returns a copy of the query with the filter appended.
func (q *Query) WithAddedFilter(filter FieldFilter) *Query {
	next := q.clone()
	next.Filters = append(append([]FieldFilter(nil), q.Filters...), filter)
	return next
}

// WithAddedOrderBy returns a copy with the ordering clause appended.
func (q *Query) WithAddedOrderBy(orderBy OrderBy) *Query {
	next := q.clone()
	next.ExplicitOrderBy = append(append([]OrderBy(nil), q.ExplicitOrderBy...), orderBy)
	return next
}

// WithLimitToFirst returns a copy limited to the first n results.
func (q *Query) WithLimitToFirst(n int64) *Query {
	next := q.clone()
	next.Limit = n
	next.LimitType = LimitTypeFirst
	return next
}

// WithLimitToLast returns a copy limited to the last n results.
func (q *Query) WithLimitToLast(n int64) *Query {
	next := q.clone()
	next.Limit = n
	next.LimitType = LimitTypeLast
	return next
}

// WithStartAt returns a copy starting at the given bound.
func (q *Query) WithStartAt(bound *Bound) *Query {
	next := q.clone()
	next.StartAt = bound
	return next
}

// WithEndAt returns a copy ending at the given bound.
func (q *Query) WithEndAt(bound *Bound) *Query {
	next := q.clone()
	next.EndAt = bound
	return next
}

// AsCollectionQueryAtPath rebases a collection-group query onto a concrete
// collection path, dropping the group.
func (q *Query) AsCollectionQueryAtPath(path ResourcePath) *Query {
	next := q.clone()
	next.Path = path
	next.CollectionGroup = ""
	return next
}

// IsDocumentQuery reports whether the query targets a single document.
func (q *Query) IsDocumentQuery() bool {
	return q.Path.Length()%2 == 0 && q.CollectionGroup == "" &&
		len(q.Filters) == 0 && len(q.ExplicitOrderBy) == 0 &&
		q.Limit == NoLimit && q.StartAt == nil && q.EndAt == nil
}

// IsCollectionGroupQuery reports whether the query spans all collections
// sharing one id.
func (q *Query) IsCollectionGroupQuery() bool { return q.CollectionGroup != "" }

// MatchesAllDocuments reports whether every document in the collection
// matches, so the query is nothing but a key-ordered scan.
func (q *Query) MatchesAllDocuments() bool {
	if q.Limit != NoLimit || q.StartAt != nil || q.EndAt != nil || len(q.Filters) > 0 {
		return false
	}
	return len(q.ExplicitOrderBy) == 0 ||
		(len(q.ExplicitOrderBy) == 1 && q.ExplicitOrderBy[0].Field.IsKeyField())
}

// HasLimitToFirst reports an active limit with first semantics.
func (q *Query) HasLimitToFirst() bool { return q.Limit != NoLimit && q.LimitType == LimitTypeFirst }

// HasLimitToLast reports an active limit with last semantics.
func (q *Query) HasLimitToLast() bool { return q.Limit != NoLimit && q.LimitType == LimitTypeLast }

// InequalityFilterField returns the first field constrained by an
// inequality, or a zero path if none.
func (q *Query) InequalityFilterField() (FieldPath, bool) {
	for _, f := range q.Filters {
		if f.Op.IsInequality() {
			return f.Field, true
		}
	}
	return FieldPath{}, false
}

// NormalizedOrderBy completes the explicit ordering clauses: an inequality
// field implies a leading order on that field, and the key ordering is
// always appended as the final tiebreak.
func (q *Query) NormalizedOrderBy() []OrderBy {
	if q.memoizedOrderBy != nil {
		return q.memoizedOrderBy
	}
	var result []OrderBy
	inequalityField, hasInequality := q.InequalityFilterField()
	if hasInequality && len(q.ExplicitOrderBy) == 0 {
		if !inequalityField.IsKeyField() {
			result = append(result, NewOrderBy(inequalityField, Ascending))
		}
		result = append(result, NewOrderBy(KeyFieldPath, Ascending))
	} else {
		foundKeyOrder := false
		lastDirection := Ascending
		for _, orderBy := range q.ExplicitOrderBy {
			result = append(result, orderBy)
			lastDirection = orderBy.Dir
			if orderBy.Field.IsKeyField() {
				foundKeyOrder = true
			}
		}
		if !foundKeyOrder {
			result = append(result, NewOrderBy(KeyFieldPath, lastDirection))
		}
	}
	q.memoizedOrderBy = result
	return result
}

// Matches reports whether the document belongs to the query's result set.
func (q *Query) Matches(doc *Document) bool {
	return q.matchesPath(doc) && q.matchesOrderBy(doc) &&
		q.matchesFilters(doc) && q.matchesBounds(doc)
}

func (q *Query) matchesPath(doc *Document) bool {
	docPath := doc.Key().Path
	if q.CollectionGroup != "" {
		return doc.Key().HasCollectionID(q.CollectionGroup) && q.Path.IsPrefixOf(docPath)
	}
	if q.Path.Length()%2 == 0 {
		return q.Path.Equal(docPath)
	}
	return q.Path.IsImmediateParentOf(docPath)
}

func (q *Query) matchesOrderBy(doc *Document) bool {
	// A document with a missing field cannot be ordered by that field, so
	// the server excludes it; match that here.
	for _, orderBy := range q.ExplicitOrderBy {
		if orderBy.Field.IsKeyField() {
			continue
		}
		if _, ok := doc.Field(orderBy.Field); !ok {
			return false
		}
	}
	return true
}

func (q *Query) matchesFilters(doc *Document) bool {
	for _, f := range q.Filters {
		if !f.Matches(doc) {
			return false
		}
	}
	return true
}

func (q *Query) matchesBounds(doc *Document) bool {
	orderBys := q.NormalizedOrderBy()
	if q.StartAt != nil && !q.StartAt.SortsBeforeDocument(orderBys, doc) {
		return false
	}
	if q.EndAt != nil && q.EndAt.SortsBeforeDocument(orderBys, doc) {
		return false
	}
	return true
}

// Comparator returns the document ordering function for this query.
func (q *Query) Comparator() func(d1, d2 *Document) int {
	orderBys := q.NormalizedOrderBy()
	return func(d1, d2 *Document) int {
		for _, orderBy := range orderBys {
			if c := orderBy.Compare(d1, d2); c != 0 {
				return c
			}
		}
		return 0
	}
}

// ToTarget compiles the query into its canonical wire target. Limit-to-last
// queries are sent as the inverted limit-to-first query; the result set is
// re-reversed locally.
func (q *Query) ToTarget() *Target {
	if q.memoizedTarget != nil {
		return q.memoizedTarget
	}
	orderBys := q.NormalizedOrderBy()
	startAt := q.StartAt
	endAt := q.EndAt
	if q.HasLimitToLast() {
		flipped := make([]OrderBy, len(orderBys))
		for i, o := range orderBys {
			flipped[i] = NewOrderBy(o.Field, -o.Dir)
		}
		orderBys = flipped
		startAt, endAt = nil, nil
		if q.EndAt != nil {
			startAt = NewBound(q.EndAt.Position, !q.EndAt.Before)
		}
		if q.StartAt != nil {
			endAt = NewBound(q.StartAt.Position, !q.StartAt.Before)
		}
	}
	q.memoizedTarget = &Target{
		Path:            q.Path,
		CollectionGroup: q.CollectionGroup,
		OrderBys:        orderBys,
		Filters:         q.Filters,
		Limit:           q.Limit,
		StartAt:         startAt,
		EndAt:           endAt,
	}
	return q.memoizedTarget
}

// CanonicalID uniquely identifies the query's semantics.
func (q *Query) CanonicalID() string {
	id := q.ToTarget().CanonicalID()
	if q.HasLimitToLast() {
		id += "|lt:l"
	}
	return id
}

// Equal reports semantic query equality: same compiled target and limit
// semantics.
func (q *Query) Equal(other *Query) bool {
	return q.ToTarget().Equal(other.ToTarget()) && q.LimitType == other.LimitType
}

func (q *Query) String() string {
	return fmt.Sprintf("Query(%s)", q.CanonicalID())
}

func canonifyLimit(limit int64) string {
	if limit == NoLimit {
		return ""
	}
	return "|l:" + strconv.FormatInt(limit, 10)
}
