package engine

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"

	"kestreldb/src/models"
)

// CompareOp is the operator of a field comparison.
type CompareOp int

const (
	OpEq CompareOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpContains
	OpBeginsWith
	OpEndsWith
)

var compareOpNames = map[CompareOp]string{
	OpEq:         "==",
	OpNe:         "!=",
	OpLt:         "<",
	OpLe:         "<=",
	OpGt:         ">",
	OpGe:         ">=",
	OpContains:   "CONTAINS",
	OpBeginsWith: "BEGINSWITH",
	OpEndsWith:   "ENDSWITH",
}

func (op CompareOp) String() string {
	if name, ok := compareOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("CompareOp(%d)", int(op))
}

func (op CompareOp) ordering() bool {
	return op >= OpLt && op <= OpGe
}

func (op CompareOp) textual() bool {
	return op >= OpContains
}

// Predicate is a boolean expression over the fields of a document. Predicates
// are checked against the bundle they are evaluated on before any document
// is visited.
type Predicate interface {
	fmt.Stringer
	compile(bundle models.Bundle) (*compiled, error)
}

// compiled is a predicate bound to a bundle.
type compiled struct {
	match func(doc *models.Document) bool

	// Set when the predicate is a case sensitive equality test, so an index
	// on the field can produce the candidates.
	eqField string
	eqValue interface{}
	isEq    bool

	children []*compiled
	isAnd    bool
}

// Option modifies a comparison.
type Option func(*Comparison)

// CaseInsensitive makes string comparisons ignore case.
func CaseInsensitive(c *Comparison) {
	c.Fold = true
}

// Comparison compares a field of the document with a literal value.
type Comparison struct {
	Field string
	Op    CompareOp
	Value interface{}
	Fold  bool
}

func newComparison(field string, op CompareOp, value interface{}, opts []Option) *Comparison {
	c := &Comparison{Field: field, Op: op, Value: value}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func Eq(field string, value interface{}, opts ...Option) Predicate {
	return newComparison(field, OpEq, value, opts)
}

func Ne(field string, value interface{}, opts ...Option) Predicate {
	return newComparison(field, OpNe, value, opts)
}

func Lt(field string, value interface{}) Predicate { return newComparison(field, OpLt, value, nil) }
func Le(field string, value interface{}) Predicate { return newComparison(field, OpLe, value, nil) }
func Gt(field string, value interface{}) Predicate { return newComparison(field, OpGt, value, nil) }
func Ge(field string, value interface{}) Predicate { return newComparison(field, OpGe, value, nil) }

// Contains matches strings containing value, or reference lists holding the
// referenced document.
func Contains(field string, value interface{}, opts ...Option) Predicate {
	return newComparison(field, OpContains, value, opts)
}

func BeginsWith(field string, value string, opts ...Option) Predicate {
	return newComparison(field, OpBeginsWith, value, opts)
}

func EndsWith(field string, value string, opts ...Option) Predicate {
	return newComparison(field, OpEndsWith, value, opts)
}

func (c *Comparison) String() string {
	op := c.Op.String()
	if c.Fold {
		op += "[c]"
	}
	return fmt.Sprintf("%s %s %s", c.Field, op, formatValue(c.Value))
}

func (c *Comparison) compile(bundle models.Bundle) (*compiled, error) {
	field, ok := bundle.Field(c.Field)
	if !ok {
		return nil, fieldErr("query", bundle.Name, c.Field, ErrUnknownField)
	}

	mismatch := func(reason string) error {
		return fieldErr("query", bundle.Name, c.Field, fmt.Errorf("%s %s: %w", reason, c.Op, ErrTypeMismatch))
	}

	if c.Op == OpContains && field.Type == models.FieldReferenceList {
		target, err := CoerceValue(models.FieldDefinition{Type: models.FieldReference, Target: field.Target}, c.Value)
		if err != nil || target == nil {
			return nil, mismatch("reference list needs a reference for")
		}
		ref := target.(models.Reference)
		return &compiled{match: func(doc *models.Document) bool {
			refs, _ := doc.Fields[c.Field].([]models.Reference)
			for _, r := range refs {
				if r == ref {
					return true
				}
			}
			return false
		}}, nil
	}

	if c.Op.textual() && field.Type != models.FieldString {
		return nil, mismatch(field.Type.String() + " field does not support")
	}
	if c.Op.ordering() && !field.Type.Ordered() {
		return nil, mismatch(field.Type.String() + " field does not support")
	}
	if c.Fold && field.Type != models.FieldString {
		return nil, mismatch("case insensitive match on " + field.Type.String() + " field with")
	}

	value, err := CoerceValue(field, c.Value)
	if err != nil {
		return nil, fieldErr("query", bundle.Name, c.Field, fmt.Errorf("%s for %s field: %w", formatValue(c.Value), field.Type, err))
	}
	if value == nil && c.Op != OpEq && c.Op != OpNe {
		return nil, mismatch("null operand for")
	}

	name := c.Field
	switch c.Op {
	case OpEq, OpNe:
		want := c.Op == OpEq
		var eq func(v interface{}) bool
		if c.Fold {
			s := foldCase(value.(string))
			eq = func(v interface{}) bool {
				str, ok := v.(string)
				return ok && foldCase(str) == s
			}
		} else {
			eq = func(v interface{}) bool { return valuesEqual(v, value) }
		}
		out := &compiled{match: func(doc *models.Document) bool {
			return eq(doc.Fields[name]) == want
		}}
		if want && !c.Fold {
			out.isEq, out.eqField, out.eqValue = true, name, value
		}
		return out, nil

	case OpLt, OpLe, OpGt, OpGe:
		op := c.Op
		return &compiled{match: func(doc *models.Document) bool {
			v := doc.Fields[name]
			if v == nil {
				return false
			}
			cmp := compareValues(v, value)
			switch op {
			case OpLt:
				return cmp < 0
			case OpLe:
				return cmp <= 0
			case OpGt:
				return cmp > 0
			}
			return cmp >= 0
		}}, nil
	}

	needle := value.(string)
	if c.Fold {
		needle = foldCase(needle)
	}
	var test func(s, needle string) bool
	switch c.Op {
	case OpContains:
		test = strings.Contains
	case OpBeginsWith:
		test = strings.HasPrefix
	default:
		test = strings.HasSuffix
	}
	fold := c.Fold
	return &compiled{match: func(doc *models.Document) bool {
		s, ok := doc.Fields[name].(string)
		if !ok {
			return false
		}
		if fold {
			s = foldCase(s)
		}
		return test(s, needle)
	}}, nil
}

type logicalOp int

const (
	logicalAnd logicalOp = iota
	logicalOr
)

// Logical joins predicates with AND or OR.
type Logical struct {
	op       logicalOp
	Children []Predicate
}

// And matches documents that match every predicate. And() matches everything.
func And(predicates ...Predicate) Predicate {
	return &Logical{op: logicalAnd, Children: predicates}
}

// Or matches documents that match at least one predicate. Or() matches nothing.
func Or(predicates ...Predicate) Predicate {
	return &Logical{op: logicalOr, Children: predicates}
}

func (l *Logical) String() string {
	joiner := " AND "
	if l.op == logicalOr {
		joiner = " OR "
	}
	parts := make([]string, 0, len(l.Children))
	for _, child := range l.Children {
		parts = append(parts, child.String())
	}
	return "(" + strings.Join(parts, joiner) + ")"
}

func (l *Logical) compile(bundle models.Bundle) (*compiled, error) {
	children := make([]*compiled, 0, len(l.Children))
	for _, child := range l.Children {
		if child == nil {
			return nil, fmt.Errorf("query %s: nil predicate: %w", bundle.Name, ErrTypeMismatch)
		}
		c, err := child.compile(bundle)
		if err != nil {
			return nil, err
		}
		children = append(children, c)
	}

	if l.op == logicalAnd {
		return &compiled{
			children: children,
			isAnd:    true,
			match: func(doc *models.Document) bool {
				for _, c := range children {
					if !c.match(doc) {
						return false
					}
				}
				return true
			},
		}, nil
	}

	return &compiled{match: func(doc *models.Document) bool {
		for _, c := range children {
			if c.match(doc) {
				return true
			}
		}
		return false
	}}, nil
}

// Negation inverts a predicate.
type Negation struct {
	Inner Predicate
}

func Not(p Predicate) Predicate {
	return &Negation{Inner: p}
}

func (n *Negation) String() string {
	return "NOT " + n.Inner.String()
}

func (n *Negation) compile(bundle models.Bundle) (*compiled, error) {
	if n.Inner == nil {
		return nil, fmt.Errorf("query %s: nil predicate: %w", bundle.Name, ErrTypeMismatch)
	}
	inner, err := n.Inner.compile(bundle)
	if err != nil {
		return nil, err
	}
	return &compiled{match: func(doc *models.Document) bool { return !inner.match(doc) }}, nil
}

// bloomThreshold is the set size from which In consults a bloom filter
// before the exact membership check.
const bloomThreshold = 16

// Membership matches documents whose field value is one of Values.
type Membership struct {
	Field  string
	Values []interface{}
	Fold   bool
}

func In(field string, values []interface{}, opts ...Option) Predicate {
	c := &Comparison{}
	for _, opt := range opts {
		opt(c)
	}
	return &Membership{Field: field, Values: values, Fold: c.Fold}
}

func (m *Membership) String() string {
	parts := make([]string, 0, len(m.Values))
	for _, v := range m.Values {
		parts = append(parts, formatValue(v))
	}
	op := "IN"
	if m.Fold {
		op += "[c]"
	}
	return fmt.Sprintf("%s %s (%s)", m.Field, op, strings.Join(parts, ", "))
}

func (m *Membership) compile(bundle models.Bundle) (*compiled, error) {
	field, ok := bundle.Field(m.Field)
	if !ok {
		return nil, fieldErr("query", bundle.Name, m.Field, ErrUnknownField)
	}
	if m.Fold && field.Type != models.FieldString {
		return nil, fieldErr("query", bundle.Name, m.Field,
			fmt.Errorf("case insensitive IN on %s field: %w", field.Type, ErrTypeMismatch))
	}

	set := make([]interface{}, 0, len(m.Values))
	for _, raw := range m.Values {
		v, err := CoerceValue(field, raw)
		if err != nil {
			return nil, fieldErr("query", bundle.Name, m.Field, fmt.Errorf("%s for %s field: %w", formatValue(raw), field.Type, err))
		}
		if s, ok := v.(string); ok && m.Fold {
			v = foldCase(s)
		}
		set = append(set, v)
	}

	key := func(v interface{}) []byte {
		if m.Fold {
			if s, ok := v.(string); ok {
				v = foldCase(s)
			}
		}
		b, err := encodeIndexKey(v)
		if err != nil {
			return nil
		}
		return b
	}

	var filter *bloom.BloomFilter
	if len(set) >= bloomThreshold {
		filter = bloom.NewWithEstimates(uint(len(set)), 0.01)
		for _, v := range set {
			b := key(v)
			if b == nil {
				filter = nil
				break
			}
			filter.Add(b)
		}
	}

	name, fold := m.Field, m.Fold
	return &compiled{match: func(doc *models.Document) bool {
		v := doc.Fields[name]
		if filter != nil {
			if b := key(v); b != nil && !filter.Test(b) {
				return false
			}
		}
		if fold {
			s, ok := v.(string)
			if !ok {
				return false
			}
			v = foldCase(s)
		}
		for _, candidate := range set {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	}}, nil
}

// foldCase maps s to the form every [c] operator compares. Upper then lower
// casing maps the Kelvin sign and long s onto k and s.
func foldCase(s string) string {
	return strings.ToLower(strings.ToUpper(s))
}

type matchAll struct{}

// All matches every document.
func All() Predicate {
	return matchAll{}
}

func (matchAll) String() string { return "TRUEPREDICATE" }

func (matchAll) compile(models.Bundle) (*compiled, error) {
	return &compiled{match: func(*models.Document) bool { return true }}, nil
}
