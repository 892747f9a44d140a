// Package expr implements the record predicates used by `where` filters:
//
//	l4_proto == "tcp" AND NOT ndpi.proto matches "^DNS"
//	src_port >= 1024 OR geoip.country_name == "Germany"
//
// Fields are dot-separated paths into the record. A comparison whose field
// is absent, or whose operands have incompatible types, is false.
package expr

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// Predicate is a compiled expression. It is immutable and safe for
// concurrent use.
type Predicate struct {
	src  string
	root node
}

// Compile parses src.
func Compile(src string) (*Predicate, error) {
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("expr %q: %w", src, err)
	}
	return &Predicate{src: src, root: root}, nil
}

// Match reports whether rec satisfies the predicate.
func (p *Predicate) Match(rec event.Record) bool {
	return p.root.eval(rec)
}

func (p *Predicate) String() string {
	return p.src
}

type node interface {
	eval(rec event.Record) bool
}

type logical struct {
	and         bool
	left, right node
}

func (l *logical) eval(rec event.Record) bool {
	if l.and {
		return l.left.eval(rec) && l.right.eval(rec)
	}
	return l.left.eval(rec) || l.right.eval(rec)
}

type not struct {
	inner node
}

func (n *not) eval(rec event.Record) bool {
	return !n.inner.eval(rec)
}

type exists struct {
	path field
}

func (e *exists) eval(rec event.Record) bool {
	_, ok := e.path.value(rec)
	return ok
}

type comparison struct {
	left, right operand
	op          Operator
	re          *regexp.Regexp
}

func (c *comparison) eval(rec event.Record) bool {
	l, ok := c.left.value(rec)
	if !ok {
		return false
	}
	r, ok := c.right.value(rec)
	if !ok {
		return false
	}
	switch c.op {
	case OpEq:
		return equal(l, r)
	case OpNeq:
		return !equal(l, r)
	case OpGt, OpGte, OpLt, OpLte:
		return ordered(c.op, l, r)
	case OpContains:
		s, ok := l.(string)
		return ok && strings.Contains(s, fmt.Sprint(r))
	case OpMatches:
		s, ok := l.(string)
		return ok && c.re.MatchString(s)
	}
	return false
}

type operand interface {
	value(rec event.Record) (any, bool)
}

type literal struct {
	v any
}

func (l literal) value(event.Record) (any, bool) {
	return l.v, true
}

// field walks nested objects of the record.
type field []string

func (f field) value(rec event.Record) (any, bool) {
	var cur any = map[string]any(rec)
	for _, key := range f {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// equal compares numbers by value, bools as bools and anything else by its
// printed form.
func equal(l, r any) bool {
	lf, lok := toFloat64(l)
	rf, rok := toFloat64(r)
	if lok && rok {
		return math.Abs(lf-rf) < 1e-9
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		return ok && lb == rb
	}
	return fmt.Sprint(l) == fmt.Sprint(r)
}

func ordered(op Operator, l, r any) bool {
	lf, lok := toFloat64(l)
	rf, rok := toFloat64(r)
	if !lok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return lf > rf
	case OpGte:
		return lf >= rf
	case OpLt:
		return lf < rf
	case OpLte:
		return lf <= rf
	}
	return false
}
