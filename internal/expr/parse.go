package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // field path or keyword
	tokOp                      // ==, !=, >=, <=, >, <
	tokString                  // "…" or '…'
	tokNumber                  // 42 | -3.5
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func isOpChar(ch byte) bool {
	return ch == '=' || ch == '!' || ch == '<' || ch == '>'
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case isOpChar(ch):
			n := 1
			if i+1 < len(src) && src[i+1] == '=' {
				n = 2
			}
			tokens = append(tokens, token{tokOp, src[i : i+n], i})
			i += n
		case ch == '"' || ch == '\'':
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != ch {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			tokens = append(tokens, token{tokString, sb.String(), i})
			i = j + 1
		case unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			word := src[i:j]
			if lw := strings.ToLower(word); lw == "true" || lw == "false" {
				tokens = append(tokens, token{tokBool, lw, i})
			} else {
				tokens = append(tokens, token{tokWord, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, i)
		}
	}
	return append(tokens, token{tokEOF, "", len(src)}), nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokWord && strings.EqualFold(t.val, kw) {
		p.pos++
		return true
	}
	return false
}

func parse(src string) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.val, t.pos)
	}
	return n, nil
}

// or = and ( "OR" and )*
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logical{and: false, left: left, right: right}
	}
	return left, nil
}

// and = unary ( "AND" unary )*
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logical{and: true, left: left, right: right}
	}
	return left, nil
}

// unary = "NOT" unary | "(" or ")" | comparison
func (p *parser) parseUnary() (node, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &not{inner: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d, got %q", t.pos, t.val)
		}
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = operand op operand | field "exists"
func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if f, ok := left.(field); ok && p.keyword("exists") {
		return &exists{path: f}, nil
	}

	t := p.next()
	var op Operator
	switch {
	case t.kind == tokOp:
		op = Operator(t.val)
		switch op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		default:
			return nil, fmt.Errorf("unknown operator %q at %d", t.val, t.pos)
		}
	case t.kind == tokWord && strings.EqualFold(t.val, string(OpContains)):
		op = OpContains
	case t.kind == tokWord && strings.EqualFold(t.val, string(OpMatches)):
		op = OpMatches
	default:
		return nil, fmt.Errorf("expected comparison operator at %d, got %q", t.pos, t.val)
	}

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	c := &comparison{left: left, op: op, right: right}
	if op == OpMatches {
		lit, ok := right.(literal)
		s, isStr := lit.v.(string)
		if !ok || !isStr {
			return nil, fmt.Errorf("matches needs a string pattern at %d", t.pos)
		}
		if c.re, err = regexp.Compile(s); err != nil {
			return nil, fmt.Errorf("matches: %w", err)
		}
	}
	return c, nil
}

// operand = field | string | number | bool
func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{v: t.val}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", t.val, t.pos)
		}
		return literal{v: f}, nil
	case tokBool:
		return literal{v: t.val == "true"}, nil
	case tokWord:
		return field(strings.Split(t.val, ".")), nil
	}
	if t.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("expected operand at %d, got %q", t.pos, t.val)
}
