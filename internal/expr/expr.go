// Package expr evaluates the conditional-visibility and conditional-required
// expressions protocol documents attach to fields. The grammar is closed on
// purpose: comparisons between a field reference and a literal, combined with
// and/or/not. Referencing a field that has no value yet makes the whole
// condition unsatisfiable (false), never an error.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed condition, reusable across evaluations.
type Expr struct {
	root node
}

// Parse compiles an expression such as
//
//	exposure_type == 'uv' && cycle_count >= 50
func Parse(src string) (*Expr, error) {
	p := &parser{toks: lex(src)}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q", p.peek().text)
	}
	return &Expr{root: n}, nil
}

// Eval evaluates against the current validated field values. Values may be
// float64, bool or string.
func (e *Expr) Eval(values map[string]any) bool {
	return e.root.eval(values)
}

// Fields returns every field id the expression references, for load-time
// cross-checking.
func (e *Expr) Fields() []string {
	set := map[string]bool{}
	e.root.fields(set)
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}

type node interface {
	eval(values map[string]any) bool
	fields(set map[string]bool)
}

type binNode struct {
	op   string // "and" | "or"
	l, r node
}

func (n binNode) eval(values map[string]any) bool {
	if n.op == "and" {
		return n.l.eval(values) && n.r.eval(values)
	}
	return n.l.eval(values) || n.r.eval(values)
}

func (n binNode) fields(set map[string]bool) {
	n.l.fields(set)
	n.r.fields(set)
}

type notNode struct{ inner node }

func (n notNode) eval(values map[string]any) bool { return !n.inner.eval(values) }
func (n notNode) fields(set map[string]bool)      { n.inner.fields(set) }

type cmpNode struct {
	field string
	op    string
	lit   any // float64, bool or string
}

func (n cmpNode) fields(set map[string]bool) { set[n.field] = true }

func (n cmpNode) eval(values map[string]any) bool {
	v, ok := values[n.field]
	if !ok || v == nil {
		return false
	}
	switch lit := n.lit.(type) {
	case float64:
		f, ok := asNumber(v)
		if !ok {
			return false
		}
		return compareNumbers(f, n.op, lit)
	case bool:
		b, ok := v.(bool)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return b == lit
		case "!=":
			return b != lit
		}
		return false
	case string:
		s, ok := v.(string)
		if !ok {
			return false
		}
		switch n.op {
		case "==":
			return s == lit
		case "!=":
			return s != lit
		case "<", "<=", ">", ">=":
			return compareStrings(s, n.op, lit)
		}
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func compareNumbers(a float64, op string, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func compareStrings(a, op, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

// --- lexer ---

type token struct {
	kind string // ident, number, string, op, lparen, rparen, eof
	text string
}

func lex(src string) []token {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{"lparen", "("})
			i++
		case c == ')':
			toks = append(toks, token{"rparen", ")"})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				toks = append(toks, token{"err", "unterminated string"})
				return toks
			}
			toks = append(toks, token{"string", src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>&|", rune(c)):
			j := i + 1
			for j < len(src) && strings.ContainsRune("=!<>&|", rune(src[j])) {
				j++
			}
			toks = append(toks, token{"op", src[i:j]})
			i = j
		case c == '-' || c == '.' || unicode.IsDigit(rune(c)):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{"number", src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{"ident", src[i:j]})
			i = j
		default:
			toks = append(toks, token{"err", string(c)})
			return toks
		}
	}
	toks = append(toks, token{"eof", ""})
	return toks
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != "eof" {
		p.pos++
	}
	return t
}

func (p *parser) eof() bool { return p.peek().kind == "eof" }

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peekIsCombinator("||", "or") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binNode{op: "or", l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peekIsCombinator("&&", "and") {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binNode{op: "and", l: l, r: r}
	}
	return l, nil
}

func (p *parser) peekIsCombinator(op, word string) bool {
	t := p.peek()
	return (t.kind == "op" && t.text == op) || (t.kind == "ident" && t.text == word)
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if (t.kind == "op" && t.text == "!") || (t.kind == "ident" && t.text == "not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case "lparen":
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	case "ident":
		op := p.next()
		if op.kind != "op" || !validCmp(op.text) {
			return nil, fmt.Errorf("expected comparison operator after %s", t.text)
		}
		lit := p.next()
		switch lit.kind {
		case "number":
			f, err := strconv.ParseFloat(lit.text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", lit.text)
			}
			return cmpNode{field: t.text, op: op.text, lit: f}, nil
		case "string":
			return cmpNode{field: t.text, op: op.text, lit: lit.text}, nil
		case "ident":
			switch lit.text {
			case "true":
				return cmpNode{field: t.text, op: op.text, lit: true}, nil
			case "false":
				return cmpNode{field: t.text, op: op.text, lit: false}, nil
			}
			return nil, fmt.Errorf("right-hand side must be a literal, got %s", lit.text)
		}
		return nil, fmt.Errorf("expected literal after %s %s", t.text, op.text)
	case "err":
		return nil, fmt.Errorf("bad token: %s", t.text)
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

func validCmp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}
