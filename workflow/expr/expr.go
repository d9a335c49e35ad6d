// Package expr evaluates the side-effect-free expressions workflow
// definitions embed: `${ ... }` interpolation in templates, step conditions
// and transform expressions. Expressions read variables, prior step outputs
// and trigger data from a flat scope; they never mutate it.
//
// Supported: literals (numbers, single/double-quoted strings, true, false,
// null, array literals), identifiers, field access (a.b.c), indexing
// (a[0], m["k"]), comparison (== != < <= > >=), boolean (&& || !),
// membership (x in xs, xs contains x) and additive arithmetic (+ -).
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// Evaluate parses and evaluates one expression against the scope.
func Evaluate(input string, scope map[string]any) (any, error) {
	p := &parser{input: input, scope: scope}
	p.next()
	v, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errf("unexpected %q", p.tok.text)
	}
	return v, nil
}

// EvaluateBool evaluates an expression that must yield a boolean. The empty
// expression is true, so optional step conditions default to running.
func EvaluateBool(input string, scope map[string]any) (bool, error) {
	if strings.TrimSpace(input) == "" {
		return true, nil
	}
	v, err := Evaluate(input, scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errkind.Errorf(errkind.Validation, "expression %q yields %T, want bool", input, v)
	}
	return b, nil
}

// Interpolate substitutes every `${ expr }` in the template with the
// stringified expression value. A template without placeholders passes
// through unchanged.
func Interpolate(template string, scope map[string]any) (string, error) {
	var out strings.Builder
	for i := 0; i < len(template); {
		j := strings.Index(template[i:], "${")
		if j < 0 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+j])
		i += j + 2
		depth := 1
		start := i
		for i < len(template) && depth > 0 {
			switch template[i] {
			case '{':
				depth++
			case '}':
				depth--
			}
			i++
		}
		if depth != 0 {
			return "", errkind.Errorf(errkind.Validation, "unterminated ${ in template")
		}
		v, err := Evaluate(template[start:i-1], scope)
		if err != nil {
			return "", err
		}
		out.WriteString(Stringify(v))
	}
	return out.String(), nil
}

// Stringify renders a value the way interpolation embeds it.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokKind
	text string
	num  float64
}

type parser struct {
	input string
	pos   int
	tok   token
	scope map[string]any
}

func (p *parser) errf(format string, args ...any) error {
	return errkind.Errorf(errkind.Validation, "expression %q: %s", p.input, fmt.Sprintf(format, args...))
}

func (p *parser) next() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.input[p.pos]
	switch {
	case c == '"' || c == '\'':
		quote := c
		p.pos++
		var sb strings.Builder
		for p.pos < len(p.input) && p.input[p.pos] != quote {
			if p.input[p.pos] == '\\' && p.pos+1 < len(p.input) {
				p.pos++
			}
			sb.WriteByte(p.input[p.pos])
			p.pos++
		}
		p.pos++ // closing quote; past-end is caught as EOF by the parser
		p.tok = token{kind: tokString, text: sb.String()}
	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
			p.pos++
		}
		n, _ := strconv.ParseFloat(p.input[start:p.pos], 64)
		p.tok = token{kind: tokNumber, num: n, text: p.input[start:p.pos]}
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.input[start:p.pos]}
	default:
		for _, op := range [...]string{"==", "!=", "<=", ">=", "&&", "||"} {
			if strings.HasPrefix(p.input[p.pos:], op) {
				p.pos += 2
				p.tok = token{kind: tokOp, text: op}
				return
			}
		}
		p.pos++
		p.tok = token{kind: tokPunct, text: string(c)}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lb, lok := left.(bool)
		rb, rok := right.(bool)
		if !lok || !rok {
			return nil, p.errf("|| needs booleans")
		}
		left = lb || rb
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		lb, lok := left.(bool)
		rb, rok := right.(bool)
		if !lok || !rok {
			return nil, p.errf("&& needs booleans")
		}
		left = lb && rb
	}
	return left, nil
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	var op string
	switch {
	case p.tok.kind == tokOp && (p.tok.text == "==" || p.tok.text == "!=" || p.tok.text == "<=" || p.tok.text == ">="):
		op = p.tok.text
	case p.tok.kind == tokPunct && (p.tok.text == "<" || p.tok.text == ">"):
		op = p.tok.text
	case p.tok.kind == tokIdent && (p.tok.text == "in" || p.tok.text == "contains"):
		op = p.tok.text
	default:
		return left, nil
	}
	p.next()
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return p.compare(op, left, right)
}

func (p *parser) compare(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "in":
		return contains(right, left), nil
	case "contains":
		return contains(left, right), nil
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, p.errf("cannot order %T %s %T", left, op, right)
}

func (p *parser) parseAdditive() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPunct && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if ls, ok := left.(string); ok && op == "+" {
			left = ls + Stringify(right)
			continue
		}
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return nil, p.errf("cannot apply %s to %T and %T", op, left, right)
		}
		if op == "+" {
			left = lf + rf
		} else {
			left = lf - rf
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.tok.kind == tokPunct && p.tok.text == "!" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, p.errf("! needs a boolean, got %T", v)
		}
		return !b, nil
	}
	if p.tok.kind == tokPunct && p.tok.text == "-" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, p.errf("unary - needs a number, got %T", v)
		}
		return -f, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (any, error) {
	v, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.tok.kind == tokPunct && p.tok.text == ".":
			p.next()
			if p.tok.kind != tokIdent {
				return nil, p.errf("expected field name after '.'")
			}
			v = field(v, p.tok.text)
			p.next()
		case p.tok.kind == tokPunct && p.tok.text == "[":
			p.next()
			idx, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokPunct || p.tok.text != "]" {
				return nil, p.errf("expected ']'")
			}
			p.next()
			v, err = index(v, idx)
			if err != nil {
				return nil, p.errf("%v", err)
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) parsePrimary() (any, error) {
	switch p.tok.kind {
	case tokNumber:
		n := p.tok.num
		p.next()
		return n, nil
	case tokString:
		s := p.tok.text
		p.next()
		return s, nil
	case tokIdent:
		name := p.tok.text
		p.next()
		switch name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
		v, ok := p.scope[name]
		if !ok {
			return nil, nil
		}
		return v, nil
	case tokPunct:
		switch p.tok.text {
		case "(":
			p.next()
			v, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokPunct || p.tok.text != ")" {
				return nil, p.errf("expected ')'")
			}
			p.next()
			return v, nil
		case "[":
			p.next()
			var items []any
			for !(p.tok.kind == tokPunct && p.tok.text == "]") {
				if p.tok.kind == tokEOF {
					return nil, p.errf("unterminated array literal")
				}
				v, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				items = append(items, v)
				if p.tok.kind == tokPunct && p.tok.text == "," {
					p.next()
				}
			}
			p.next()
			return items, nil
		}
	}
	return nil, p.errf("unexpected %q", p.tok.text)
}

// field resolves member access on maps and structs. Missing members resolve
// to nil so conditions can probe optional data.
func field(v any, name string) any {
	switch m := v.(type) {
	case map[string]any:
		return m[name]
	case map[string]string:
		return m[name]
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		f := rv.FieldByName(name)
		if f.IsValid() && f.CanInterface() {
			return f.Interface()
		}
	}
	return nil
}

func index(v, idx any) (any, error) {
	if key, ok := idx.(string); ok {
		return field(v, key), nil
	}
	f, ok := toFloat(idx)
	if !ok {
		return nil, fmt.Errorf("index must be a number or string, got %T", idx)
	}
	i := int(f)
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot index %T", v)
	}
	if i < 0 || i >= rv.Len() {
		return nil, fmt.Errorf("index %d out of range (len %d)", i, rv.Len())
	}
	return rv.Index(i).Interface(), nil
}

func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// contains reports membership of needle in a slice or substring in a string.
func contains(haystack, needle any) bool {
	if hs, ok := haystack.(string); ok {
		if ns, ok := needle.(string); ok {
			return strings.Contains(hs, ns)
		}
		return false
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), needle) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
