package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// maxDepth bounds nesting so a hostile formula cannot exhaust the stack.
const maxDepth = 32

// Node is a parsed formula.
type Node interface {
	eval(e *env) (float64, error)
	walk(fn func(Node))
	String() string
}

type numberNode struct{ value float64 }

type refNode struct{ name string }

type unaryNode struct {
	op string
	x  Node
}

type binaryNode struct {
	op   string
	l, r Node
}

type callNode struct {
	fn   string
	args []Node
}

func (n *numberNode) String() string { return strconv.FormatFloat(n.value, 'g', -1, 64) }
func (n *refNode) String() string    { return n.name }
func (n *unaryNode) String() string  { return "(" + n.op + n.x.String() + ")" }
func (n *binaryNode) String() string {
	return "(" + n.l.String() + " " + n.op + " " + n.r.String() + ")"
}
func (n *callNode) String() string {
	parts := make([]string, len(n.args))
	for i, a := range n.args {
		parts[i] = a.String()
	}
	return n.fn + "(" + strings.Join(parts, ", ") + ")"
}

func (n *numberNode) walk(fn func(Node)) { fn(n) }
func (n *refNode) walk(fn func(Node))    { fn(n) }
func (n *unaryNode) walk(fn func(Node)) {
	fn(n)
	n.x.walk(fn)
}
func (n *binaryNode) walk(fn func(Node)) {
	fn(n)
	n.l.walk(fn)
	n.r.walk(fn)
}
func (n *callNode) walk(fn func(Node)) {
	fn(n)
	for _, a := range n.args {
		a.walk(fn)
	}
}

// arity describes how many arguments a whitelisted function accepts.
type arity struct{ min, max int }

// functions is the complete whitelist. Nothing outside it can be called.
var functions = map[string]arity{
	"abs":   {1, 1},
	"min":   {1, 8},
	"max":   {1, 8},
	"round": {1, 2},
	"floor": {1, 1},
	"ceil":  {1, 1},
	"sqrt":  {1, 1},
	"pow":   {2, 2},
}

// Parse turns a formula into an expression tree.
func Parse(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("formula is empty")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s %q at position %d", t.kind, t.text, t.pos)
	}
	return n, nil
}

// References returns the distinct identifiers a tree reads, in first-seen order.
func References(n Node) []string {
	seen := make(map[string]bool)
	var refs []string
	n.walk(func(x Node) {
		if r, ok := x.(*refNode); ok && !seen[r.name] {
			seen[r.name] = true
			refs = append(refs, r.name)
		}
	})
	return refs
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, fmt.Errorf("expected %s, got end of formula", kind)
		}
		return t, fmt.Errorf("expected %s, got %q at position %d", kind, t.text, t.pos)
	}
	return t, nil
}

// expr := term (('+' | '-') term)*
func (p *parser) parseExpr(depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("formula nests deeper than %d levels", maxDepth)
	}
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, l: left, r: right}
	}
}

// term := unary (('*' | '/' | '%') unary)*
func (p *parser) parseTerm(depth int) (Node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, l: left, r: right}
	}
}

// unary := ('-' | '+') unary | primary
func (p *parser) parseUnary(depth int) (Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		if depth > maxDepth {
			return nil, fmt.Errorf("formula nests deeper than %d levels", maxDepth)
		}
		p.next()
		x, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if t.text == "+" {
			return x, nil
		}
		return &unaryNode{op: "-", x: x}, nil
	}
	return p.parsePrimary(depth)
}

// primary := number | ident | ident '(' args ')' | '(' expr ')'
func (p *parser) parsePrimary(depth int) (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberNode{value: t.num}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t, depth)
		}
		return &refNode{name: t.text}, nil
	case tokLParen:
		n, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of formula")
	}
	return nil, fmt.Errorf("unexpected %s %q at position %d", t.kind, t.text, t.pos)
}

func (p *parser) parseCall(name token, depth int) (Node, error) {
	ar, ok := functions[name.text]
	if !ok {
		return nil, fmt.Errorf("unknown function %q at position %d", name.text, name.pos)
	}
	p.next() // (
	var args []Node
	if p.peek().kind != tokRParen {
		for {
			a, err := p.parseExpr(depth + 1)
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if len(args) < ar.min || len(args) > ar.max {
		if ar.min == ar.max {
			return nil, fmt.Errorf("%s() takes %d argument(s), got %d", name.text, ar.min, len(args))
		}
		return nil, fmt.Errorf("%s() takes %d to %d arguments, got %d", name.text, ar.min, ar.max, len(args))
	}
	return &callNode{fn: name.text, args: args}, nil
}
