// Package keymap resolves declarative ZMK keymap descriptions into physical layouts.
package keymap

import (
	"fmt"
	"strings"
)

// node is one devicetree node: `label: name { prop = value; child { ... }; };`.
type node struct {
	name     string
	label    string
	props    map[string]string
	children []*node
}

func newNode(head string) *node {
	n := &node{props: map[string]string{}}
	label, name, ok := strings.Cut(head, ":")
	if ok {
		n.label = strings.TrimSpace(label)
		n.name = strings.TrimSpace(name)
	} else {
		n.name = strings.TrimSpace(head)
	}
	return n
}

func (n *node) compatible() string {
	return unquote(n.props["compatible"])
}

// ref returns the name bindings use to reference the node.
func (n *node) ref() string {
	if n.label != "" {
		return n.label
	}
	return n.name
}

func (n *node) walk(fn func(*node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

var directives = []string{
	"#include", "#define", "#undef", "#if", "#ifdef", "#ifndef",
	"#elif", "#else", "#endif", "#pragma", "#error", "#warning",
}

// stripComments removes comments and preprocessor directives, keeping line breaks.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	inString := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i < len(src) && !(src[i] == '*' && i+1 < len(src) && src[i+1] == '/') {
				if src[i] == '\n' {
					b.WriteByte('\n')
				}
				i++
			}
			i++
		case c == '#' && atLineStart(src, i) && isDirective(src[i:]):
			// Directives may continue with a trailing backslash.
			for i < len(src) {
				if src[i] == '\n' && (i == 0 || src[i-1] != '\\') {
					break
				}
				i++
			}
			if i < len(src) {
				b.WriteByte('\n')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func atLineStart(src string, i int) bool {
	for j := i - 1; j >= 0; j-- {
		switch src[j] {
		case ' ', '\t', '\r':
			continue
		case '\n':
			return true
		default:
			return false
		}
	}
	return true
}

func isDirective(s string) bool {
	for _, d := range directives {
		if strings.HasPrefix(s, d) {
			rest := s[len(d):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '\r' || rest[0] == '<' || rest[0] == '"' {
				return true
			}
		}
	}
	return false
}

type treeParser struct {
	src string
	pos int
}

// parseTree parses comment-free devicetree source into a synthetic root node.
func parseTree(src string) (*node, error) {
	p := &treeParser{src: src}
	root := &node{props: map[string]string{}}
	if err := p.parseBody(root, true); err != nil {
		return nil, err
	}
	return root, nil
}

func (p *treeParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *treeParser) skipSpace() {
	for !p.eof() {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

// line returns the 1-based line number of the current position.
func (p *treeParser) line() int {
	return strings.Count(p.src[:min(p.pos, len(p.src))], "\n") + 1
}

func (p *treeParser) parseBody(n *node, top bool) error {
	for {
		p.skipSpace()
		if p.eof() {
			if top {
				return nil
			}
			return fmt.Errorf("unterminated node %q", n.name)
		}
		switch p.src[p.pos] {
		case '}':
			if top {
				return fmt.Errorf("unexpected '}' at line %d", p.line())
			}
			p.pos++
			p.skipSpace()
			if !p.eof() && p.src[p.pos] == ';' {
				p.pos++
			}
			return nil
		case ';':
			p.pos++
			continue
		}

		start := p.pos
		for !p.eof() && !strings.ContainsRune("={;}", rune(p.src[p.pos])) {
			p.pos++
		}
		if p.eof() {
			return fmt.Errorf("unexpected end of input after %q", strings.TrimSpace(p.src[start:]))
		}
		head := strings.TrimSpace(p.src[start:p.pos])
		switch p.src[p.pos] {
		case '=':
			p.pos++
			value, err := p.readValue()
			if err != nil {
				return fmt.Errorf("property %q: %w", head, err)
			}
			n.props[head] = value
		case ';':
			p.pos++
			n.props[head] = ""
		case '{':
			p.pos++
			child := newNode(head)
			if err := p.parseBody(child, false); err != nil {
				return err
			}
			n.children = append(n.children, child)
		default:
			return fmt.Errorf("unexpected '}' after %q at line %d", head, p.line())
		}
	}
}

func (p *treeParser) readValue() (string, error) {
	start := p.pos
	depth := 0
	inString := false
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case inString:
			if c == '\\' {
				p.pos++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '<':
			depth++
		case c == '>':
			depth--
		case c == ';' && depth <= 0:
			value := p.src[start:p.pos]
			p.pos++
			return strings.TrimSpace(value), nil
		}
		p.pos++
	}
	return "", fmt.Errorf("unterminated value")
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
