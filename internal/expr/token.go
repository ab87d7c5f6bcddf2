package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// MaxLength bounds the size of a formula accepted by the tokenizer.
const MaxLength = 512

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of formula"
	case tokNumber:
		return "number"
	case tokIdent:
		return "identifier"
	case tokOp:
		return "operator"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	}
	return "token"
}

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// tokenize splits a formula into tokens. Identifiers may contain dots so a
// metric path such as leftLeg.peakFlexion is a single token.
func tokenize(src string) ([]token, error) {
	if len(src) > MaxLength {
		return nil, fmt.Errorf("formula exceeds %d characters", MaxLength)
	}
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && isDigit(src[i+1]):
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(src[j]) {
					i = j
					for i < len(src) && isDigit(src[i]) {
						i++
					}
				}
			}
			text := src[start:i]
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", text, start)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: v, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentStart(rune(src[i])) || isDigit(src[i]) || src[i] == '.') {
				i++
			}
			text := src[start:i]
			if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
				return nil, fmt.Errorf("malformed identifier %q at position %d", text, start)
			}
			toks = append(toks, token{kind: tokIdent, text: text, pos: start})
		case strings.ContainsRune("+-*/%", c):
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(c rune) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
