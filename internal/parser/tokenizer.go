package parser

import (
	"strings"
)

// Tokenize splits a command line with shell-like rules: fields separated by
// whitespace, double or single quotes preserving spaces, backslash escaping
// the next character. Quotes only close on their own kind.
func Tokenize(line string) []string {
	var tokens []string
	var b strings.Builder
	inToken := false
	var quote rune
	escaped := false
	flush := func() {
		if inToken {
			tokens = append(tokens, b.String())
			b.Reset()
			inToken = false
		}
	}
	for _, r := range line {
		switch {
		case escaped:
			b.WriteRune(r)
			inToken = true
			escaped = false
		case r == '\\':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				b.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			flush()
		default:
			b.WriteRune(r)
			inToken = true
		}
	}
	if escaped {
		b.WriteRune('\\')
		inToken = true
	}
	flush()
	return tokens
}
