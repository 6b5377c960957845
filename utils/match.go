package utils

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrDanglingEscape is returned for a pattern that ends in a lone backslash.
var ErrDanglingEscape = errors.New("dangling escape at end of pattern")

// IsWildcard reports whether c is a wildcard token. Both '*' and '%' match
// any sequence of characters, including none.
func IsWildcard(c byte) bool {
	return c == '*' || c == '%'
}

// PatternSource translates an action/resource pattern into an anchored regular
// expression source. Every character is literal except the wildcard tokens;
// '\' escapes the following character so "a\*" matches only "a*".
func PatternSource(pattern string) (string, error) {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteByte('^')
	lit := 0
	flush := func(i int) {
		if lit < i {
			b.WriteString(regexp.QuoteMeta(pattern[lit:i]))
		}
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\':
			flush(i)
			if i+1 >= len(pattern) {
				return "", ErrDanglingEscape
			}
			_, size := utf8.DecodeRuneInString(pattern[i+1:])
			b.WriteString(regexp.QuoteMeta(pattern[i+1 : i+1+size]))
			i += size
			lit = i + 1
		case IsWildcard(c):
			flush(i)
			b.WriteString("(?s:.*)")
			lit = i + 1
		}
	}
	flush(len(pattern))
	b.WriteByte('$')
	return b.String(), nil
}

// CompilePattern compiles pattern into a full-string matcher.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	src, err := PatternSource(pattern)
	if err != nil {
		return nil, err
	}
	return regexp.Compile(src)
}

// ValidatePattern reports whether pattern would be accepted by a matcher:
// literal patterns always are, anything else must compile.
func ValidatePattern(pattern string) error {
	if IsLiteral(pattern) {
		return nil
	}
	_, err := CompilePattern(pattern)
	return err
}

// IsLiteral reports whether pattern contains neither wildcards nor escapes,
// in which case plain string equality is an exact substitute for the regexp.
func IsLiteral(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if c := pattern[i]; c == '\\' || IsWildcard(c) {
			return false
		}
	}
	return true
}
