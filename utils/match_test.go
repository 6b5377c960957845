package utils

import (
	"errors"
	"testing"
)

func TestCompilePattern(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"*", "", true},
		{"*", "anything", true},
		{"%", "anything", true},
		{"invoice:*", "invoice:", true},
		{"invoice:*", "invoice:42", true},
		{"invoice:*", "receipt:42", false},
		{"invoice:%", "invoice:42", true},
		{"a*c", "abbbc", true},
		{"a*c", "abbbd", false},
		{"pay", "pay", true},
		{"pay", "payment", false},
		{"pay", "prepay", false},
		{"a.b", "a.b", true},
		{"a.b", "axb", false},
		{"a+b", "a+b", true},
		{`a\*`, "a*", true},
		{`a\*`, "ab", false},
		{`a\%`, "a%", true},
		{`a\\`, `a\`, true},
		{"*:*", "x:y", true},
		{"*:*", "xy", false},
		{"line*", "line1\nline2", true},
	}
	for _, c := range cases {
		re, err := CompilePattern(c.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", c.pattern, err)
		}
		if got := re.MatchString(c.value); got != c.want {
			t.Errorf("%q vs %q: got %v want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestCompilePatternDanglingEscape(t *testing.T) {
	for _, p := range []string{`\`, `abc\`, `a\\\`} {
		if _, err := CompilePattern(p); !errors.Is(err, ErrDanglingEscape) {
			t.Fatalf("%q: expected ErrDanglingEscape, got %v", p, err)
		}
	}
}

func TestIsLiteral(t *testing.T) {
	if !IsLiteral("invoice:42") {
		t.Fatalf("plain pattern should be literal")
	}
	for _, p := range []string{"a*", "a%", `a\b`} {
		if IsLiteral(p) {
			t.Fatalf("%q should not be literal", p)
		}
	}
}

func TestEscapedMultibyteRune(t *testing.T) {
	re, err := CompilePattern(`caf\é*`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !re.MatchString("café-menu") || re.MatchString("cafe-menu") {
		t.Fatalf("escaped rune should match itself only")
	}
}

func TestValidatePattern(t *testing.T) {
	cases := map[string]bool{
		"doc:*":     true,
		"plain":     true,
		"raw\xff":   true, // literal, compared byte for byte
		"doc:*\xff": false,
		`doc:\`:     false,
		`doc:\*`:    true,
	}
	for pattern, ok := range cases {
		if err := ValidatePattern(pattern); (err == nil) != ok {
			t.Fatalf("ValidatePattern(%q) = %v, want ok=%v", pattern, err, ok)
		}
	}
}
