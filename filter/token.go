// Package filter parses the dashboard's free-text search tokens.
//
// A token has the form "key" or "key:value". The first ':' that is not escaped
// with a backslash separates the key from the value. Keys are kept verbatim up to
// the separator, including trailing whitespace; values are trimmed. Every input maps
// to a token or nil, so parsing has no error channel.
//
//	filter.Parse("status:running")  // {Key: "status", Value: "running"}
//	filter.Parse("test : ")         // {Key: "test "}
//	filter.Parse("   ")             // nil
package filter

import (
	"strings"
	"unicode"
)

const (
	// Separator splits a token into key and value
	Separator = ':'
	// Escape makes the following character literal
	Escape = '\\'
)

// Token is a parsed search token.
// Scope is reserved for field scoping and is always populated, empty by default.
type Token struct {
	Key      string
	Value    string
	HasValue bool
	Scope    string
}

// Parse translates a raw token into a Token, or nil for empty/blank input.
func Parse(raw string) *Token {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	i := separatorIndex(raw)
	if i < 0 {
		return &Token{Key: strings.TrimRightFunc(raw, unicode.IsSpace), Scope: ""}
	}

	tok := &Token{Key: raw[:i], Scope: ""}
	if value := strings.TrimSpace(raw[i+1:]); value != "" {
		tok.Value = value
		tok.HasValue = true
	}
	return tok
}

// separatorIndex returns the byte offset of the first unescaped separator, or -1
func separatorIndex(s string) int {
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == Escape:
			escaped = true
		case s[i] == Separator:
			return i
		}
	}
	return -1
}

// Field returns the key as a field name: surrounding whitespace removed and
// escaped separators resolved.
func (t *Token) Field() string {
	return strings.ReplaceAll(strings.TrimSpace(t.Key), string(Escape)+string(Separator), string(Separator))
}

// String renders the token back into its canonical "key:value" form
func (t *Token) String() string {
	if !t.HasValue {
		return t.Key
	}
	return t.Key + string(Separator) + t.Value
}
