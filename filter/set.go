package filter

import (
	"fmt"
	"net/url"

	"github.com/gobwas/glob"
)

// SearchParam carries free-text tokens that have no value
const SearchParam = "search"

// Set is an ordered collection of parsed tokens with compiled value patterns.
// Blank tokens are skipped.
type Set struct {
	tokens []*Token
	globs  []glob.Glob
}

// ParseAll parses raw tokens into a Set.
// Values are compiled as glob patterns; an invalid pattern is an error.
func ParseAll(raw []string) (*Set, error) {
	s := &Set{
		tokens: make([]*Token, 0, len(raw)),
		globs:  make([]glob.Glob, 0, len(raw)),
	}

	for _, r := range raw {
		tok := Parse(r)
		if tok == nil {
			continue
		}

		var g glob.Glob
		if tok.HasValue {
			var err error
			g, err = glob.Compile(tok.Value)
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern %q: %w", tok.Value, err)
			}
		}

		s.tokens = append(s.tokens, tok)
		s.globs = append(s.globs, g)
	}

	return s, nil
}

// Tokens returns the parsed tokens in input order
func (s *Set) Tokens() []*Token {
	return s.tokens
}

// Len returns the number of tokens
func (s *Set) Len() int {
	return len(s.tokens)
}

// Query adds the tokens to HTTP query parameters.
// "key:value" becomes filter[key]=value; a bare "key" is added as a search term.
func (s *Set) Query(values url.Values) url.Values {
	if values == nil {
		values = url.Values{}
	}
	for _, tok := range s.tokens {
		if tok.HasValue {
			values.Add("filter["+tok.Field()+"]", tok.Value)
		} else {
			values.Add(SearchParam, tok.Field())
		}
	}
	return values
}

// Match reports whether a row satisfies every token.
// "key:pattern" requires the row's key field to match the glob pattern;
// a bare "key" requires the field to be present.
// An empty set matches everything.
func (s *Set) Match(row map[string]any) bool {
	for i, tok := range s.tokens {
		v, ok := row[tok.Field()]
		if !ok {
			return false
		}
		if s.globs[i] != nil && !s.globs[i].Match(fmt.Sprint(v)) {
			return false
		}
	}
	return true
}
