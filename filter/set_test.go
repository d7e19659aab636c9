package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllSkipsBlank(t *testing.T) {
	s, err := ParseAll([]string{"status:running", "", "  ", "failed"})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "status", s.Tokens()[0].Key)
	assert.Equal(t, "failed", s.Tokens()[1].Key)
}

func TestParseAllInvalidPattern(t *testing.T) {
	_, err := ParseAll([]string{"name:[unclosed"})
	assert.Error(t, err)
}

func TestSetQuery(t *testing.T) {
	s, err := ParseAll([]string{"status:running", "owner : alice", "nightly"})
	require.NoError(t, err)

	values := s.Query(url.Values{"limit": {"50"}})
	assert.Equal(t, "50", values.Get("limit"))
	assert.Equal(t, "running", values.Get("filter[status]"))
	assert.Equal(t, "alice", values.Get("filter[owner]"))
	assert.Equal(t, "nightly", values.Get(SearchParam))
}

func TestSetQueryNilValues(t *testing.T) {
	s, err := ParseAll([]string{"status:ok"})
	require.NoError(t, err)

	values := s.Query(nil)
	assert.Equal(t, "ok", values.Get("filter[status]"))
}

func TestSetMatch(t *testing.T) {
	s, err := ParseAll([]string{"name:etl-*", "state:success"})
	require.NoError(t, err)

	assert.True(t, s.Match(map[string]any{"name": "etl-daily", "state": "success"}))
	assert.False(t, s.Match(map[string]any{"name": "etl-daily", "state": "failed"}))
	assert.False(t, s.Match(map[string]any{"name": "load", "state": "success"}))
	assert.False(t, s.Match(map[string]any{"name": "etl-daily"}))
}

func TestSetMatchPresenceAndNumbers(t *testing.T) {
	s, err := ParseAll([]string{"error", "attempt:2"})
	require.NoError(t, err)

	assert.True(t, s.Match(map[string]any{"error": nil, "attempt": float64(2)}))
	assert.False(t, s.Match(map[string]any{"attempt": float64(2)}))
	assert.False(t, s.Match(map[string]any{"error": "boom", "attempt": float64(3)}))
}

func TestEmptySetMatchesEverything(t *testing.T) {
	s, err := ParseAll(nil)
	require.NoError(t, err)

	assert.True(t, s.Match(map[string]any{}))
	assert.True(t, s.Match(map[string]any{"x": 1}))
}
