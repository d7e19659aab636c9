package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmpty(t *testing.T) {
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("   "))
	assert.Nil(t, Parse("\t\n"))
}

func TestParseLiteralCases(t *testing.T) {
	tests := []struct {
		raw  string
		want Token
	}{
		{"test", Token{Key: "test", Scope: ""}},
		{"test:", Token{Key: "test", Scope: ""}},
		{"test : ", Token{Key: "test ", Scope: ""}},
		{"test :val", Token{Key: "test ", Value: "val", HasValue: true, Scope: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Parse(tt.raw)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestParseNoSeparatorTrimsRightOnly(t *testing.T) {
	got := Parse("  status  ")
	require.NotNil(t, got)
	assert.Equal(t, "  status", got.Key)
	assert.False(t, got.HasValue)
	assert.Equal(t, "", got.Scope)
}

func TestParseFirstSeparatorWins(t *testing.T) {
	got := Parse("started:2024-01-01T10:00")
	require.NotNil(t, got)
	assert.Equal(t, "started", got.Key)
	assert.Equal(t, "2024-01-01T10:00", got.Value)
}

func TestParseValueTrimmed(t *testing.T) {
	got := Parse("status:   running  ")
	require.NotNil(t, got)
	assert.Equal(t, "status", got.Key)
	assert.Equal(t, "running", got.Value)
	assert.True(t, got.HasValue)
}

func TestParseEscapedSeparator(t *testing.T) {
	got := Parse(`ns\:name:etl`)
	require.NotNil(t, got)
	assert.Equal(t, `ns\:name`, got.Key)
	assert.Equal(t, "etl", got.Value)
	assert.Equal(t, "ns:name", got.Field())

	// Only escaped separators: whole input is the key
	got = Parse(`a\:b`)
	require.NotNil(t, got)
	assert.Equal(t, `a\:b`, got.Key)
	assert.False(t, got.HasValue)

	// Escaped backslash does not escape the separator
	got = Parse(`a\\:b`)
	require.NotNil(t, got)
	assert.Equal(t, `a\\`, got.Key)
	assert.Equal(t, "b", got.Value)
}

func TestTokenField(t *testing.T) {
	assert.Equal(t, "test", Parse("test :val").Field())
	assert.Equal(t, "name", Parse("  name").Field())
}

func TestTokenString(t *testing.T) {
	assert.Equal(t, "status:running", Parse("status: running").String())
	assert.Equal(t, "test ", Parse("test : ").String())
}
