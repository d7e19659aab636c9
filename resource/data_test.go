package resource

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(key any, v string) map[string]any {
	return map[string]any{"key": key, "v": v}
}

func TestListMergePreservesPositionAndAppends(t *testing.T) {
	m := newMerger(List, "key")
	current := Data{Kind: List, Rows: []any{row(1, "a"), row(2, "b")}}

	replaced, err := m.merge(current, row(1, "z"), false)
	require.NoError(t, err)
	assert.Equal(t, []any{row(1, "z"), row(2, "b")}, replaced.Rows)

	appended, err := m.merge(replaced, row(3, "c"), false)
	require.NoError(t, err)
	assert.Equal(t, []any{row(1, "z"), row(2, "b"), row(3, "c")}, appended.Rows)

	// Inputs are never modified
	assert.Equal(t, []any{row(1, "a"), row(2, "b")}, current.Rows)
}

func TestListMergeNormalizesNumericKeys(t *testing.T) {
	m := newMerger(List, "key")
	current := Data{Kind: List, Rows: []any{row(float64(7), "a")}}

	merged, err := m.merge(current, row(int64(7), "b"), false)
	require.NoError(t, err)
	assert.Len(t, merged.Rows, 1)
	assert.Equal(t, "b", merged.Rows[0].(map[string]any)["v"])

	merged, err = m.merge(merged, row(json.Number("7"), "c"), false)
	require.NoError(t, err)
	assert.Len(t, merged.Rows, 1)

	merged, err = m.merge(merged, row("7", "d"), false)
	require.NoError(t, err)
	assert.Len(t, merged.Rows, 2, "string keys do not collide with numbers")
}

func TestListMergeKeepsLargeIntegerKeysDistinct(t *testing.T) {
	m := newMerger(List, "key")

	merged, err := m.merge(m.empty(), []any{
		row(int64(1<<53), "a"),
		row(int64(1<<53+1), "b"),
		row(uint64(math.MaxUint64), "c"),
		row(uint64(math.MaxUint64-1), "d"),
		row(json.Number("9007199254740993"), "e"),
	}, false)
	require.NoError(t, err)
	require.Len(t, merged.Rows, 4)
	assert.Equal(t, "e", merged.Rows[1].(map[string]any)["v"], "json.Number matches the int64 it spells")

	merged, err = m.merge(merged, row(uint64(1<<53), "f"), false)
	require.NoError(t, err)
	require.Len(t, merged.Rows, 4)
	assert.Equal(t, "f", merged.Rows[0].(map[string]any)["v"])
	assert.Equal(t, "c", merged.Rows[2].(map[string]any)["v"])
}

func TestNormalizeKeyFractions(t *testing.T) {
	k, ok := normalizeKey(float64(3))
	require.True(t, ok)
	assert.Equal(t, int64(3), k)

	k, ok = normalizeKey(json.Number("3.0"))
	require.True(t, ok)
	assert.Equal(t, int64(3), k)

	k, ok = normalizeKey(2.5)
	require.True(t, ok)
	assert.Equal(t, 2.5, k)

	k, ok = normalizeKey(json.Number("18446744073709551615"))
	require.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), k)
}

func TestListMergeArrayPayload(t *testing.T) {
	m := newMerger(List, "")
	current := Data{Kind: List, Rows: []any{map[string]any{"id": "a", "n": 1}}}

	merged, err := m.merge(current, []any{
		map[string]any{"id": "b", "n": 2},
		map[string]any{"id": "a", "n": 3},
		map[string]any{"id": "b", "n": 4},
	}, false)
	require.NoError(t, err)

	assert.Equal(t, []any{
		map[string]any{"id": "a", "n": 3},
		map[string]any{"id": "b", "n": 4},
	}, merged.Rows)
}

func TestListRowsWithoutKeyAppend(t *testing.T) {
	m := newMerger(List, "id")
	current := m.empty()

	merged, err := m.merge(current, map[string]any{"name": "x"}, false)
	require.NoError(t, err)
	merged, err = m.merge(merged, map[string]any{"name": "x"}, false)
	require.NoError(t, err)
	assert.Len(t, merged.Rows, 2)
}

func TestListReplace(t *testing.T) {
	m := newMerger(List, "key")
	current := Data{Kind: List, Rows: []any{row(1, "a"), row(2, "b")}}

	replaced, err := m.merge(current, []any{row(9, "z")}, true)
	require.NoError(t, err)
	assert.Equal(t, []any{row(9, "z")}, replaced.Rows)
}

func TestListRejectsScalarPayload(t *testing.T) {
	m := newMerger(List, "key")
	_, err := m.merge(m.empty(), "text", false)
	assert.ErrorIs(t, err, ErrShape)
}

func TestMappingShallowMerge(t *testing.T) {
	m := newMerger(Mapping, "")
	current := Data{Kind: Mapping, Fields: map[string]any{
		"a": 1,
		"b": map[string]any{"x": 1},
	}}

	merged, err := m.merge(current, map[string]any{"b": map[string]any{"y": 2}, "c": 3}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"a": 1,
		"b": map[string]any{"y": 2},
		"c": 3,
	}, merged.Fields)
	assert.Len(t, current.Fields, 2)

	replaced, err := m.merge(merged, map[string]any{"only": true}, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"only": true}, replaced.Fields)

	_, err = m.merge(merged, []any{1}, false)
	assert.ErrorIs(t, err, ErrShape)
}

func TestScalarLastWriteWins(t *testing.T) {
	m := newMerger(Scalar, "")
	d, err := m.merge(m.empty(), map[string]any{"state": "queued"}, false)
	require.NoError(t, err)
	d, err = m.merge(d, map[string]any{"progress": 0.5}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"progress": 0.5}, d.Value)

	d, err = m.merge(d, "done", false)
	require.NoError(t, err)
	assert.Equal(t, "done", d.Value)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"", Scalar},
		{"scalar", Scalar},
		{"mapping", Mapping},
		{"list", List},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		if tt.in != "" {
			assert.Equal(t, tt.in, got.String())
		}
	}

	_, err := ParseKind("tree")
	assert.Error(t, err)
}

func TestDataMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Data{Kind: List})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = json.Marshal(Data{Kind: Mapping, Fields: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	data, err = json.Marshal(Data{Kind: Scalar, Value: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `"x"`, string(data))

	data, err = json.Marshal(State{Status: Ok, Data: Data{Kind: Mapping}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{},"version":0}`, string(data))
}

func TestDataFilterAndLen(t *testing.T) {
	d := Data{Kind: List, Rows: []any{row(1, "a"), row(2, "b"), "loose"}}
	assert.Equal(t, 3, d.Len())

	filtered := d.Filter(func(r map[string]any) bool { return r["v"] == "b" })
	assert.Equal(t, []any{row(2, "b")}, filtered.Rows)

	scalar := Data{Kind: Scalar, Value: map[string]any{"v": "a"}}
	assert.Equal(t, scalar, scalar.Filter(func(map[string]any) bool { return true }))
	assert.Equal(t, 0, scalar.Filter(func(map[string]any) bool { return false }).Len())
	assert.Equal(t, 0, Data{}.Len())
}
