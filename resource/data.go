package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/maxpert/livesync/cfg"
)

// DefaultRowKey is the row field used to key list rows when none is configured
const DefaultRowKey = "id"

// ErrShape is returned when a payload does not fit the resource kind
var ErrShape = errors.New("payload does not match resource kind")

// Kind selects how payloads are merged into held data
type Kind int

const (
	// Scalar resources are replaced by every payload (last write wins)
	Scalar Kind = iota
	// Mapping resources are shallow-merged, payload keys win
	Mapping
	// List resources replace rows in place by key, or append
	List
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return cfg.KindScalar
	case Mapping:
		return cfg.KindMapping
	case List:
		return cfg.KindList
	default:
		return "unknown"
	}
}

// ParseKind maps a configured kind name onto a Kind. Empty means Scalar.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", cfg.KindScalar:
		return Scalar, nil
	case cfg.KindMapping:
		return Mapping, nil
	case cfg.KindList:
		return List, nil
	default:
		return Scalar, fmt.Errorf("unknown resource kind %q", name)
	}
}

// Data is the held value of a resource, tagged by Kind. Only the member for
// Kind is meaningful. Data is never mutated in place after it is published,
// so copies may be shared freely.
type Data struct {
	Kind   Kind
	Value  any
	Fields map[string]any
	Rows   []any
}

// Len returns the number of rows or fields; a set scalar counts as one
func (d Data) Len() int {
	switch d.Kind {
	case Mapping:
		return len(d.Fields)
	case List:
		return len(d.Rows)
	default:
		if d.Value == nil {
			return 0
		}
		return 1
	}
}

// Filter keeps list rows (or returns the mapping/scalar unchanged when it
// matches) for which match returns true. Non-object rows never match.
func (d Data) Filter(match func(row map[string]any) bool) Data {
	switch d.Kind {
	case List:
		out := Data{Kind: List, Rows: make([]any, 0, len(d.Rows))}
		for _, r := range d.Rows {
			if row, ok := r.(map[string]any); ok && match(row) {
				out.Rows = append(out.Rows, r)
			}
		}
		return out
	case Mapping:
		if match(d.Fields) {
			return d
		}
		return Data{Kind: Mapping, Fields: map[string]any{}}
	default:
		if row, ok := d.Value.(map[string]any); ok && match(row) {
			return d
		}
		return Data{Kind: Scalar}
	}
}

// MarshalJSON renders only the active member
func (d Data) MarshalJSON() ([]byte, error) {
	switch d.Kind {
	case Mapping:
		if d.Fields == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(d.Fields)
	case List:
		if d.Rows == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(d.Rows)
	default:
		return json.Marshal(d.Value)
	}
}

// merger applies payloads for one Kind. It is selected once per Synchronizer.
type merger interface {
	empty() Data
	merge(current Data, payload any, replace bool) (Data, error)
}

func newMerger(kind Kind, rowKey string) merger {
	switch kind {
	case Mapping:
		return mappingMerger{}
	case List:
		if rowKey == "" {
			rowKey = DefaultRowKey
		}
		return listMerger{key: rowKey}
	default:
		return scalarMerger{}
	}
}

type scalarMerger struct{}

func (scalarMerger) empty() Data {
	return Data{Kind: Scalar}
}

func (scalarMerger) merge(_ Data, payload any, _ bool) (Data, error) {
	return Data{Kind: Scalar, Value: payload}, nil
}

type mappingMerger struct{}

func (mappingMerger) empty() Data {
	return Data{Kind: Mapping, Fields: map[string]any{}}
}

func (mappingMerger) merge(current Data, payload any, replace bool) (Data, error) {
	incoming, ok := payload.(map[string]any)
	if !ok {
		return current, fmt.Errorf("%w: mapping expects an object, got %T", ErrShape, payload)
	}

	size := len(incoming)
	if !replace {
		size += len(current.Fields)
	}
	fields := make(map[string]any, size)
	if !replace {
		for k, v := range current.Fields {
			fields[k] = v
		}
	}
	for k, v := range incoming {
		fields[k] = v
	}

	return Data{Kind: Mapping, Fields: fields}, nil
}

type listMerger struct {
	key string
}

func (listMerger) empty() Data {
	return Data{Kind: List, Rows: []any{}}
}

// merge accepts a single row or an array of rows
func (m listMerger) merge(current Data, payload any, replace bool) (Data, error) {
	var incoming []any
	switch p := payload.(type) {
	case []any:
		incoming = p
	case map[string]any:
		incoming = []any{p}
	default:
		return current, fmt.Errorf("%w: list expects an object or array, got %T", ErrShape, payload)
	}

	if replace {
		rows := make([]any, len(incoming))
		copy(rows, incoming)
		return Data{Kind: List, Rows: rows}, nil
	}

	rows := make([]any, len(current.Rows), len(current.Rows)+len(incoming))
	copy(rows, current.Rows)

	index := make(map[any]int, len(rows))
	for i, r := range rows {
		if k, ok := m.rowKey(r); ok {
			index[k] = i
		}
	}

	for _, r := range incoming {
		k, ok := m.rowKey(r)
		if ok {
			if i, exists := index[k]; exists {
				rows[i] = r
				continue
			}
			index[k] = len(rows)
		}
		rows = append(rows, r)
	}

	return Data{Kind: List, Rows: rows}, nil
}

// rowKey extracts the normalized key of a row. Numbers compare by value
// regardless of their decoded Go type.
func (m listMerger) rowKey(row any) (any, bool) {
	obj, ok := row.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[m.key]
	if !ok || v == nil {
		return nil, false
	}
	return normalizeKey(v)
}

// normalizeKey maps numeric keys onto int64 (uint64 above its range) so a key
// compares equal however it was decoded. Only fractional values stay float64.
func normalizeKey(v any) (any, bool) {
	switch k := v.(type) {
	case string, bool:
		return k, true
	case json.Number:
		if i, err := k.Int64(); err == nil {
			return i, true
		}
		if u, err := strconv.ParseUint(k.String(), 10, 64); err == nil {
			return u, true
		}
		if f, err := k.Float64(); err == nil {
			return normalizeFloat(f), true
		}
		return k.String(), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u > math.MaxInt64 {
			return u, true
		}
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float()), true
	}

	if rv.Type().Comparable() {
		return v, true
	}
	return nil, false
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}
