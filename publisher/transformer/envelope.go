// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to sink payloads.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/livesync/encoding"
	"github.com/maxpert/livesync/publisher"
)

const connectorName = "livesync"

func init() {
	asJSON := func() publisher.Transformer { return NewEnvelopeTransformer(false) }
	publisher.RegisterTransformer("", asJSON)
	publisher.RegisterTransformer("json", asJSON)
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return NewEnvelopeTransformer(true)
	})
}

// EnvelopeTransformer wraps a change event in a self-describing envelope:
//
//	{
//	  "resource": "runs", "path": "/runs", "status": "ok", "version": 7,
//	  "data": [...], "error": {"kind": "...", "message": "..."},
//	  "ts_ms": 1700000000000,
//	  "source": {"connector": "livesync", "seq": 42}
//	}
//
// Binary mode emits the same envelope as msgpack.
type EnvelopeTransformer struct {
	binary bool
}

var _ publisher.Transformer = (*EnvelopeTransformer)(nil)

// NewEnvelopeTransformer creates a JSON (binary=false) or msgpack transformer
func NewEnvelopeTransformer(binary bool) *EnvelopeTransformer {
	return &EnvelopeTransformer{binary: binary}
}

type envelope struct {
	Resource string         `json:"resource"`
	Path     string         `json:"path"`
	Status   string         `json:"status"`
	Version  uint64         `json:"version"`
	Data     any            `json:"data"`
	Error    *envelopeError `json:"error"`
	TsMs     int64          `json:"ts_ms"`
	Source   envelopeSource `json:"source"`
}

type envelopeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type envelopeSource struct {
	Connector string `json:"connector"`
	Seq       uint64 `json:"seq"`
}

// Transform renders the envelope for one event
func (t *EnvelopeTransformer) Transform(event publisher.ChangeEvent) ([]byte, error) {
	env := envelope{
		Resource: event.Resource,
		Path:     event.Path,
		Status:   event.Status,
		Version:  event.Version,
		TsMs:     event.TS,
		Source:   envelopeSource{Connector: connectorName, Seq: event.SeqNum},
	}
	if event.Error != "" {
		env.Error = &envelopeError{Kind: event.ErrorKind, Message: event.Error}
	}

	if !t.binary {
		if len(event.Data) > 0 {
			env.Data = json.RawMessage(event.Data)
		}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
		return data, nil
	}

	if len(event.Data) > 0 {
		var value any
		if err := json.Unmarshal(event.Data, &value); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		env.Data = value
	}
	data, err := encoding.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal msgpack: %w", err)
	}
	return data, nil
}

// Tombstone is a nil value, the compaction marker for keyed topics
func (t *EnvelopeTransformer) Tombstone(key string) []byte {
	return nil
}
