package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maxpert/livesync/encoding"
)

// ErrMalformedFrame is returned for frames that are not an object
var ErrMalformedFrame = errors.New("malformed frame")

// Codec encodes control frames and decodes inbound events
type Codec interface {
	// Name returns the codec name used in configuration
	Name() string
	// Binary reports whether frames travel as binary websocket messages
	Binary() bool
	// Encode serializes a control frame
	Encode(c Control) ([]byte, error)
	// Decode parses an inbound frame into an Event
	Decode(data []byte) (Event, error)
}

var (
	// JSON encodes frames as JSON text messages
	JSON Codec = jsonCodec{}
	// Msgpack encodes frames as msgpack binary messages
	Msgpack Codec = msgpackCodec{}
)

// CodecFor returns the codec registered under name
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", JSON.Name():
		return JSON, nil
	case Msgpack.Name():
		return Msgpack, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(c Control) ([]byte, error) {
	return json.Marshal(c)
}

func (jsonCodec) Decode(data []byte) (Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return eventFromFields(fields, data)
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Encode(c Control) ([]byte, error) {
	return encoding.Marshal(c)
}

func (msgpackCodec) Decode(data []byte) (Event, error) {
	var fields map[string]any
	if err := encoding.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return eventFromFields(fields, data)
}

// eventFromFields extracts the reserved fields of a decoded frame.
// An explicit "payload" field wins; otherwise every non-reserved field is payload.
func eventFromFields(fields map[string]any, raw []byte) (Event, error) {
	if fields == nil {
		return Event{}, ErrMalformedFrame
	}

	ev := Event{
		Kind: EventUpdate,
		Raw:  raw,
	}
	ev.UUID, _ = fields[fieldUUID].(string)
	ev.Resource, _ = fields[fieldResource].(string)

	if kind, ok := fields[fieldEvent].(string); ok && EventKind(kind) == EventReplace {
		ev.Kind = EventReplace
	}

	switch e := fields[fieldError].(type) {
	case nil:
	case string:
		ev.Error = &ErrorBody{Kind: "server", Message: e}
	case map[string]any:
		body := &ErrorBody{Kind: "server"}
		if kind, ok := e["kind"].(string); ok && kind != "" {
			body.Kind = kind
		}
		body.Message, _ = e["message"].(string)
		ev.Error = body
	}

	if payload, ok := fields[fieldPayload]; ok {
		ev.Payload = payload
		return ev, nil
	}

	rest := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case fieldUUID, fieldResource, fieldEvent, fieldError:
			continue
		}
		rest[k] = v
	}
	ev.Payload = rest

	return ev, nil
}
