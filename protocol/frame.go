package protocol

import (
	"net/url"
)

// Control message types written by the multiplexer
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
)

// EventKind distinguishes full replacement from incremental updates
type EventKind string

const (
	// EventUpdate merges the payload into held state (default)
	EventUpdate EventKind = "update"
	// EventReplace replaces the held state with the payload
	EventReplace EventKind = "replace"
)

// Reserved inbound frame fields; everything else is payload when no explicit
// payload field is present.
const (
	fieldUUID     = "uuid"
	fieldResource = "resource"
	fieldPayload  = "payload"
	fieldEvent    = "event"
	fieldError    = "error"
)

// Control is an outbound subscribe/unsubscribe frame
type Control struct {
	Type     string `json:"type"`
	UUID     string `json:"uuid"`
	Resource string `json:"resource,omitempty"`
}

// Subscribe builds a SUBSCRIBE control frame
func Subscribe(uuid, resource string) Control {
	return Control{Type: TypeSubscribe, UUID: uuid, Resource: resource}
}

// Unsubscribe builds an UNSUBSCRIBE control frame
func Unsubscribe(uuid string) Control {
	return Control{Type: TypeUnsubscribe, UUID: uuid}
}

// ErrorBody is the error condition an event may carry
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one decoded inbound frame. Events are ephemeral: applied, then discarded.
type Event struct {
	UUID     string
	Resource string
	Kind     EventKind
	Payload  any
	Error    *ErrorBody
	Raw      []byte // frame bytes as received
}

// WireResource renders a resource path plus query parameters as the
// subscribe frame's resource field. Query keys are sorted, so equal
// parameters always produce the same resource string.
func WireResource(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}
