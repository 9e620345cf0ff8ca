package msgbus

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the only envelope version the bus accepts.
const ProtocolVersion = 2

// ServerTarget is the request target that addresses the bus itself.
const ServerTarget = "server"

var (
	ErrBinaryFrame     = errors.New("binary frames are not supported")
	ErrMalformedJSON   = errors.New("malformed JSON message")
	ErrVersionMismatch = errors.New("wrong protocol version")
	ErrInvalidMessage  = errors.New("message is not a broadcast, request or response")
	ErrUnknownMethod   = errors.New("unknown server method")
	ErrUnknownPeer     = errors.New("unknown peer")
)

// Envelope is the outbound wire form of a bus message. Raw fields are omitted
// when empty, so a field that was absent on the way in stays absent on the way
// out while an explicit null is preserved.
type Envelope struct {
	Version int             `json:"version"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  *string         `json:"method,omitempty"`
	Target  string          `json:"target,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// MethodName returns name for use as Envelope.Method. Broadcasts and requests
// always carry a method, even an empty one.
func MethodName(name string) *string {
	return &name
}

// RoutedID is the id a forwarded request carries so its response can find the
// way back to the requester.
type RoutedID struct {
	RequestID json.RawMessage `json:"requestId"`
	ClientID  string          `json:"clientId"`
}

// ErrorPayload is the error value the bus puts in error envelopes it produces.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Kind names a message variant.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindInvalid   Kind = "invalid"
)

// Message is one classified inbound envelope: *Broadcast, *Request, *Response
// or *Invalid.
type Message interface {
	Kind() Kind
	// CorrelationID returns the raw id the sender supplied, or nil if the
	// envelope had none.
	CorrelationID() json.RawMessage
}

// Broadcast is sent by a peer to every other peer.
type Broadcast struct {
	Method string
	Params json.RawMessage
}

func (*Broadcast) Kind() Kind {
	return KindBroadcast
}

func (*Broadcast) CorrelationID() json.RawMessage {
	return nil
}

// Request addresses either the bus (Target == ServerTarget) or another peer.
type Request struct {
	ID     json.RawMessage
	Method string
	Target string
	Params json.RawMessage
}

func (*Request) Kind() Kind {
	return KindRequest
}

func (r *Request) CorrelationID() json.RawMessage {
	return r.ID
}

// Response answers a forwarded request and is routed to ClientID.
type Response struct {
	ID        json.RawMessage
	RequestID json.RawMessage
	ClientID  string
	Result    json.RawMessage
	Error     json.RawMessage
}

func (*Response) Kind() Kind {
	return KindResponse
}

func (r *Response) CorrelationID() json.RawMessage {
	return r.ID
}

// Invalid is any versioned envelope that fits none of the other shapes.
type Invalid struct {
	ID     json.RawMessage
	Reason string
}

func (*Invalid) Kind() Kind {
	return KindInvalid
}

func (i *Invalid) CorrelationID() json.RawMessage {
	return i.ID
}

// Parse decodes a text frame and classifies it. Errors are returned only for
// frames that must be dropped without a reply (bad JSON, wrong version);
// unclassifiable envelopes come back as *Invalid.
func Parse(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	raw, ok := fields["version"]
	var version float64
	if !ok || json.Unmarshal(raw, &version) != nil || version != ProtocolVersion {
		if !ok {
			raw = json.RawMessage("undefined")
		}
		return nil, fmt.Errorf("%w: %s", ErrVersionMismatch, raw)
	}

	return classify(fields), nil
}

func classify(fields map[string]json.RawMessage) Message {
	id, hasID := fields["id"]
	_, hasTarget := fields["target"]
	method, isMethod := jsonString(fields["method"])
	target, isTarget := jsonString(fields["target"])

	if !hasID {
		id = nil
	}

	switch {
	case isMethod && !hasID && !hasTarget:
		return &Broadcast{Method: method, Params: fields["params"]}
	case isMethod && isTarget:
		return &Request{ID: id, Method: method, Target: target, Params: fields["params"]}
	}

	if resp, ok := asResponse(id, fields); ok {
		return resp
	}

	return &Invalid{ID: id, Reason: "no method/target and no routable response id"}
}

func asResponse(id json.RawMessage, fields map[string]json.RawMessage) (*Response, bool) {
	if id == nil {
		return nil, false
	}

	var routed map[string]json.RawMessage
	if json.Unmarshal(id, &routed) != nil || routed == nil {
		return nil, false
	}

	requestID, hasRequestID := routed["requestId"]
	clientID, isClientID := jsonString(routed["clientId"])
	result, hasResult := fields["result"]
	errValue, hasError := fields["error"]

	if !hasRequestID || !isClientID || (!hasResult && !hasError) {
		return nil, false
	}

	return &Response{
		ID:        id,
		RequestID: requestID,
		ClientID:  clientID,
		Result:    result,
		Error:     errValue,
	}, true
}

func jsonString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
