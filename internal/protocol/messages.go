// Package protocol defines the WebSocket message types and structures used for
// communication between clients and the hub. Inbound frames are JSON objects
// with a type discriminator; outbound frames are one of four response
// variants, serialized with a timestamp attached at send time.
package protocol

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// MessageType is the discriminator of a client -> server frame.
type MessageType string

// Client -> Server message types.
const (
	TypeChatMessage MessageType = "chat_message"
	TypeCommand     MessageType = "command"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
	TypeError       MessageType = "error"
)

// Valid reports whether t is one of the recognized inbound types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeChatMessage, TypeCommand, TypePing, TypePong, TypeError:
		return true
	}
	return false
}

// ResponseType is the discriminator of a server -> client frame.
type ResponseType string

// Server -> Client message types.
const (
	ResponseAssistant      ResponseType = "assistant_response"
	ResponseEvent          ResponseType = "event"
	ResponseError          ResponseType = "error"
	ResponseAcknowledgment ResponseType = "acknowledgment"
)

// Machine-readable error codes carried by ErrorResponse.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeHandlerError       = "HANDLER_ERROR"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
)

// ErrInvalidFormat is wrapped by every ParseMessage failure.
var ErrInvalidFormat = errors.New("protocol: invalid message format")

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// InboundMessage is a validated client frame. It lives for one dispatch.
type InboundMessage struct {
	Type      MessageType
	Content   string
	Metadata  map[string]any
	RequestID string
}

// inboundWire mirrors the JSON shape. Pointers distinguish absent fields
// from empty ones.
type inboundWire struct {
	Type      *string        `json:"type"`
	Content   *string        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// ParseMessage decodes raw frame bytes into an InboundMessage. It fails with
// an error wrapping ErrInvalidFormat when the payload is not a JSON object,
// when type or content is absent, or when type is not recognized.
func ParseMessage(data []byte) (InboundMessage, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if w.Type == nil {
		return InboundMessage{}, fmt.Errorf("%w: missing \"type\" field", ErrInvalidFormat)
	}
	if w.Content == nil {
		return InboundMessage{}, fmt.Errorf("%w: missing \"content\" field", ErrInvalidFormat)
	}
	t := MessageType(*w.Type)
	if !t.Valid() {
		return InboundMessage{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidFormat, *w.Type)
	}
	return InboundMessage{
		Type:      t,
		Content:   *w.Content,
		Metadata:  w.Metadata,
		RequestID: w.RequestID,
	}, nil
}

// RecoverRequestID makes a best-effort attempt to pull requestId out of a
// frame that failed validation, so the error reply can still be correlated.
func RecoverRequestID(data []byte) string {
	var partial struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.RequestID
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Message is anything the hub can put on the wire. The timestamp is supplied
// by the caller at serialization time so retried sends are stamped fresh.
type Message interface {
	MarshalAt(ts time.Time) ([]byte, error)
}

// OutboundResponse is the closed set of typed server responses:
// AssistantResponse, EventResponse, ErrorResponse and Acknowledgment.
type OutboundResponse interface {
	Message
	Kind() ResponseType
	Correlation() string
	outbound()
}

// AssistantResponse carries assistant-generated content for a project.
type AssistantResponse struct {
	Content   string
	Data      map[string]any
	RequestID string
}

// EventResponse carries a translated domain event.
type EventResponse struct {
	EventType string
	Data      map[string]any
	RequestID string
}

// ErrorResponse reports a protocol, handler or producer error.
type ErrorResponse struct {
	Code      string
	Message   string
	RequestID string
}

// Acknowledgment confirms receipt or returns a small synchronous result.
type Acknowledgment struct {
	Content   string
	Data      map[string]any
	RequestID string
}

func (AssistantResponse) Kind() ResponseType { return ResponseAssistant }
func (EventResponse) Kind() ResponseType     { return ResponseEvent }
func (ErrorResponse) Kind() ResponseType     { return ResponseError }
func (Acknowledgment) Kind() ResponseType    { return ResponseAcknowledgment }

func (r AssistantResponse) Correlation() string { return r.RequestID }
func (r EventResponse) Correlation() string     { return r.RequestID }
func (r ErrorResponse) Correlation() string     { return r.RequestID }
func (r Acknowledgment) Correlation() string    { return r.RequestID }

func (AssistantResponse) outbound() {}
func (EventResponse) outbound()     {}
func (ErrorResponse) outbound()     {}
func (Acknowledgment) outbound()    {}

// outboundWire is the serialized shape of every response variant.
type outboundWire struct {
	Type         ResponseType   `json:"type"`
	Content      string         `json:"content,omitempty"`
	EventType    string         `json:"eventType,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Timestamp    string         `json:"timestamp"`
}

func (r AssistantResponse) MarshalAt(ts time.Time) ([]byte, error) {
	return marshalWire(outboundWire{
		Type: ResponseAssistant, Content: r.Content, Data: r.Data, RequestID: r.RequestID,
	}, ts)
}

func (r EventResponse) MarshalAt(ts time.Time) ([]byte, error) {
	return marshalWire(outboundWire{
		Type: ResponseEvent, EventType: r.EventType, Data: r.Data, RequestID: r.RequestID,
	}, ts)
}

func (r ErrorResponse) MarshalAt(ts time.Time) ([]byte, error) {
	return marshalWire(outboundWire{
		Type: ResponseError, ErrorCode: r.Code, ErrorMessage: r.Message, RequestID: r.RequestID,
	}, ts)
}

func (r Acknowledgment) MarshalAt(ts time.Time) ([]byte, error) {
	return marshalWire(outboundWire{
		Type: ResponseAcknowledgment, Content: r.Content, Data: r.Data, RequestID: r.RequestID,
	}, ts)
}

func marshalWire(w outboundWire, ts time.Time) ([]byte, error) {
	w.Timestamp = FormatTimestamp(ts)
	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s response: %w", w.Type, err)
	}
	return out, nil
}

// Notification is a free-form payload pushed to every connection of a user.
// The timestamp key is overwritten at serialization time.
type Notification map[string]any

// MarshalAt implements Message. The receiver is not mutated.
func (n Notification) MarshalAt(ts time.Time) ([]byte, error) {
	m := make(map[string]any, len(n)+1)
	for k, v := range n {
		m[k] = v
	}
	m["timestamp"] = FormatTimestamp(ts)
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal notification: %w", err)
	}
	return out, nil
}

// FormatTimestamp renders ts in the wire timestamp format (RFC 3339, UTC).
func FormatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// Encode serializes msg stamped with the current time.
func Encode(msg Message) ([]byte, error) {
	return msg.MarshalAt(time.Now())
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewEvent builds an event response for a wire event name.
func NewEvent(eventType string, data map[string]any, requestID string) EventResponse {
	return EventResponse{EventType: eventType, Data: data, RequestID: requestID}
}

// NewAssistantResponse builds an assistant response.
func NewAssistantResponse(content, requestID string, data map[string]any) AssistantResponse {
	return AssistantResponse{Content: content, Data: data, RequestID: requestID}
}

// NewError builds an error response.
func NewError(code, message, requestID string) ErrorResponse {
	return ErrorResponse{Code: code, Message: message, RequestID: requestID}
}

// NewAcknowledgment builds an acknowledgment.
func NewAcknowledgment(content, requestID string) Acknowledgment {
	return Acknowledgment{Content: content, RequestID: requestID}
}
