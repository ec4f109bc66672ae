// internal/types/events.go
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventKind string

const (
	KindToken      EventKind = "token"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
	KindDone       EventKind = "done"
)

var ErrUnknownEventType = errors.New("unknown event type")

// ParseKind validates a user-supplied event type name.
func ParseKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case KindToken, KindToolCall, KindToolResult, KindDone:
		return k, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownEventType, s)
}

// Event is one decoded stream event. The set of implementations is closed:
// TokenEvent, ToolCallEvent, ToolResultEvent and DoneEvent.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
	sealed()
}

// EventMeta carries the fields shared by every event. Timestamp is Unix
// milliseconds as assigned by the producer.
type EventMeta struct {
	SessionID SessionID `json:"sessionId"`
	Timestamp int64     `json:"timestamp"`
}

func (m EventMeta) Meta() EventMeta { return m }

type TokenEvent struct {
	EventMeta
	Token string `json:"token"`
}

type ToolCallEvent struct {
	EventMeta
	ToolName  string `json:"toolName"`
	ToolInput string `json:"toolInput"`
}

type ToolResultEvent struct {
	EventMeta
	ToolName string `json:"toolName"`
	Result   string `json:"result"`
	Success  bool   `json:"success"`
}

// DoneEvent terminates a stream.
type DoneEvent struct {
	EventMeta
	Summary string `json:"summary,omitempty"`
}

func (*TokenEvent) Kind() EventKind      { return KindToken }
func (*ToolCallEvent) Kind() EventKind   { return KindToolCall }
func (*ToolResultEvent) Kind() EventKind { return KindToolResult }
func (*DoneEvent) Kind() EventKind       { return KindDone }

func (*TokenEvent) sealed()      {}
func (*ToolCallEvent) sealed()   {}
func (*ToolResultEvent) sealed() {}
func (*DoneEvent) sealed()       {}

func (e *TokenEvent) MarshalJSON() ([]byte, error) {
	type alias TokenEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		*alias
	}{KindToken, (*alias)(e)})
}

func (e *ToolCallEvent) MarshalJSON() ([]byte, error) {
	type alias ToolCallEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		*alias
	}{KindToolCall, (*alias)(e)})
}

func (e *ToolResultEvent) MarshalJSON() ([]byte, error) {
	type alias ToolResultEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		*alias
	}{KindToolResult, (*alias)(e)})
}

func (e *DoneEvent) MarshalJSON() ([]byte, error) {
	type alias DoneEvent
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		*alias
	}{KindDone, (*alias)(e)})
}

// DecodeEvent decodes a single JSON payload into its concrete event type.
// A missing or unrecognised "type" is an error.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	var ev Event
	switch head.Type {
	case KindToken:
		ev = &TokenEvent{}
	case KindToolCall:
		ev = &ToolCallEvent{}
	case KindToolResult:
		ev = &ToolResultEvent{}
	case KindDone:
		ev = &DoneEvent{}
	default:
		return nil, fmt.Errorf("decode event: %w %q", ErrUnknownEventType, head.Type)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return ev, nil
}
