// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
)

// ActivityEntry is one event as recorded in the activity log.
type ActivityEntry struct {
	ID        EntryID   `json:"id"`
	Timestamp int64     `json:"timestamp"`
	SessionID SessionID `json:"sessionId"`
	Type      EventKind `json:"type"`
	Payload   Event     `json:"payload"`
}

func (a *ActivityEntry) UnmarshalJSON(data []byte) error {
	type alias ActivityEntry
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = ActivityEntry(raw.alias)
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return fmt.Errorf("activity entry %s: missing payload", a.ID)
	}
	ev, err := DecodeEvent(raw.Payload)
	if err != nil {
		return fmt.Errorf("activity entry %s: %w", a.ID, err)
	}
	a.Payload = ev
	return nil
}

// Metrics are cumulative counters derived from applied events.
type Metrics struct {
	OpenAICalls   int64 `json:"openaiCalls"`
	SearchCalls   int64 `json:"searchCalls"`
	TokensEmitted int64 `json:"tokensEmitted"`
	ToolCalls     int64 `json:"toolCalls"`
}

// BaseURLs are the backend service endpoints.
type BaseURLs struct {
	Agent  string `json:"agent"`
	Tools  string `json:"tools"`
	Memory string `json:"memory"`
}
