// internal/types/ids.go
package types

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionID string
type EntryID string

// NewSessionID returns an identifier of the form session_<unix-ms>_<suffix>.
func NewSessionID() SessionID {
	return SessionID(fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), randomSuffix()))
}

// NewEntryID mints an activity entry identifier for an event produced at
// timestamp (Unix milliseconds).
func NewEntryID(timestamp int64) EntryID {
	return EntryID(fmt.Sprintf("%d_%s", timestamp, randomSuffix()))
}

// randomSuffix takes the first 9 hex characters of a random UUID. The
// version nibble sits at index 12, so all 9 are random.
func randomSuffix() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:9]
}
