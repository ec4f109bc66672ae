// internal/state/store.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/buddy/internal/types"
)

// StorageKey is the key of the persisted blob.
const StorageKey = "buddy-app-storage"

// Settings are the user preferences that survive restarts.
type Settings struct {
	BaseURLs    types.BaseURLs
	TTSAutoplay bool
}

// persisted is the on-disk shape. Activity, the session id and the
// streaming flag are never written.
type persisted struct {
	BaseURLs    types.BaseURLs `json:"baseUrls"`
	TTSAutoplay bool           `json:"ttsAutoplay"`
	Metrics     types.Metrics  `json:"metrics"`
}

// Store is the projection of applied events: an ordered activity log,
// cumulative metrics and the current session's transient state. It is the
// only writer of metrics and activity.
type Store struct {
	kv types.KV

	mu         sync.RWMutex
	sessionID  types.SessionID
	activity   []types.ActivityEntry
	metrics    types.Metrics
	streaming  bool
	transcript string
	settings   Settings
	observers  []func(types.ActivityEntry)
}

// NewStore loads persisted settings and metrics from kv, falling back to
// defaults for anything not yet stored. The session id is always fresh.
func NewStore(ctx context.Context, kv types.KV, defaults Settings) (*Store, error) {
	s := &Store{
		kv:        kv,
		sessionID: types.NewSessionID(),
		settings:  defaults,
	}

	data, err := kv.Get(ctx, StorageKey)
	if errors.Is(err, types.ErrNotFound) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}

	p := persisted{BaseURLs: defaults.BaseURLs, TTSAutoplay: defaults.TTSAutoplay}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal persisted state: %w", err)
	}
	s.settings = Settings{BaseURLs: p.BaseURLs, TTSAutoplay: p.TTSAutoplay}
	s.metrics = p.Metrics
	return s, nil
}

// Apply appends ev to the activity log and folds it into the metrics.
// Observers run after the store lock is released.
func (s *Store) Apply(ev types.Event) types.ActivityEntry {
	entry, observers := s.apply(ev)
	for _, fn := range observers {
		fn(entry)
	}
	return entry
}

func (s *Store) apply(ev types.Event) (types.ActivityEntry, []func(types.ActivityEntry)) {
	meta := ev.Meta()
	entry := types.ActivityEntry{
		ID:        types.NewEntryID(meta.Timestamp),
		Timestamp: meta.Timestamp,
		SessionID: meta.SessionID,
		Type:      ev.Kind(),
		Payload:   ev,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	metrics := s.metrics
	fold(&metrics, ev)
	s.metrics = metrics
	s.activity = append(s.activity, entry)
	return entry, s.observers
}

func fold(m *types.Metrics, ev types.Event) {
	switch e := ev.(type) {
	case *types.TokenEvent:
		m.TokensEmitted++
	case *types.ToolCallEvent:
		m.ToolCalls++
		if strings.Contains(strings.ToLower(e.ToolName), "search") {
			m.SearchCalls++
		}
	case *types.ToolResultEvent:
	case *types.DoneEvent:
		m.OpenAICalls++
	default:
		panic(fmt.Sprintf("state: unhandled event type %T", ev))
	}
}

// Subscribe registers fn to be called with every appended entry.
func (s *Store) Subscribe(fn func(types.ActivityEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observers := make([]func(types.ActivityEntry), len(s.observers), len(s.observers)+1)
	copy(observers, s.observers)
	s.observers = append(observers, fn)
}

func (s *Store) ResetActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activity = nil
}

// ResetMetrics zeroes every counter and persists the result.
func (s *Store) ResetMetrics(ctx context.Context) error {
	s.mu.Lock()
	s.metrics = types.Metrics{}
	s.mu.Unlock()

	return s.Flush(ctx)
}

// NewSession switches to a fresh session id and clears the activity log,
// transcript and streaming flag. Metrics and settings are kept.
func (s *Store) NewSession() types.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionID = types.NewSessionID()
	s.activity = nil
	s.transcript = ""
	s.streaming = false
	return s.sessionID
}

func (s *Store) SessionID() types.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Activity returns a copy of the activity log in arrival order.
func (s *Store) Activity() []types.ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ActivityEntry, len(s.activity))
	copy(out, s.activity)
	return out
}

func (s *Store) Metrics() types.Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

func (s *Store) Streaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streaming
}

func (s *Store) Transcript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript
}

func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Store) SetStreaming(streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = streaming
}

func (s *Store) SetTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = text
}

func (s *Store) AppendTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript += text
}

func (s *Store) SetBaseURLs(ctx context.Context, urls types.BaseURLs) error {
	s.mu.Lock()
	s.settings.BaseURLs = urls
	s.mu.Unlock()

	return s.Flush(ctx)
}

func (s *Store) SetTTSAutoplay(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.settings.TTSAutoplay = enabled
	s.mu.Unlock()

	return s.Flush(ctx)
}

// Flush writes settings and metrics to the blob store.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	p := persisted{
		BaseURLs:    s.settings.BaseURLs,
		TTSAutoplay: s.settings.TTSAutoplay,
		Metrics:     s.metrics,
	}
	s.mu.RUnlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal persisted state: %w", err)
	}
	if err := s.kv.Put(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}
