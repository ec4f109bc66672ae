// internal/state/journal.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/buddy/internal/types"
)

const maxJournalLine = 1024 * 1024

// Journal is a JSONL-backed append-only archive of activity entries.
// Entries are stored per-session in sessions/<sessionID>/activity.jsonl.
// It is written as entries are applied and never loaded back into a Store.
type Journal struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

func NewJournal(root string) *Journal {
	return &Journal{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

func (j *Journal) getLock(sessionID types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[sessionID] = lock
	return lock
}

func (j *Journal) sessionsDir() string {
	return filepath.Join(j.root, "sessions")
}

func (j *Journal) activityPath(sessionID types.SessionID) string {
	return filepath.Join(j.sessionsDir(), string(sessionID), "activity.jsonl")
}

// Append writes entry to its session's journal.
func (j *Journal) Append(_ context.Context, entry *types.ActivityEntry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("append activity %s: missing session id", entry.ID)
	}
	lock := j.getLock(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	path := j.activityPath(entry.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write activity: %w", err)
	}
	return nil
}

// Record is a Store observer that appends every applied entry. Write
// failures are logged; the in-memory projection is unaffected.
func (j *Journal) Record(entry types.ActivityEntry) {
	if err := j.Append(context.Background(), &entry); err != nil {
		slog.Warn("journal append failed", "session_id", entry.SessionID, "error", err)
	}
}

// Tail returns the last limit entries for the session, or all of them when
// limit is not positive.
func (j *Journal) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.ActivityEntry, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.activityPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close()

	var entries []*types.ActivityEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for scanner.Scan() {
		var entry types.ActivityEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal activity: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan activity file: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries journaled for the session.
func (j *Journal) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.activityPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open activity file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan activity file: %w", err)
	}
	return count, nil
}

// Sessions lists the sessions that have a journal, sorted by name.
func (j *Journal) Sessions(_ context.Context) ([]types.SessionID, error) {
	dirEntries, err := os.ReadDir(j.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var ids []types.SessionID
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(j.sessionsDir(), de.Name(), "activity.jsonl")); err != nil {
			continue
		}
		ids = append(ids, types.SessionID(de.Name()))
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

// Remove deletes the journal directory for the session.
func (j *Journal) Remove(_ context.Context, sessionID types.SessionID) error {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(filepath.Join(j.sessionsDir(), string(sessionID))); err != nil {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}
