// Package state holds the event projection store and its persistence
// backends.
package state

import "github.com/user/buddy/internal/types"

// Compile-time interface compliance checks.
var _ types.KV = (*MemoryKV)(nil)
var _ types.KV = (*FileKV)(nil)
var _ types.KV = (*SQLiteKV)(nil)
var _ types.ActivityJournal = (*Journal)(nil)
