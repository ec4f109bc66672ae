// internal/state/kv_test.go
package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/user/buddy/internal/types"
)

func TestKVImplementations(t *testing.T) {
	open := map[string]func(t *testing.T) types.KV{
		"memory": func(t *testing.T) types.KV { return NewMemoryKV() },
		"file":   func(t *testing.T) types.KV { return NewFileKV(t.TempDir()) },
		"sqlite": func(t *testing.T) types.KV {
			kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "buddy.db"))
			if err != nil {
				t.Fatal(err)
			}
			return kv
		},
	}

	for name, openKV := range open {
		t.Run(name, func(t *testing.T) {
			kv := openKV(t)
			defer kv.Close()
			ctx := context.Background()

			if _, err := kv.Get(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := kv.Put(ctx, StorageKey, []byte(`{"v":1}`)); err != nil {
				t.Fatal(err)
			}
			if err := kv.Put(ctx, StorageKey, []byte(`{"v":2}`)); err != nil {
				t.Fatal(err)
			}

			got, err := kv.Get(ctx, StorageKey)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != `{"v":2}` {
				t.Errorf("expected overwritten value, got %s", got)
			}
		})
	}
}

func TestSQLiteKVReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buddy.db")
	ctx := context.Background()

	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := kv.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	kv.Close()

	kv, err = NewSQLiteKV(path)
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()

	got, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %s", got)
	}
}

func TestOpenKV(t *testing.T) {
	dir := t.TempDir()

	for _, driver := range []string{"", "file", "sqlite", "memory"} {
		kv, err := OpenKV(driver, dir)
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		kv.Close()
	}

	if _, err := OpenKV("redis", dir); err == nil {
		t.Error("expected error for unknown driver")
	}
}
