package file

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/authflow/storage"
)

func TestStore_SetGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, storage.KeyAccessToken, "tok"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, storage.KeyAccessToken)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok" {
		t.Errorf("Get() = %q, want %q", got, "tok")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.SetMulti(ctx, map[string]string{
		storage.KeyAccessToken:  "at",
		storage.KeyRefreshToken: "rt",
	}); err != nil {
		t.Fatalf("SetMulti() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer second.Close()

	got, err := second.Get(ctx, storage.KeyRefreshToken)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got != "rt" {
		t.Errorf("Get() after reopen = %q, want %q", got, "rt")
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_Watch_SeesForeignWrites(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reader, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() reader error = %v", err)
	}
	defer reader.Close()

	events, cancel, err := reader.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	// A second store over the same directory stands in for another process.
	writer, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() writer error = %v", err)
	}
	defer writer.Close()

	if err := writer.Set(ctx, storage.KeyLogoutAt, "12345"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Key != storage.KeyLogoutAt || ev.Value != "12345" {
			t.Errorf("event = %+v, want set of %s", ev, storage.KeyLogoutAt)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cross-store change event")
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
