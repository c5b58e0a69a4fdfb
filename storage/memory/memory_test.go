package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/authflow/storage"
)

func TestStore_SetGet(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "v1" {
		t.Errorf("Get() = %q, want %q", got, "v1")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store := New()

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, err := store.Get(ctx, "k1")
	if !errors.Is(err, storage.ErrKeyNotFound) {
		t.Errorf("Get() after Delete() error = %v, want ErrKeyNotFound", err)
	}

	// Deleting a missing key is not an error.
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestStore_Keys_Prefix(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, k := range []string{"authflow.a", "authflow.b", "other.c"} {
		if err := store.Set(ctx, k, "v"); err != nil {
			t.Fatalf("Set(%q) error = %v", k, err)
		}
	}

	keys, err := store.Keys(ctx, "authflow.")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys() returned %d keys, want 2: %v", len(keys), keys)
	}
}

func TestStore_SetMulti(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.SetMulti(ctx, map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("SetMulti() error = %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "2"} {
		got, err := store.Get(ctx, k)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", k, err)
		}
		if got != want {
			t.Errorf("Get(%q) = %q, want %q", k, got, want)
		}
	}
}

func TestStore_Watch(t *testing.T) {
	store := New()
	ctx := context.Background()

	events, cancel, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer cancel()

	if err := store.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	ev := waitEvent(t, events)
	if ev.Key != "k1" || ev.Value != "v1" || ev.Deleted {
		t.Errorf("first event = %+v, want set of k1", ev)
	}

	ev = waitEvent(t, events)
	if ev.Key != "k1" || !ev.Deleted {
		t.Errorf("second event = %+v, want delete of k1", ev)
	}
}

func TestStore_Watch_CancelStopsDelivery(t *testing.T) {
	store := New()
	ctx := context.Background()

	events, cancel, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	cancel()

	if err := store.Set(ctx, "k1", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Channel is closed after cancel; a receive must not block.
	select {
	case _, ok := <-events:
		if ok {
			t.Error("received event after cancel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after cancel")
	}
}

func waitEvent(t *testing.T, ch <-chan storage.Event) storage.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for storage event")
		return storage.Event{}
	}
}
