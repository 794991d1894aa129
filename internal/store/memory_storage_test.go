package store

import (
	"context"
	"testing"
	"time"
)

type testEntry struct {
	Name     string `json:"name"`
	Attempts int64  `json:"attempts"`
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	in := testEntry{Name: "alice", Attempts: 1}
	if err := storage.Set(ctx, "k1", in, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out testEntry
	if err := storage.Get(ctx, "k1", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := storage.Get(ctx, "missing", &out); err != ErrNotFound {
		t.Errorf("missing key: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorageExpiry(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	if err := storage.Set(ctx, "k1", testEntry{Name: "bob"}, time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var out testEntry
	if err := storage.Get(ctx, "k1", &out); err != ErrNotFound {
		t.Errorf("expired key: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStorageIncrAttr(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	if err := storage.Set(ctx, "k1", testEntry{Name: "carol"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := storage.IncrAttr(ctx, "k1", "attempts", 1)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Errorf("incr result: got %d, want %d", got, want)
		}
	}

	var out testEntry
	if err := storage.Get(ctx, "k1", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts after incr: got %d, want 3", out.Attempts)
	}
	if out.Name != "carol" {
		t.Errorf("name clobbered by incr: got %q", out.Name)
	}
}

func TestMemoryStorageDelete(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	if err := storage.Set(ctx, "k1", testEntry{}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := storage.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := storage.Delete(ctx, "k1"); err != ErrNotFound {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}
