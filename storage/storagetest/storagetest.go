// Package storagetest holds the behavioural checks every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/dropdesk/storage"
)

// Run exercises s with the full set of backend checks as subtests.
func Run(t *testing.T, s storage.Storage) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, s) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, s) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "searchTerm", []byte("Snail")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "searchTerm")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != "Snail" {
		t.Fatalf("Get() = %q, want %q", item.Data, "Snail")
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
	if item.ExpiresAt != nil {
		t.Fatalf("unexpected expiry %v", item.ExpiresAt)
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %q", item.Data)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "devMode", []byte("false"))
	if err := s.Set(ctx, "devMode", []byte("true")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "devMode")
	if err != nil || item == nil {
		t.Fatalf("Get() = %v, %v", item, err)
	}
	if string(item.Data) != "true" {
		t.Fatalf("Get() = %q, want %q", item.Data, "true")
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	if err := s.Set(ctx, "short-lived", []byte("x"), storage.WithTTL(time.Second)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short-lived")
	if err != nil || item == nil {
		t.Fatalf("Get() before expiry = %v, %v", item, err)
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt not set")
	}

	time.Sleep(1500 * time.Millisecond)

	item, err = s.Get(ctx, "short-lived")
	if err != nil {
		t.Fatalf("Get() after expiry failed: %v", err)
	}
	if item != nil {
		t.Fatal("expected expired item to be gone")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("global"))
	_ = s.Set(ctx, "k", []byte("alice"), storage.WithUser("alice"))
	_ = s.Set(ctx, "k", []byte("alice-ns"), storage.WithNamespace(storage.UserNamespace{UserID: "alice-ns"}))

	cases := []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithUser("alice")}, "alice"},
		{[]storage.Option{storage.WithNamespace(storage.UserNamespace{UserID: "alice-ns"})}, "alice-ns"},
		{[]storage.Option{storage.WithNamespace(nil)}, "global"},
	}
	for _, c := range cases {
		item, err := s.Get(ctx, "k", c.opts...)
		if err != nil || item == nil {
			t.Fatalf("Get() = %v, %v", item, err)
		}
		if string(item.Data) != c.want {
			t.Fatalf("Get() = %q, want %q", item.Data, c.want)
		}
	}

	item, err := s.Get(ctx, "k", storage.WithUser("bob"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatal("user namespaces leaked")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("carol"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("carol"))

	if err := s.Delete(ctx, storage.WithUser("carol"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("carol")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item, _ := s.Get(ctx, "b", storage.WithUser("carol")); item == nil {
		t.Fatal("sibling key removed")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("dave"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("dave"))
	_ = s.Set(ctx, "a", []byte("keep"), storage.WithUser("erin"))

	if err := s.Delete(ctx, storage.WithUser("dave")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithUser("dave")); item != nil {
			t.Fatalf("key %q survived namespace delete", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("erin")); item == nil {
		t.Fatal("other namespace removed")
	}
}
