package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type testEntry struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

func newTestStore(t *testing.T) Store[testEntry] {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	s, err := NewBoltStore[testEntry](dbPath, "entries")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestBoltStore_SetGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := &testEntry{Name: "kernel", Digest: "abc123"}
	if err := s.Set(ctx, "kernel", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := s.Get(ctx, "kernel")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != want.Name || got.Digest != want.Digest {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestBoltStore_GetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBoltStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "rootfs", &testEntry{Name: "rootfs"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "rootfs"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "rootfs"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, "rootfs"); err != nil {
		t.Errorf("Delete of missing key: %v", err)
	}
}

func TestBoltStore_Scan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := map[string]string{
		"asset/kernel": "d1",
		"asset/rootfs": "d2",
		"other/thing":  "d3",
	}
	for k, digest := range entries {
		if err := s.Set(ctx, k, &testEntry{Digest: digest}); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]string{}
	err := s.Scan(ctx, "asset/", func(key string, value *testEntry) error {
		seen[key] = value.Digest
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected 2 entries under asset/, got %d: %v", len(seen), seen)
	}
	if seen["asset/kernel"] != "d1" || seen["asset/rootfs"] != "d2" {
		t.Errorf("unexpected scan contents: %v", seen)
	}
}

func TestBoltStore_PersistsAcrossOpens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	s1, err := NewBoltStore[testEntry](dbPath, "entries")
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set(ctx, "kernel", &testEntry{Digest: "persisted"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewBoltStore[testEntry](dbPath, "entries")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, "kernel")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Digest != "persisted" {
		t.Errorf("Digest = %s, want persisted", got.Digest)
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore[testEntry]()
	ctx := context.Background()

	if err := s.Set(ctx, "k", &testEntry{Name: "v"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "v" {
		t.Errorf("Name = %s, want v", got.Name)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
