package remote

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_CreateFetchUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.Fetch(ctx, "data.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sha1, err := m.Put(ctx, "data.json", []byte("v1"), "", "create")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f, err := m.Fetch(ctx, "data.json")
	if err != nil || string(f.Content) != "v1" || f.SHA != sha1 {
		t.Fatalf("Fetch: got %+v, %v", f, err)
	}

	if _, err := m.Put(ctx, "data.json", []byte("v2"), sha1, "update"); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestMemory_StaleSHAConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sha1, _ := m.Put(ctx, "f", []byte("v1"), "", "")
	if _, err := m.Put(ctx, "f", []byte("v2"), sha1, ""); err != nil {
		t.Fatal(err)
	}

	_, err := m.Put(ctx, "f", []byte("v3"), sha1, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	f, _ := m.Fetch(ctx, "f")
	if string(f.Content) != "v2" {
		t.Errorf("content: got %q, want v2", f.Content)
	}
}

func TestMemory_CreateOverExistingConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set("f", []byte("v1"))

	if _, err := m.Put(ctx, "f", []byte("v2"), "", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemory_BeforePutHook(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	sha, _ := m.Put(ctx, "f", []byte("v1"), "", "")

	m.BeforePut = func(path string) {
		m.BeforePut = nil
		m.Set(path, []byte("competing"))
	}

	if _, err := m.Put(ctx, "f", []byte("mine"), sha, ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	f, _ := m.Fetch(ctx, "f")
	if string(f.Content) != "competing" {
		t.Errorf("content: got %q", f.Content)
	}
	if fetches, puts := m.Calls(); fetches != 1 || puts != 2 {
		t.Errorf("calls: fetches=%d puts=%d", fetches, puts)
	}
}

func TestMemory_InjectedError(t *testing.T) {
	m := NewMemory()
	m.Err = ErrAuth
	if _, err := m.Fetch(context.Background(), "f"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNetwork, true},
		{ErrConflict, true},
		{ErrAuth, false},
		{ErrNotFound, false},
	}
	for _, tt := range tests {
		if got := Transient(tt.err); got != tt.want {
			t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
