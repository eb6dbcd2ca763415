package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hyperengineering/sitesync/internal/codec"
)

// fakeContents is a minimal contents API with compare-and-swap writes.
type fakeContents struct {
	mu      sync.Mutex
	files   map[string][]byte
	lastPut putRequest
	lastReq *http.Request
}

func newFakeContents() *fakeContents {
	return &fakeContents{files: make(map[string][]byte)}
}

func (f *fakeContents) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = r

	if r.Header.Get("Authorization") != "Bearer good-token" {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"Bad credentials"}`)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/repos/acme/site/contents/")

	switch r.Method {
	case http.MethodGet:
		data, ok := f.files[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"Not Found"}`)
			return
		}
		json.NewEncoder(w).Encode(contentsFile{
			SHA:      codec.ContentSHA(data),
			Content:  wrap60(codec.Encode(string(data))),
			Encoding: "base64",
			Size:     int64(len(data)),
		})
	case http.MethodPut:
		var req putRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.lastPut = req
		cur, exists := f.files[path]
		switch {
		case exists && req.SHA == "":
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"message":"sha wasn't supplied"}`)
			return
		case exists && req.SHA != codec.ContentSHA(cur), !exists && req.SHA != "":
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"message":"does not match"}`)
			return
		}
		text, err := codec.Decode(req.Content)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.files[path] = []byte(text)
		status := http.StatusOK
		if !exists {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
		io.WriteString(w, `{"content":{"sha":"`+codec.ContentSHA([]byte(text))+`"}}`)
	}
}

func wrap60(s string) string {
	var b strings.Builder
	for len(s) > 60 {
		b.WriteString(s[:60])
		b.WriteByte('\n')
		s = s[60:]
	}
	b.WriteString(s)
	return b.String()
}

func newTestClient(t *testing.T, h http.Handler, token string) *ContentsClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewContentsClient(Config{BaseURL: srv.URL, Repo: "acme/site", Token: token})
	if err != nil {
		t.Fatalf("NewContentsClient: %v", err)
	}
	return c
}

func TestNewContentsClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing repo", Config{Token: "x"}},
		{"repo without owner", Config{Repo: "site", Token: "x"}},
		{"missing token", Config{Repo: "acme/site"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewContentsClient(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestContentsClient_RoundTrip(t *testing.T) {
	fake := newFakeContents()
	c := newTestClient(t, fake, "good-token")
	ctx := context.Background()
	payload := []byte(`{"title":"Армирование 🏗️","note":"` + strings.Repeat("бетон ", 40) + `"}`)

	// Given: the document does not exist
	if _, err := c.Fetch(ctx, "data/site.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// When: it is created and read back
	sha, err := c.Put(ctx, "data/site.json", payload, "", "sync")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	f, err := c.Fetch(ctx, "data/site.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	// Then: content survives the wrapped base64 envelope byte for byte
	if string(f.Content) != string(payload) {
		t.Errorf("content mismatch:\n got %s\nwant %s", f.Content, payload)
	}
	if f.SHA != sha {
		t.Errorf("sha: got %s, want %s", f.SHA, sha)
	}
	if fake.lastReq.Header.Get("Cache-Control") != "no-cache" {
		t.Error("reads should bypass caches")
	}
	if fake.lastPut.Message != "sync" {
		t.Errorf("message: got %q", fake.lastPut.Message)
	}
}

func TestContentsClient_StaleSHA(t *testing.T) {
	fake := newFakeContents()
	c := newTestClient(t, fake, "good-token")
	ctx := context.Background()

	sha, err := c.Put(ctx, "f.json", []byte("v1"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put(ctx, "f.json", []byte("v2"), sha, ""); err != nil {
		t.Fatal(err)
	}

	_, err = c.Put(ctx, "f.json", []byte("v3"), sha, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if string(fake.files["f.json"]) != "v2" {
		t.Errorf("stale write applied: %q", fake.files["f.json"])
	}

	// A missing sha on an existing file is a 422, also a conflict.
	if _, err := c.Put(ctx, "f.json", []byte("v4"), "", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for 422, got %v", err)
	}
}

func TestContentsClient_BadToken(t *testing.T) {
	c := newTestClient(t, newFakeContents(), "wrong")
	_, err := c.Fetch(context.Background(), "f.json")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "Bad credentials") {
		t.Errorf("error should carry server message: %v", err)
	}
}

func TestContentsClient_SetToken(t *testing.T) {
	c := newTestClient(t, newFakeContents(), "revoked")
	ctx := context.Background()

	if _, err := c.Fetch(ctx, "f.json"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth with old token, got %v", err)
	}

	c.SetToken("good-token")
	if _, err := c.Fetch(ctx, "f.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound with new token, got %v", err)
	}

	// An empty token keeps the current one.
	c.SetToken("")
	if _, err := c.Fetch(ctx, "f.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty SetToken dropped the credential: %v", err)
	}
}

func TestContentsClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		rateLimit string
		want      error
	}{
		{"forbidden", http.StatusForbidden, "", ErrAuth},
		{"rate limited", http.StatusForbidden, "0", ErrNetwork},
		{"too many requests", http.StatusTooManyRequests, "", ErrNetwork},
		{"server error", http.StatusBadGateway, "", ErrNetwork},
		{"conflict", http.StatusConflict, "", ErrConflict},
		{"unprocessable", http.StatusUnprocessableEntity, "", ErrConflict},
		{"not found", http.StatusNotFound, "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.rateLimit != "" {
					w.Header().Set("X-RateLimit-Remaining", tt.rateLimit)
				}
				w.WriteHeader(tt.status)
			})
			c := newTestClient(t, h, "tok")
			_, err := c.Put(context.Background(), "f", []byte("x"), "", "")
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestContentsClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewContentsClient(Config{BaseURL: url, Repo: "acme/site", Token: "tok"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Fetch(context.Background(), "f"); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestContentsClient_LargeFileUsesRawMediaType(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github.raw+json" {
			io.WriteString(w, "raw body")
			return
		}
		io.WriteString(w, `{"sha":"abc","content":"","encoding":"none","size":8}`)
	})
	c := newTestClient(t, h, "tok")

	f, err := c.Fetch(context.Background(), "big.json")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(f.Content) != "raw body" || f.SHA != "abc" {
		t.Errorf("got %+v", f)
	}
}

func TestContentsClient_BranchSelection(t *testing.T) {
	var gotRef string
	var gotBody putRequest
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gotRef = r.URL.Query().Get("ref")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"content":{"sha":"s"}}`)
	})
	srv := httptest.NewServer(h)
	defer srv.Close()
	c, _ := NewContentsClient(Config{BaseURL: srv.URL, Repo: "acme/site", Token: "tok", Branch: "data"})

	c.Fetch(context.Background(), "f")
	if _, err := c.Put(context.Background(), "f", []byte("x"), "", ""); err != nil {
		t.Fatal(err)
	}
	if gotRef != "data" || gotBody.Branch != "data" {
		t.Errorf("branch: ref=%q body=%q", gotRef, gotBody.Branch)
	}
}

func TestContentsClient_CorruptPayload(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"sha":"abc","content":"!!!not base64","encoding":"base64","size":3}`)
	})
	c := newTestClient(t, h, "tok")

	if _, err := c.Fetch(context.Background(), "f"); !errors.Is(err, codec.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
