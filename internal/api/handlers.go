package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/sitesync/internal/codec"
	"github.com/hyperengineering/sitesync/internal/store"
	"github.com/hyperengineering/sitesync/internal/validation"
)

const (
	// MaxBodyBytes caps a PUT request body.
	MaxBodyBytes = 32 << 20

	// base64LineLength matches the wrapping GitHub applies to file content.
	base64LineLength = 60

	rawMediaType = "application/vnd.github.raw"
)

// Handler implements the API handlers
type Handler struct {
	store   store.ContentStore
	apiKey  string
	version string
}

// NewHandler creates a new Handler backed by a content store.
func NewHandler(s store.ContentStore, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// FileResponse describes one file, as GET /contents returns it.
type FileResponse struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
	Encoding string `json:"encoding,omitempty"`
	Content  string `json:"content,omitempty"`
}

// PutRequest is the body of PUT /contents.
type PutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// PutResponse is returned by a successful PUT /contents.
type PutResponse struct {
	Content FileResponse `json:"content"`
	Commit  CommitInfo   `json:"commit"`
}

// CommitInfo describes an accepted write.
type CommitInfo struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

// CommitEntry is one element of GET /commits.
type CommitEntry struct {
	SHA     string      `json:"sha"`
	Commit  CommitInfo  `json:"commit"`
	Parents []ParentRef `json:"parents"`
}

// ParentRef names the revision a write replaced.
type ParentRef struct {
	SHA string `json:"sha"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version})
}

// GetContents handles GET /repos/{owner}/{repo}/contents/*
func (h *Handler) GetContents(w http.ResponseWriter, r *http.Request) {
	p, ok := contentPath(w, r)
	if !ok {
		return
	}

	c, err := h.store.GetContent(r.Context(), storageKey(r, p))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), rawMediaType) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("ETag", `"`+c.SHA+`"`)
		w.WriteHeader(http.StatusOK)
		w.Write(c.Data)
		return
	}

	resp := fileResponse(p, c)
	resp.Encoding = "base64"
	resp.Content = wrapBase64(base64.StdEncoding.EncodeToString(c.Data))
	w.Header().Set("ETag", `"`+c.SHA+`"`)
	writeJSON(w, http.StatusOK, resp)
}

// PutContents handles PUT /repos/{owner}/{repo}/contents/*
//
// The write is a compare-and-swap on the file's sha: a create must omit sha,
// an update must carry the current one.
func (h *Handler) PutContents(w http.ResponseWriter, r *http.Request) {
	p, ok := contentPath(w, r)
	if !ok {
		return
	}

	var req PutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, "Problems parsing JSON")
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("message", req.Message))
	c.Add(validation.ValidateUTF8("message", req.Message))
	text, err := codec.Decode(req.Content)
	if err != nil {
		c.Add(&validation.ValidationError{Field: "content", Message: "must be base64-encoded UTF-8"})
	}
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid request", c.Errors())
		return
	}

	saved, created, err := h.store.PutContent(r.Context(), storageKey(r, p), []byte(text), req.SHA, req.Message)
	if err != nil {
		if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrSHARequired) {
			slog.Error("put content failed",
				"component", "api",
				"action", "put_contents",
				"repo", RepoFromContext(r.Context()),
				"path", p,
				"error", err,
			)
		}
		MapStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	slog.Info("content written",
		"component", "api",
		"action", "put_contents",
		"repo", RepoFromContext(r.Context()),
		"path", p,
		"sha", saved.SHA,
		"created", created,
	)
	writeJSON(w, status, PutResponse{
		Content: fileResponse(p, saved),
		Commit:  CommitInfo{SHA: saved.SHA, Message: req.Message, Date: saved.UpdatedAt},
	})
}

// History handles GET /repos/{owner}/{repo}/commits?path=...&per_page=N
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.URL.Query().Get("path"), "/")
	if p == "" {
		WriteProblemWithErrors(w, r, "Invalid request", []validation.ValidationError{
			{Field: "path", Message: "is required"},
		})
		return
	}
	limit := 30
	if v := r.URL.Query().Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if verr := validation.ValidateRange("per_page", n, 1, 100); err != nil || verr != nil {
			WriteProblem(w, r, http.StatusBadRequest, "per_page must be between 1 and 100")
			return
		}
		limit = n
	}

	revs, err := h.store.History(r.Context(), storageKey(r, p), limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	out := make([]CommitEntry, 0, len(revs))
	for _, rev := range revs {
		e := CommitEntry{
			SHA:     rev.SHA,
			Commit:  CommitInfo{SHA: rev.SHA, Message: rev.Message, Date: rev.CreatedAt},
			Parents: []ParentRef{},
		}
		if rev.ParentSHA != "" {
			e.Parents = append(e.Parents, ParentRef{SHA: rev.ParentSHA})
		}
		out = append(out, e)
	}
	writeJSON(w, http.StatusOK, out)
}

// contentPath returns the cleaned file path from the route wildcard.
func contentPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
	}
	p = strings.Trim(p, "/")
	if p == "" || strings.Contains(p, "\x00") || path.Clean("/"+p) != "/"+p {
		WriteProblem(w, r, http.StatusNotFound, "Not Found")
		return "", false
	}
	return p, true
}

// storageKey namespaces a path by repository.
func storageKey(r *http.Request, p string) string {
	return RepoFromContext(r.Context()) + "/" + p
}

func fileResponse(p string, c *store.Content) FileResponse {
	return FileResponse{
		Type: "file",
		Name: path.Base(p),
		Path: p,
		SHA:  c.SHA,
		Size: len(c.Data),
	}
}

func wrapBase64(s string) string {
	var b strings.Builder
	for len(s) > base64LineLength {
		b.WriteString(s[:base64LineLength])
		b.WriteByte('\n')
		s = s[base64LineLength:]
	}
	b.WriteString(s)
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
