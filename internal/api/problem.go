package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/sitesync/internal/store"
	"github.com/hyperengineering/sitesync/internal/validation"
)

const problemBase = "https://sitesync.dev/errors/"

// Problem is an RFC 7807 body that also carries the "message" and
// "documentation_url" members hosted contents APIs return, so the same
// client code can read errors from either server.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
}

// problemSlugs names the problem type of every status the server emits.
var problemSlugs = map[int]string{
	http.StatusBadRequest:            "bad-request",
	http.StatusUnauthorized:          "unauthorized",
	http.StatusNotFound:              "not-found",
	http.StatusConflict:              "conflict",
	http.StatusRequestEntityTooLarge: "too-large",
	http.StatusUnprocessableEntity:   "validation-error",
	http.StatusInternalServerError:   "internal-error",
}

func newProblem(r *http.Request, status int, detail string) Problem {
	slug, ok := problemSlugs[status]
	if !ok {
		slug = "unknown"
	}
	title := http.StatusText(status)
	if status == http.StatusUnprocessableEntity {
		title = "Validation Error"
	}
	return Problem{
		Type:             problemBase + slug,
		Title:            title,
		Status:           status,
		Detail:           detail,
		Instance:         r.URL.Path,
		Message:          detail,
		DocumentationURL: problemBase + slug,
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes a Problem response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors adds per-field validation errors to a 422 Problem.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 response listing field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// MapStoreError writes the response for a ContentStore error. The messages
// match the hosted API's wording for the same CAS failures.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Not Found")
	case errors.Is(err, store.ErrSHARequired):
		WriteProblem(w, r, http.StatusUnprocessableEntity, `Invalid request. "sha" wasn't supplied.`)
	case errors.Is(err, store.ErrConflict):
		WriteProblem(w, r, http.StatusConflict, "File does not match the supplied sha")
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		slog.Error("content store failure",
			"component", "api",
			"action", "store_error",
			"path", r.URL.Path,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
