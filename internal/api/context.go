package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// repoContextKey is the context key for the "owner/name" repository.
type repoContextKey struct{}

// WithRepo returns a new context with the repository attached.
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoContextKey{}, repo)
}

// RepoFromContext extracts the repository from the context.
// Returns "" if not present.
func RepoFromContext(ctx context.Context) string {
	repo, _ := ctx.Value(repoContextKey{}).(string)
	return repo
}

// RepoMiddleware resolves {owner}/{repo} from the URL into the context.
func RepoMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		repo := chi.URLParam(r, "repo")
		if owner == "" || repo == "" {
			WriteProblem(w, r, http.StatusNotFound, "Repository not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRepo(r.Context(), owner+"/"+repo)))
	})
}
