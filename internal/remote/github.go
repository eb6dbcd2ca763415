package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/sitesync/internal/codec"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

const maxErrorBody = 4 << 10

// Config configures a ContentsClient.
type Config struct {
	BaseURL string
	// Repo is "owner/name".
	Repo   string
	Token  string
	Branch string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// ContentsClient is an Adapter for the GitHub-compatible repository
// contents API.
type ContentsClient struct {
	baseURL string
	repo    string
	branch  string
	client  *http.Client
	logger  *slog.Logger

	mu    sync.RWMutex
	token string
}

var _ Adapter = (*ContentsClient)(nil)

// NewContentsClient validates cfg and returns a client.
func NewContentsClient(cfg Config) (*ContentsClient, error) {
	if cfg.Repo == "" || strings.Count(cfg.Repo, "/") != 1 {
		return nil, fmt.Errorf("repo must be owner/name, got %q", cfg.Repo)
	}
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ContentsClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		repo:    cfg.Repo,
		token:   cfg.Token,
		branch:  cfg.Branch,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}, nil
}

// SetToken replaces the credential used by later requests. Requests
// already in flight keep the old one. An empty token is ignored.
func (c *ContentsClient) SetToken(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *ContentsClient) credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type contentsFile struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type putResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

// Fetch implements Adapter.
func (c *ContentsClient) Fetch(ctx context.Context, path string) (*File, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "application/vnd.github+json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var f contentsFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: decode contents response: %v", ErrNetwork, err)
	}

	// Files above the inline limit come back without content.
	if f.Encoding == "none" || (f.Content == "" && f.Size > 0) {
		data, err := c.fetchRaw(ctx, path)
		if err != nil {
			return nil, err
		}
		return &File{Content: data, SHA: f.SHA}, nil
	}

	text, err := codec.Decode(f.Content)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return &File{Content: []byte(text), SHA: f.SHA}, nil
}

func (c *ContentsClient) fetchRaw(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, "application/vnd.github.raw+json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read raw content: %v", ErrNetwork, err)
	}
	return data, nil
}

// Put implements Adapter.
func (c *ContentsClient) Put(ctx context.Context, path string, content []byte, sha, message string) (string, error) {
	body, err := json.Marshal(putRequest{
		Message: message,
		Content: codec.Encode(string(content)),
		SHA:     sha,
		Branch:  c.branch,
	})
	if err != nil {
		return "", fmt.Errorf("marshal put request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, path, "application/vnd.github+json", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var pr putResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("%w: decode put response: %v", ErrNetwork, err)
	}
	if pr.Content.SHA == "" {
		return "", fmt.Errorf("%w: put response carried no sha", ErrNetwork)
	}
	return pr.Content.SHA, nil
}

// contentsURL builds the document URL. Reads select the branch with ?ref;
// writes carry it in the body.
func (c *ContentsClient) contentsURL(method, path string) string {
	u := c.baseURL + "/repos/" + c.repo + "/contents/" + escapePath(path)
	if c.branch != "" && method == http.MethodGet {
		u += "?ref=" + url.QueryEscape(c.branch)
	}
	return u
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// do sends an authenticated request and maps non-2xx responses to the
// sentinel errors. On success the caller owns resp.Body.
func (c *ContentsClient) do(ctx context.Context, method, path, accept string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.contentsURL(method, path), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.credential())
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if method == http.MethodGet {
		req.Header.Set("Cache-Control", "no-cache")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed",
			"component", "remote",
			"action", strings.ToLower(method),
			"path", path,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	c.logger.Debug("remote request",
		"component", "remote",
		"action", strings.ToLower(method),
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, classify(resp)
}

// classify turns an error response into a sentinel-wrapped error.
func classify(resp *http.Response) error {
	msg := errorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case http.StatusForbidden, http.StatusTooManyRequests:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: rate limited: %s", ErrNetwork, msg)
		}
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrNetwork, resp.StatusCode, msg)
	}
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Detail != "" {
			return body.Detail
		}
	}
	return strings.TrimSpace(string(data))
}
