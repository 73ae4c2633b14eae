package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// BatchSize is the most ids sent in one catalog request.
const BatchSize = 100

const defaultClientTimeout = 30 * time.Second

// CurseforgeFile carries the fields of a CurseForge file record the resolver uses.
type CurseforgeFile struct {
	ID          int    `json:"id"`
	ModID       int    `json:"modId"`
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
}

// ModrinthFile is one downloadable file of a Modrinth version.
type ModrinthFile struct {
	URL      string            `json:"url"`
	Filename string            `json:"filename"`
	Hashes   map[string]string `json:"hashes"`
	Primary  bool              `json:"primary"`
	Size     int64             `json:"size"`
}

// ModrinthVersion carries the fields of a Modrinth version the resolver uses.
type ModrinthVersion struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Files     []ModrinthFile `json:"files"`
}

type CurseforgeClient interface {
	GetFilesByIDs(ctx context.Context, ids []int) ([]CurseforgeFile, error)
}

type ModrinthClient interface {
	GetVersionsByIDs(ctx context.Context, ids []string) ([]ModrinthVersion, error)
	// GetVersionsByHash maps each known hash to the version containing it.
	GetVersionsByHash(ctx context.Context, hashes []string, algo string) (map[string]ModrinthVersion, error)
}

// ClientOptions configures a catalog HTTP client.
type ClientOptions struct {
	BaseURL           string
	APIKey            string
	UserAgent         string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// APIError is a non-2xx catalog response.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: http %d: %s", e.Provider, e.StatusCode, e.Body)
}

type httpCatalog struct {
	provider  string
	baseURL   string
	userAgent string
	headers   map[string]string
	client    *http.Client
	limiter   *rate.Limiter
}

func newHTTPCatalog(provider string, opts ClientOptions) httpCatalog {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		burst = max(1, int(opts.RequestsPerSecond))
	}
	return httpCatalog{
		provider:  provider,
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		headers:   map[string]string{},
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// do sends one request and decodes a JSON response into out.
func (c httpCatalog) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Provider: c.provider, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.provider, err)
	}
	return nil
}

func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}
