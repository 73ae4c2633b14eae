// Package download fetches files over HTTP into a pending sidecar, validates
// them against their declared hashes and promotes them into place.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"instsync/internal/file"
	"instsync/internal/metrics"
	"instsync/internal/task"
)

const (
	defaultHTTPTimeout = 10 * time.Minute
	defaultUserAgent   = "instsync"
)

var ErrNoURLs = errors.New("no urls provided")

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context, fallback time.Duration) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return fallback
}

// ValidationError reports downloaded content that does not match the
// manifest.
type ValidationError struct {
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: %s expected %s, got %s", e.URL, e.Algorithm, e.Expected, e.Actual)
}

// StatusError is a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: http %d", e.URL, e.StatusCode) }

type Options struct {
	HTTPTimeout time.Duration
	UserAgent   string
	// Client overrides the HTTP client; tests use it to point at stubs.
	Client  *http.Client
	Metrics metrics.Metrics
}

type Downloader struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	metrics   metrics.Metrics

	// clients caches one client per timeout so connections are reused.
	clients sync.Map
}

func New(opts Options) *Downloader {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	return &Downloader{client: opts.Client, timeout: opts.HTTPTimeout, userAgent: opts.UserAgent, metrics: opts.Metrics}
}

// Request describes one file to fetch. URLs are tried in order.
type Request struct {
	URLs        []string
	Destination string
	Hashes      map[string]string
	Size        int64
}

// NewTask wraps Download in a task sized by req.Size.
func (d *Downloader) NewTask(req Request, opts ...task.Option) *task.Task {
	from := ""
	if len(req.URLs) > 0 {
		from = req.URLs[0]
	}
	opts = append([]task.Option{task.WithFrom(from), task.WithTo(req.Destination), task.WithTotal(req.Size)}, opts...)
	return task.New("download", func(ctx context.Context, t *task.Task) error {
		return d.Download(ctx, t, req)
	}, opts...)
}

// Download fetches req into req.Destination. Each URL is tried until one
// yields content matching req.Hashes. The destination is only replaced by a
// validated file; the pending sidecar is removed on failure.
func (d *Downloader) Download(ctx context.Context, t *task.Task, req Request) error {
	if len(req.URLs) == 0 {
		return ErrNoURLs
	}
	client := d.client
	if client == nil {
		client = d.clientFor(httpTimeoutFromContext(ctx, d.timeout))
	}
	pending := file.PendingPath(req.Destination)

	var errs []error
	for _, rawURL := range req.URLs {
		url := strings.TrimSpace(rawURL)
		err := d.fetch(ctx, client, t, url, pending, req)
		if err == nil {
			if err := file.Promote(pending, req.Destination); err != nil {
				_ = os.Remove(pending)
				return err
			}
			return nil
		}
		_ = os.Remove(pending)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn().Str("url", url).Str("dest", req.Destination).Err(err).Msg("download attempt failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clientFor bounds connecting and waiting for response headers by timeout.
// The body read is left unbounded so a paused transfer survives; it is
// stopped by cancellation instead.
func (d *Downloader) clientFor(timeout time.Duration) *http.Client {
	if c, ok := d.clients.Load(timeout); ok {
		return c.(*http.Client)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	c, _ := d.clients.LoadOrStore(timeout, &http.Client{Transport: transport})
	return c.(*http.Client)
}

func (d *Downloader) fetch(ctx context.Context, client *http.Client, t *task.Task, url, pending string, req Request) error {
	if t != nil {
		if err := t.Checkpoint(ctx); err != nil {
			return err
		}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", d.userAgent)
	httpResponse, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: httpResponse.StatusCode}
	}
	if t != nil && httpResponse.ContentLength > 0 {
		t.SetTotal(httpResponse.ContentLength)
	}

	if err := file.EnsureDir(filepath.Dir(pending)); err != nil {
		return err
	}
	out, err := os.Create(pending) //nolint:gosec // path validated by caller
	if err != nil {
		return fmt.Errorf("create pending: %w", err)
	}
	algos := make([]string, 0, len(req.Hashes))
	for algo := range req.Hashes {
		algos = append(algos, algo)
	}
	hasher := file.NewMultiHasher(algos...)

	written, copyErr := task.Copy(ctx, t, io.MultiWriter(out, hasher), httpResponse.Body)
	d.metrics.BytesDownloaded(written)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", url, copyErr)
	}

	if algo, mismatch, _ := file.Mismatch(req.Hashes, hasher.Sums()); mismatch {
		return &ValidationError{URL: url, Algorithm: algo, Expected: req.Hashes[algo], Actual: hasher.Sums()[algo]}
	}
	if req.Size > 0 && written != req.Size {
		return &ValidationError{URL: url, Algorithm: "size", Expected: fmt.Sprint(req.Size), Actual: fmt.Sprint(written)}
	}
	return nil
}
