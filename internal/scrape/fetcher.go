// Package scrape fetches source pages and extracts their readable text.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

// ErrUnsupportedContent is returned for responses that are not HTML or text.
var ErrUnsupportedContent = errors.New("unsupported content type")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: status %d", e.URL, e.Code)
}

func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Page is the extracted content of one URL.
type Page struct {
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Published   string    `json:"published,omitempty"`
	Text        string    `json:"text"`
	Links       []string  `json:"links,omitempty"`
	Tables      []Table   `json:"tables,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Table is a data table found on a page.
type Table struct {
	Headers []string   `json:"headers,omitempty"`
	Rows    [][]string `json:"rows"`
}

// Fetcher downloads pages with a timeout, bounded retries and exponential
// backoff.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	backoff    time.Duration
	maxBytes   int64
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewFetcher builds a fetcher from cfg.
func NewFetcher(cfg config.ScrapeConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &Fetcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBytes:   maxBytes,
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
		logger:     logger,
	}
}

// Fetch downloads url and extracts its content. Attempts are spaced by
// backoff, 2*backoff, 4*backoff and so on.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	attempts := f.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := f.backoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := f.fetchOnce(ctx, url)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		if errors.Is(err, ErrUnsupportedContent) || ctx.Err() != nil {
			return nil, err
		}
		f.logger.Debug("fetch attempt failed",
			zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("fetching %s after %d attempts: %w", url, attempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, f.maxBytes)
	page, err := Extract(body, resp.Request.URL, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	page.FetchedAt = time.Now().UTC()
	return page, nil
}
