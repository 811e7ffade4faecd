// Package open311 is a client for GeoReport v2 service request feeds.
package open311

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"civicreg/internal/domain"
	"civicreg/internal/httpx"
)

// ErrNotFound is returned by FetchByID when the feed has no such record.
var ErrNotFound = errors.New("service request not found")

type Options struct {
	BaseURL       string
	PageSize      int
	UseExtensions bool
	MaxRetries    int
	HTTPClient    *http.Client
	Logger        *slog.Logger
	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

type Client struct {
	base       string
	pageSize   int
	extensions bool
	attempts   int
	http       *http.Client
	log        *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func New(opts Options) *Client {
	c := &Client{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		pageSize:   opts.PageSize,
		extensions: opts.UseExtensions,
		attempts:   opts.MaxRetries + 1,
		http:       opts.HTTPClient,
		log:        opts.Logger,
		backoff:    opts.Backoff,
		maxBackoff: opts.MaxBackoff,
	}
	if c.pageSize <= 0 {
		c.pageSize = 100
	}
	if c.attempts < 1 {
		c.attempts = 1
	}
	if c.http == nil {
		c.http = httpx.Client()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.maxBackoff < c.backoff {
		c.maxBackoff = 8 * time.Second
	}
	return c
}

// FetchWindow returns every record requested between the start of since and
// the end of until, following pages until a short page arrives.
func (c *Client) FetchWindow(ctx context.Context, since, until time.Time) ([]domain.RawEvent, error) {
	start := dayStart(since)
	end := dayStart(until).AddDate(0, 0, 1)
	c.log.Info("open311.fetch_window.start", "since", start.Format(time.RFC3339), "until", end.Format(time.RFC3339))

	var out []domain.RawEvent
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("start_date", start.Format(time.RFC3339))
		q.Set("end_date", end.Format(time.RFC3339))
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(c.pageSize))
		if c.extensions {
			q.Set("extensions", "true")
		}
		body, err := c.get(ctx, c.base+"/requests.json?"+q.Encode())
		if err != nil {
			return out, fmt.Errorf("fetch page %d: %w", page, err)
		}
		events, err := ParseRequests(body)
		if err != nil {
			return out, fmt.Errorf("parse page %d: %w", page, err)
		}
		out = append(out, events...)
		c.log.Debug("open311.fetch_window.page", "page", page, "records", len(events))
		if len(events) < c.pageSize {
			break
		}
	}
	c.log.Info("open311.fetch_window.done", "records", len(out))
	return out, nil
}

// FetchByID returns the record with the given identifier or ErrNotFound.
func (c *Client) FetchByID(ctx context.Context, serviceRequestID string) (domain.RawEvent, error) {
	u := c.base + "/requests/" + url.PathEscape(serviceRequestID) + ".json"
	if c.extensions {
		u += "?extensions=true"
	}
	body, err := c.get(ctx, u)
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return domain.RawEvent{}, ErrNotFound
		}
		return domain.RawEvent{}, err
	}
	events, err := ParseRequests(body)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("parse %s: %w", serviceRequestID, err)
	}
	if len(events) == 0 {
		return domain.RawEvent{}, ErrNotFound
	}
	return events[0], nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var body []byte
	err := httpx.Retry(ctx, c.attempts, c.backoff, c.maxBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return httpx.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return httpx.Permanent(ctx.Err())
			}
			c.log.Warn("open311.request.retry", "url", u, "error", err)
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			se := &httpx.StatusError{Code: resp.StatusCode, URL: u, Body: truncate(string(data), 200)}
			if se.Retryable() {
				c.log.Warn("open311.request.retry", "url", u, "status", resp.StatusCode)
				return se
			}
			return httpx.Permanent(se)
		}
		body = data
		return nil
	})
	return body, err
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
