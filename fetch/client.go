// Package fetch loads resource snapshots from the server's HTTP API.
//
// Every response is a page: {"data": ..., "nextCursor": "..."}. Pages are
// revalidated with ETags when the page cache is enabled, and compressed
// responses (zstd, gzip) are decoded transparently.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/telemetry"
	"github.com/rs/zerolog/log"
)

// maxErrorBody bounds how much of an error response is read for its message
const maxErrorBody = 4096

// Request identifies one page of a resource
type Request struct {
	Path   string
	Query  url.Values
	Cursor string
}

// Page is one decoded response
type Page struct {
	Data       any    `json:"data"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Fetcher loads a single page of a resource
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Page, error)
}

// Options configures a Client
type Options struct {
	BaseURL     string
	Token       string
	CursorParam string
	CacheSize   int // 0 disables the ETag page cache
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// OptionsFromConfig builds Options from the server section of the configuration
func OptionsFromConfig(conf *cfg.Configuration) Options {
	return Options{
		BaseURL:     conf.Server.APIURL,
		Token:       conf.Server.Token,
		CursorParam: conf.Server.CursorParam,
		CacheSize:   conf.Server.PageCacheLen,
		Timeout:     time.Duration(conf.Server.FetchTimeout) * time.Millisecond,
	}
}

type cachedPage struct {
	etag string
	page Page
}

// Client is an HTTP Fetcher
type Client struct {
	base  *url.URL
	opts  Options
	http  *http.Client
	pages *lru.Cache[string, cachedPage]
}

// NewClient creates a Client for opts.BaseURL
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api url scheme %q", base.Scheme)
	}

	if opts.CursorParam == "" {
		opts.CursorParam = "cursor"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		base: base,
		opts: opts,
		http: httpClient,
	}

	if opts.CacheSize > 0 {
		c.pages, err = lru.New[string, cachedPage](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create page cache: %w", err)
		}
	}

	return c, nil
}

// URL renders the request URL for req
func (c *Client) URL(req Request) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")

	q := u.Query()
	for k, vs := range req.Query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if req.Cursor != "" {
		q.Set(c.opts.CursorParam, req.Cursor)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Fetch loads one page. Failures are returned as *APIError.
func (c *Client) Fetch(ctx context.Context, req Request) (Page, error) {
	start := time.Now()
	page, err := c.fetch(ctx, req)

	result := "ok"
	if err != nil {
		apiErr := AsAPIError(err)
		result = string(apiErr.Kind)
		telemetry.FetchErrorsTotal.With(result).Inc()
		err = apiErr
	}
	telemetry.FetchDurationSeconds.With(result).Observe(time.Since(start).Seconds())

	return page, err
}

// FetchAsync runs Fetch on its own goroutine
func (c *Client) FetchAsync(ctx context.Context, req Request) *future.Future[Page] {
	p := future.NewPromise[Page]()
	go func() {
		p.Set(c.Fetch(ctx, req))
	}()
	return p.Future()
}

func (c *Client) fetch(ctx context.Context, req Request) (Page, error) {
	target := c.URL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, &APIError{Kind: KindClient, Message: err.Error(), Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if c.opts.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	var cached cachedPage
	var hasCached bool
	if c.pages != nil {
		cached, hasCached = c.pages.Get(target)
		if hasCached {
			httpReq.Header.Set("If-None-Match", cached.etag)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Page{}, &APIError{Kind: KindTransport, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && hasCached {
		telemetry.PageCacheHitsTotal.Inc()
		log.Debug().Str("url", target).Msg("Page not modified, using cached copy")
		return cached.page, nil
	}

	body, release, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return Page{}, &APIError{Kind: KindMalformed, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	defer release()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, errorFromResponse(resp.StatusCode, body)
	}

	page, err := decodePage(body)
	if err != nil {
		return Page{}, &APIError{Kind: KindMalformed, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}

	if c.pages != nil {
		if etag := resp.Header.Get("ETag"); etag != "" {
			c.pages.Add(target, cachedPage{etag: etag, page: page})
		}
	}

	return page, nil
}

// decodePage parses a {"data": ..., "nextCursor": ...} body
func decodePage(body io.Reader) (Page, error) {
	var raw struct {
		Data       json.RawMessage `json:"data"`
		NextCursor *string         `json:"nextCursor"`
	}
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return Page{}, fmt.Errorf("invalid response body: %w", err)
	}
	if raw.Data == nil {
		return Page{}, errors.New("response has no data field")
	}

	var page Page
	if err := json.Unmarshal(raw.Data, &page.Data); err != nil {
		return Page{}, fmt.Errorf("invalid data field: %w", err)
	}
	if raw.NextCursor != nil {
		page.NextCursor = *raw.NextCursor
	}
	return page, nil
}

// errorFromResponse builds an APIError from a non-2xx response. The server's
// {"message"} or {"error"} field is used as the message when present.
func errorFromResponse(status int, body io.Reader) *APIError {
	apiErr := &APIError{
		Kind:    KindForStatus(status),
		Status:  status,
		Message: http.StatusText(status),
	}

	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil {
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case payload.Error != "":
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Message = text
	}
	return apiErr
}
