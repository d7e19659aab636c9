package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/livesync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, srv *httptest.Server, cacheSize int) *Client {
	t.Helper()
	c, err := NewClient(Options{
		BaseURL:   srv.URL + "/api",
		Token:     "tok",
		CacheSize: cacheSize,
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestFetchPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/runs", r.URL.Path)
		assert.Equal(t, "running", r.URL.Query().Get("status"))
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, acceptEncoding, r.Header.Get("Accept-Encoding"))
		w.Write([]byte(`{"data":[{"id":1},{"id":2}],"nextCursor":"c2"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, 0)
	page, err := c.Fetch(context.Background(), Request{
		Path:   "/runs",
		Query:  url.Values{"status": {"running"}},
		Cursor: "c1",
	})
	require.NoError(t, err)

	assert.Equal(t, "c2", page.NextCursor)
	assert.Equal(t, []any{
		map[string]any{"id": float64(1)},
		map[string]any{"id": float64(2)},
	}, page.Data)
}

func TestFetchLastPageHasNoCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"name":"run-1"}}`))
	}))
	defer srv.Close()

	page, err := newClient(t, srv, 0).Fetch(context.Background(), Request{Path: "runs/1"})
	require.NoError(t, err)
	assert.Equal(t, "", page.NextCursor)
	assert.Equal(t, map[string]any{"name": "run-1"}, page.Data)
}

func TestFetchErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    ErrorKind
		message string
	}{
		{"not found", http.StatusNotFound, `{"message":"run not found"}`, KindNotFound, "run not found"},
		{"unauthorized", http.StatusUnauthorized, ``, KindUnauthorized, "Unauthorized"},
		{"forbidden", http.StatusForbidden, `{"error":"nope"}`, KindUnauthorized, "nope"},
		{"client", http.StatusBadRequest, `bad filter`, KindClient, "bad filter"},
		{"server", http.StatusBadGateway, ``, KindServer, "Bad Gateway"},
		{"malformed", http.StatusOK, `[1,2]`, KindMalformed, ""},
		{"missing data", http.StatusOK, `{"items":[]}`, KindMalformed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(t, srv, 0).Fetch(context.Background(), Request{Path: "/runs"})
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.kind, apiErr.Kind)
			if tt.message != "" {
				assert.Equal(t, tt.message, apiErr.Message)
			}
		})
	}
}

func TestFetchTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newClient(t, srv, 0)
	srv.Close()

	_, err := c.Fetch(context.Background(), Request{Path: "/runs"})
	apiErr := AsAPIError(err)
	require.NotNil(t, apiErr)
	assert.Equal(t, KindTransport, apiErr.Kind)
	assert.NotNil(t, apiErr.Unwrap())
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, srv, 0).Fetch(ctx, Request{Path: "/runs"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestETagRevalidation(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(`{"data":{"state":"running"}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv, 8)
	first, err := c.Fetch(context.Background(), Request{Path: "/runs/1"})
	require.NoError(t, err)

	second, err := c.Fetch(context.Background(), Request{Path: "/runs/1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), requests.Load())
}

func TestNotModifiedWithoutCacheIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	_, err := newClient(t, srv, 0).Fetch(context.Background(), Request{Path: "/runs"})
	assert.Error(t, err)
}

func TestCompressedResponses(t *testing.T) {
	body := []byte(`{"data":{"id":"run-1","state":"queued"}}`)

	var zbuf bytes.Buffer
	zw, err := zstd.NewWriter(&zbuf)
	require.NoError(t, err)
	_, err = zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var gbuf bytes.Buffer
	gw := gzip.NewWriter(&gbuf)
	_, err = gw.Write(body)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	for name, encoded := range map[string][]byte{"zstd": zbuf.Bytes(), "gzip": gbuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", name)
				w.Write(encoded)
			}))
			defer srv.Close()

			c := newClient(t, srv, 0)
			for i := 0; i < 3; i++ {
				page, err := c.Fetch(context.Background(), Request{Path: "/runs/1"})
				require.NoError(t, err)
				assert.Equal(t, map[string]any{"id": "run-1", "state": "queued"}, page.Data)
			}
		})
	}
}

func TestUnsupportedEncodingIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.Write([]byte("xx"))
	}))
	defer srv.Close()

	_, err := newClient(t, srv, 0).Fetch(context.Background(), Request{Path: "/runs"})
	assert.Equal(t, KindMalformed, AsAPIError(err).Kind)
}

func TestFetchAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":42}`))
	}))
	defer srv.Close()

	fut := newClient(t, srv, 0).FetchAsync(context.Background(), Request{Path: "/answer"})
	page, err := fut.Get()
	require.NoError(t, err)
	assert.Equal(t, float64(42), page.Data)
}

func TestURL(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "https://host/api/", CursorParam: "after"})
	require.NoError(t, err)

	assert.Equal(t, "https://host/api/runs", c.URL(Request{Path: "/runs"}))
	assert.Equal(t, "https://host/api/runs?after=x&limit=5",
		c.URL(Request{Path: "runs", Query: url.Values{"limit": {"5"}}, Cursor: "x"}))
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "ftp://host"})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	conf := *cfg.Config
	conf.Server.Token = "abc"

	opts := OptionsFromConfig(&conf)
	assert.Equal(t, conf.Server.APIURL, opts.BaseURL)
	assert.Equal(t, "abc", opts.Token)
	assert.Equal(t, conf.Server.PageCacheLen, opts.CacheSize)
	assert.Equal(t, time.Duration(conf.Server.FetchTimeout)*time.Millisecond, opts.Timeout)
}

func TestKindForStatus(t *testing.T) {
	assert.Equal(t, KindNotFound, KindForStatus(404))
	assert.Equal(t, KindNotFound, KindForStatus(410))
	assert.Equal(t, KindUnauthorized, KindForStatus(401))
	assert.Equal(t, KindClient, KindForStatus(422))
	assert.Equal(t, KindServer, KindForStatus(500))
}

func TestAsAPIError(t *testing.T) {
	assert.Nil(t, AsAPIError(nil))

	wrapped := &APIError{Kind: KindServer, Message: "boom"}
	assert.Same(t, wrapped, AsAPIError(errors.Join(errors.New("ctx"), wrapped)))

	plain := AsAPIError(errors.New("eof"))
	assert.Equal(t, KindTransport, plain.Kind)
	assert.Equal(t, "transport: eof", plain.Error())
}
