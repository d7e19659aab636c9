package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/livesync/cfg"
	"github.com/maxpert/livesync/channel"
	"github.com/maxpert/livesync/fetch"
	"github.com/maxpert/livesync/multiplexer"
	"github.com/maxpert/livesync/notify"
	"github.com/maxpert/livesync/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, req fetch.Request) (fetch.Page, error)

func (f fetchFunc) Fetch(ctx context.Context, req fetch.Request) (fetch.Page, error) {
	return f(ctx, req)
}

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(string, string, url.Values, multiplexer.EventHandler) error {
	return nil
}

func (nopSubscriber) Unsubscribe(string) {}

type fakeSubscriptions struct {
	records []multiplexer.Record
}

func (f fakeSubscriptions) Records() []multiplexer.Record { return f.records }
func (f fakeSubscriptions) State() channel.State          { return channel.Connected }

type fakeMirror struct{}

func (fakeMirror) Cursors() (map[string]uint64, uint64) {
	return map[string]uint64{"kafka": 7, "nats": 10}, 10
}

type fixture struct {
	srv      *httptest.Server
	registry *resource.Registry
	hub      *notify.Hub
	fetches  atomic.Int32
	runsRows []any

	mu       sync.Mutex
	released []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: resource.NewRegistry(),
		hub:      notify.NewHub(),
		runsRows: []any{
			map[string]any{"id": 1, "state": "running", "owner": "ana"},
			map[string]any{"id": 2, "state": "queued", "owner": "bo"},
			map[string]any{"id": 3, "state": "running", "owner": "bo"},
		},
	}

	fetcher := fetchFunc(func(ctx context.Context, req fetch.Request) (fetch.Page, error) {
		f.fetches.Add(1)
		switch req.Path {
		case "/runs":
			return fetch.Page{Data: f.runsRows}, nil
		default:
			return fetch.Page{}, &fetch.APIError{Kind: fetch.KindNotFound, Status: 404, Message: "gone"}
		}
	})

	add := func(name, path string, kind resource.Kind) {
		s := resource.New(fetcher, nopSubscriber{}, resource.Options{Name: name, Kind: kind, Hub: f.hub})
		require.NoError(t, f.registry.Add(name, s))
		require.NoError(t, s.Activate(context.Background(), resource.Params{Path: path}))
	}
	add("runs", "/runs", resource.List)
	add("status", "/status", resource.Mapping)

	require.Eventually(t, func() bool {
		counts := f.registry.StatusCounts()
		return counts["ok"] == 1 && counts["error"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	handlers := NewAdminHandlers(Options{
		Resources: f.registry,
		Subscriptions: fakeSubscriptions{records: []multiplexer.Record{
			{ID: "a", Path: "/runs", Resource: "/runs"},
		}},
		Mirror: fakeMirror{},
		Hub:    f.hub,
		OnRelease: func(name, path string) {
			f.mu.Lock()
			f.released = append(f.released, name+" "+path)
			f.mu.Unlock()
		},
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	}))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.srv.Close()
		f.registry.ReleaseAll()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestListResources(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/resources")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].([]any)
	require.Len(t, data, 2)

	runs := data[0].(map[string]any)
	assert.Equal(t, "runs", runs["name"])
	assert.Equal(t, "/runs", runs["path"])
	assert.Equal(t, "list", runs["kind"])
	assert.Equal(t, "ok", runs["status"])
	assert.Equal(t, float64(3), runs["size"])

	status := data[1].(map[string]any)
	assert.Equal(t, "error", status["status"])
}

func TestGetResourceWithFilterTokens(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/resources/runs?q=state:run*&q=owner:bo")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	detail := body["data"].(map[string]any)
	rows := detail["data"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, float64(3), rows[0].(map[string]any)["id"])
	assert.Equal(t, []any{"state:run*", "owner:bo"}, detail["filter"])
}

func TestGetResourceLimit(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/resources/runs?limit=2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, true, body["has_more"])
	assert.Equal(t, float64(3), body["total"])
	assert.Len(t, body["data"].(map[string]any)["data"], 2)

	resp, _ = f.do(t, http.MethodGet, "/admin/resources/runs?limit=0")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetResourceError(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/admin/resources/status")

	detail := body["data"].(map[string]any)
	assert.Equal(t, "error", detail["status"])
	assert.Equal(t, map[string]any{"kind": "not_found", "status": float64(404), "message": "gone"}, detail["error"])
}

func TestGetResourceBadPattern(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/resources/runs?q=state:[oops")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid filter pattern")
}

func TestUnknownResource(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/admin/resources/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "resource 'nope' not found", body["error"])
}

func TestRetryRefetches(t *testing.T) {
	f := newFixture(t)
	before := f.fetches.Load()

	resp, _ := f.do(t, http.MethodPost, "/admin/resources/runs/retry")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return f.fetches.Load() > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReleaseResource(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodDelete, "/admin/resources/runs")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.mu.Lock()
	assert.Equal(t, []string{"runs /runs"}, f.released)
	f.mu.Unlock()
	assert.Equal(t, []string{"status"}, f.registry.Names())

	resp, _ = f.do(t, http.MethodDelete, "/admin/resources/runs")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscriptions(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/admin/subscriptions")

	data := body["data"].(map[string]any)
	assert.Equal(t, "connected", data["socket"])
	records := data["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].(map[string]any)["id"])
}

func TestMirror(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodGet, "/admin/mirror")

	data := body["data"].(map[string]any)
	assert.Equal(t, float64(10), data["last_seq"])
	assert.Equal(t, map[string]any{"kafka": float64(3), "nats": float64(0)}, data["lag"])
}

func TestMirrorDisabled(t *testing.T) {
	h := NewAdminHandlers(Options{Resources: resource.NewRegistry()})
	rec := httptest.NewRecorder()
	h.handleMirror(rec, httptest.NewRequest(http.MethodGet, "/mirror", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchStreamsSignals(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/admin/watch?resource=runs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": watching\n", line)

	go func() {
		if resp, err := http.Post(f.srv.URL+"/admin/resources/runs/retry", "", nil); err == nil {
			resp.Body.Close()
		}
	}()

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}

	var ev watchEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, "runs", ev.Resource)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)

	old := cfg.Config.Admin.Secret
	cfg.Config.Admin.Secret = "s3cret"
	defer func() { cfg.Config.Admin.Secret = old }()

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"bad scheme", "Authorization", "Basic s3cret", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"secret header", SecretHeader, "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/admin/subscriptions", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	h := NewAdminHandlers(Options{
		Resources:     resource.NewRegistry(),
		Subscriptions: fakeSubscriptions{},
	})
	s, err := NewServer("127.0.0.1:0", h, nil)
	require.NoError(t, err)
	s.Start()

	resp, err := http.Get("http://" + s.Addr() + "/admin/resources")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
