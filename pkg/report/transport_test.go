package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	method string
	path   string
	key    string
	header http.Header
	batch  Batch
}

func newCollector(t *testing.T, status int, body string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var reqs []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var b Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		reqs = append(reqs, capturedRequest{
			method: r.Method,
			path:   r.URL.Path,
			key:    r.URL.Query().Get("key"),
			header: r.Header.Clone(),
			batch:  b,
		})
		mu.Unlock()

		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func testBatch() *Batch {
	cfg := Config{Project: "checkout", Environment: "prod", ServerName: "web-1"}
	records := []Record{
		NewRecord("*os.PathError", "open config", time.Unix(1700000000, 0), map[string]string{
			MetaDescription: "open /etc/app.toml: no such file",
		}),
	}
	return NewBatch(cfg, records, time.Unix(1700000100, 0))
}

func TestHTTPTransport_Send(t *testing.T) {
	srv, requests := newCollector(t, http.StatusOK, "ok")
	tr := NewHTTPTransport(HTTPTransportConfig{})

	err := tr.Send(context.Background(), Endpoint{ServerAddress: srv.URL, Secret: "s3cret"}, testBatch())
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	got := reqs[0]

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, DefaultReportPath, got.path)
	assert.Equal(t, "s3cret", got.key)
	assert.Equal(t, "s3cret", got.header.Get("X-Gec-Key"))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "gec-go-reporter", got.header.Get("User-Agent"))

	assert.Equal(t, "checkout", got.batch.Project)
	assert.Equal(t, "prod", got.batch.Environment)
	require.Len(t, got.batch.Records, 1)
	assert.Equal(t, "*os.PathError", got.batch.Records[0].Type)
	assert.Equal(t, "open /etc/app.toml: no such file", got.batch.Records[0].Message)
	assert.Equal(t, "open config", got.batch.Records[0].LogMessage)
	assert.Equal(t, int64(1700000000), got.batch.Records[0].Timestamp)
}

func TestHTTPTransport_ServerAddressWithPath(t *testing.T) {
	srv, requests := newCollector(t, http.StatusNoContent, "")
	tr := NewHTTPTransport(HTTPTransportConfig{})

	err := tr.Send(context.Background(), Endpoint{ServerAddress: srv.URL + "/gec/"}, testBatch())
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/gec/report", reqs[0].path)
	assert.Empty(t, reqs[0].key)
	assert.Empty(t, reqs[0].header.Get("X-Gec-Key"))
}

func TestHTTPTransport_StatusError(t *testing.T) {
	srv, _ := newCollector(t, http.StatusForbidden, "bad key\n")
	tr := NewHTTPTransport(HTTPTransportConfig{})

	err := tr.Send(context.Background(), Endpoint{ServerAddress: srv.URL, Secret: "wrong"}, testBatch())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Equal(t, "bad key", statusErr.Body)
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPTransport_InvalidAddress(t *testing.T) {
	tr := NewHTTPTransport(HTTPTransportConfig{})

	tests := []struct {
		name string
		addr string
	}{
		{"empty", ""},
		{"no scheme", "collector.local:8080"},
		{"wrong scheme", "ftp://collector.local"},
		{"unparseable", "http://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.Send(context.Background(), Endpoint{ServerAddress: tt.addr}, testBatch())
			assert.Error(t, err)
		})
	}
}

func TestHTTPTransport_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{Timeout: time.Second})
	err := tr.Send(context.Background(), Endpoint{ServerAddress: addr}, testBatch())
	assert.Error(t, err)
}

func TestHTTPTransport_ErrorsDoNotLeakSecret(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPTransportConfig{Timeout: time.Second})
	err := tr.Send(context.Background(), Endpoint{ServerAddress: addr, Secret: "TOPSECRET"}, testBatch())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "TOPSECRET")
	assert.Contains(t, err.Error(), "key="+redactedSecret)

	// Same through the reporter, whose error is logged and printed by callers
	r := New(Config{ServerAddress: addr, Secret: "TOPSECRET", ItemLimit: 5, SyncTimeout: time.Second})
	r.Report(errors.New("boom"), "unreachable collector")
	_, err = r.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotContains(t, err.Error(), "TOPSECRET")
	assert.Equal(t, 1, r.Len())
}

func TestRedactError(t *testing.T) {
	plain := errors.New("not a url error")
	assert.Same(t, plain, redactError(plain))

	ue := &url.Error{Op: "Post", URL: "http://gec.example.com/report?key=abc&x=1", Err: errors.New("refused")}
	err := redactError(fmt.Errorf("wrapped: %w", ue))
	assert.NotContains(t, err.Error(), "key=abc")
	assert.Contains(t, err.Error(), "x=1")

	noKey := &url.Error{Op: "Post", URL: "http://gec.example.com/report", Err: errors.New("refused")}
	assert.Equal(t, "http://gec.example.com/report", redactError(noKey).(*url.Error).URL)
}

func TestHTTPTransport_ContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr := NewHTTPTransport(HTTPTransportConfig{})
	err := tr.Send(ctx, Endpoint{ServerAddress: srv.URL}, testBatch())

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestReporter_SyncOverHTTP(t *testing.T) {
	srv, requests := newCollector(t, http.StatusOK, "")

	r := New(Config{
		ServerAddress: srv.URL,
		Secret:        "s3cret",
		Project:       "checkout",
		Environment:   "prod",
		ItemLimit:     10,
	})
	r.Report(errors.New("first"), "A")
	r.Report(errors.New("second"), "B")

	res, err := r.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 0, r.Len())

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"A", "B"}, wireMessages(&reqs[0].batch))
}

func TestReporter_SyncOverHTTPRejected(t *testing.T) {
	srv, _ := newCollector(t, http.StatusInternalServerError, "datastore unavailable")

	r := New(Config{ServerAddress: srv.URL, ItemLimit: 10})
	r.Report(errors.New("first"), "A")

	res, err := r.Sync(context.Background())

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, SyncFailed, res.Status)
	assert.Equal(t, 1, r.Len())
}
