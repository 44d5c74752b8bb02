package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewMiddleware(zap.New(core), "")

	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "10.0.0.7", fields["ip"])
	assert.Equal(t, "/api/status", fields["path"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, int64(len("short and stout")), fields["bytes"])
	assert.Equal(t, rec.Header().Get("X-Request-Id"), fields["request_id"])
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name    string
		allowed string
		origin  string
		want    string
	}{
		{"no origin", "", "", "*"},
		{"same host", "", "http://example.com", "http://example.com"},
		{"foreign origin", "", "http://evil.test", ""},
		{"configured", "https://viewer.test", "http://evil.test", "https://viewer.test"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMiddleware(zap.NewNop(), tt.allowed).CORSMiddleware(next)
			req := httptest.NewRequest(http.MethodGet, "http://example.com/api/images", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}

	rec := httptest.NewRecorder()
	NewMiddleware(zap.NewNop(), "").CORSMiddleware(http.NotFoundHandler()).
		ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/preload", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "preflight is answered directly")
}
