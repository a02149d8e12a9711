package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareTagsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(nil) })

	var seen string
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/rooms", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-1" {
		t.Fatalf("expected handler to see req-1, got %q", seen)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-1" {
		t.Fatalf("expected response header req-1, got %q", got)
	}

	completed := logs.FilterMessage("request completed").All()
	if len(completed) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completed))
	}
	fields := completed[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("expected status 418, got %v", fields["status"])
	}
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", fields["request_id"])
	}
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	Replace(zap.NewNop())
	t.Cleanup(func() { Replace(nil) })

	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	logger := zap.NewNop()
	Replace(logger)
	t.Cleanup(func() { Replace(nil) })

	if WithContext(context.Background()) != logger {
		t.Fatalf("expected the global logger")
	}
	if id := GetRequestID(context.Background()); id != "" {
		t.Fatalf("expected no request id, got %q", id)
	}
}
