package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddlewareLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	mw := HTTPMiddleware(logger)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated X-Request-ID on the response")
	}
	if buf.Len() == 0 {
		t.Fatal("expected a log line for the request")
	}
}

func TestHTTPMiddlewarePropagatesRequestID(t *testing.T) {
	mw := HTTPMiddleware(slog.New(slog.DiscardHandler))

	req := httptest.NewRequest(http.MethodGet, "/api/envelopes", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()

	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected X-Request-ID to be echoed, got %q", got)
	}
}

func TestWithRunIDThreadsThroughContext(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := NewContext(context.Background(), base)
	ctx = WithRunID(ctx, "run-abc123")

	if got := RunIDFromContext(ctx); got != "run-abc123" {
		t.Fatalf("expected run ID from context, got %q", got)
	}

	FromContext(ctx).Info("starting control run")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["run_id"] != "run-abc123" {
		t.Fatalf("expected run_id attribute on the log line, got %v", line["run_id"])
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected the default logger, got nil")
	}
	if RunIDFromContext(context.Background()) != "" {
		t.Fatal("expected empty run ID on a bare context")
	}
}

func TestNewRedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: FormatJSON, Output: &buf})

	logger.Info("token acquired", "token", "super-secret-value")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["token"] != "[REDACTED]" {
		t.Fatalf("expected token to be redacted, got %v", line["token"])
	}
}
