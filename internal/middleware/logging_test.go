package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/HammerMeetNail/slotswap/internal/handlers"
	"github.com/HammerMeetNail/slotswap/internal/logging"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	line := strings.TrimSpace(buf.String())
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("decoding log line %q: %v", line, err)
	}
	return entry
}

func TestRequestLogger_AssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRequestLogger(logging.New().SetOutput(&buf))

	var seen string
	handler := rl.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = handlers.GetRequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/slots?x=1", nil))

	if seen == "" {
		t.Fatal("expected request id in context")
	}
	if rr.Header().Get(requestIDHeader) != seen {
		t.Errorf("response header %q does not match context id %q", rr.Header().Get(requestIDHeader), seen)
	}

	entry := decodeLogLine(t, &buf)
	if entry["level"] != "INFO" {
		t.Errorf("expected INFO, got %v", entry["level"])
	}
	if entry["request_id"] != seen || entry["path"] != "/api/slots" || entry["query"] != "x=1" {
		t.Errorf("unexpected log fields %v", entry)
	}
	if entry["status"] != float64(http.StatusCreated) || entry["size"] != float64(2) {
		t.Errorf("unexpected status/size %v/%v", entry["status"], entry["size"])
	}
}

func TestRequestLogger_ReusesInboundID(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRequestLogger(logging.New().SetOutput(&buf))
	handler := rl.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get(requestIDHeader); got != "trace-123" {
		t.Errorf("expected inbound id reused, got %q", got)
	}

	buf.Reset()
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("a", 65))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if got := rr.Header().Get(requestIDHeader); len(got) > 64 {
		t.Errorf("expected oversized id replaced, got %q", got)
	}
}

func TestRequestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{status: http.StatusOK, level: "INFO"},
		{status: http.StatusNotFound, level: "WARN"},
		{status: http.StatusInternalServerError, level: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			rl := NewRequestLogger(logging.New().SetOutput(&buf))
			handler := rl.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			if entry := decodeLogLine(t, &buf); entry["level"] != tt.level {
				t.Errorf("expected %s, got %v", tt.level, entry["level"])
			}
		})
	}
}
