package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedStatuses struct {
	codes []int
}

func (r *recordedStatuses) RecordHTTPStatus(code int) { r.codes = append(r.codes, code) }

func decodeLog(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	statuses := &recordedStatuses{}

	handler := NewLoggingMiddleware(logger, statuses)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLog(t, &buf)
	if entry["method"] != "GET" || entry["path"] != "/health" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected 'duration_ms' field in log entry")
	}
	if _, ok := entry["user_guid"]; ok {
		t.Error("user_guid should be omitted for anonymous requests")
	}
	if len(statuses.codes) != 1 || statuses.codes[0] != 200 {
		t.Errorf("recorded statuses = %v, want [200]", statuses.codes)
	}
}

func TestLoggingMiddleware_IncludesRequestIDAndUserGUID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RequestInfoFromContext(r.Context()).SetUserGUID("u-123")
		w.WriteHeader(http.StatusForbidden)
	})
	handler := NewRequestInfoMiddleware()(NewLoggingMiddleware(logger, nil)(inner))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc/urn:role:list:1", nil))

	entry := decodeLog(t, &buf)
	if entry["user_guid"] != "u-123" {
		t.Errorf("user_guid = %v, want u-123", entry["user_guid"])
	}
	if entry["request_id"] != w.Header().Get(RequestIDHeader) {
		t.Errorf("request_id = %v, header = %q", entry["request_id"], w.Header().Get(RequestIDHeader))
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for 403", entry["level"])
	}
}

func TestLoggingMiddleware_ServerErrorLogsAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/google/callback", nil))

	entry := decodeLog(t, &buf)
	if entry["status"] != float64(502) || entry["level"] != "ERROR" {
		t.Errorf("entry = %v, want status 502 at ERROR", entry)
	}
}
