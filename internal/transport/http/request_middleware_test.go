// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewareAssignsIDVisibleToHandlerAndClient(t *testing.T) {
	var gotRequestID string
	h := requestIDMiddleware()(requestLoggingMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID, ok := requestIDFromContext(r.Context())
			if !ok {
				t.Fatal("expected request_id in context")
			}
			gotRequestID = requestID
			w.WriteHeader(http.StatusNoContent)
		}),
	))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/customers/abc", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204 got %d", rec.Code)
	}
	respRequestID := rec.Header().Get(headerRequestID)
	if respRequestID == "" {
		t.Fatal("expected X-Request-Id response header")
	}
	if gotRequestID != respRequestID {
		t.Fatalf("expected context request_id %q got %q", respRequestID, gotRequestID)
	}
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	h := requestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID, _ := requestIDFromContext(r.Context()); requestID != "sync-42" {
			t.Fatalf("expected request_id sync-42 got %q", requestID)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/customers", nil)
	req.Header.Set(headerRequestID, "  sync-42 ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(headerRequestID); got != "sync-42" {
		t.Fatalf("expected X-Request-Id sync-42 got %q", got)
	}
}

func TestRequestLoggingLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		level   string
		message string
	}{
		{name: "success", status: http.StatusCreated, level: "INFO", message: "request completed"},
		{name: "client error", status: http.StatusConflict, level: "INFO", message: "request completed"},
		{name: "broker unavailable", status: http.StatusServiceUnavailable, level: "ERROR", message: "request failed"},
		{name: "internal error", status: http.StatusInternalServerError, level: "ERROR", message: "request failed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			h := requestIDMiddleware()(requestLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})))

			req := httptest.NewRequest(http.MethodPost, "/customers", nil)
			req.Header.Set(headerRequestID, "req-1")
			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry struct {
				Level     string `json:"level"`
				Msg       string `json:"msg"`
				RequestID string `json:"request_id"`
				Path      string `json:"path"`
				Status    int    `json:"status"`
			}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("expected one JSON log line, got %q (%v)", buf.String(), err)
			}
			if entry.Level != tc.level || entry.Msg != tc.message {
				t.Fatalf("expected %s %q got %s %q", tc.level, tc.message, entry.Level, entry.Msg)
			}
			if entry.Status != tc.status || entry.RequestID != "req-1" || entry.Path != "/customers" {
				t.Fatalf("unexpected log attributes: %+v", entry)
			}
		})
	}
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, err := rec.Write([]byte("{}")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	rec.WriteHeader(http.StatusInternalServerError)

	if rec.status != http.StatusOK {
		t.Fatalf("expected implicit 200 to stick, got %d", rec.status)
	}
}
