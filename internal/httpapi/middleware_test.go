package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(base, 1, 1))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var body map[string]any
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected error message %v", body["error"])
	}
	if rid, _ := body["request_id"].(string); rid == "" || rid != rr2.Header().Get(requestIDHeader) {
		t.Fatalf("expected request_id matching header, got %v", body["request_id"])
	}

	// Other clients have their own bucket.
	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("expected other client 200, got %d", rr3.Code)
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := RequestID(Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.Header.Set(requestIDHeader, "req-123")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	entries := logs.FilterMessage("request_complete").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-123" || fields["method"] != http.MethodGet || fields["path"] != "/log-test" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Fatalf("expected status %d, got %v", http.StatusTeapot, fields["status"])
	}
	if fields["remote_ip"] != "127.0.0.1" || fields["user_agent"] != "middleware-test" {
		t.Fatalf("unexpected client fields %v", fields)
	}
}

func TestRequestIDPropagatesOrMints(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc" || rr.Header().Get(requestIDHeader) != "abc" {
		t.Fatalf("expected propagated id, got ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc" || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected minted id, got ctx=%q header=%q", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestCORSPreflight(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}), "https://app.medshare.example")

	req := httptest.NewRequest(http.MethodOptions, "/share/incoming", nil)
	req.Header.Set("Origin", "https://app.medshare.example")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("expected 204 without reaching handler, got %d (called=%v)", rr.Code, called)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.medshare.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/share/incoming", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if !called || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestMaxBodyBytesRejectsLargeBodies(t *testing.T) {
	var decodeErr error
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		decodeErr = decodeJSON(r, &req, false)
	}), 64)

	body := `{"email":"bob@example.com","password":"` + strings.Repeat("x", 128) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if decodeErr == nil || decodeErr.Error() != "request body too large" {
		t.Fatalf("expected body too large, got %v", decodeErr)
	}
}
