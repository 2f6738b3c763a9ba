package shield

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/qoewatch/kit"
)

func setupShieldDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if err := Init(db); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// --- MaintenanceMode ---

func TestMaintenance_Off(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db)

	w := httptest.NewRecorder()
	mm.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest("POST", "/v1/sessions", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when maintenance off, got %d", w.Code)
	}
}

func TestMaintenance_On(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db, "/healthz")
	if err := mm.Set(true, "schema upgrade"); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	mm.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest("POST", "/v1/sessions", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when maintenance on, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["error"] != "schema upgrade" {
		t.Errorf("message: got %q", body["error"])
	}
	if ra := w.Header().Get("Retry-After"); ra != "300" {
		t.Errorf("expected Retry-After: 300, got %q", ra)
	}

	w = httptest.NewRecorder()
	mm.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest("HEAD", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/healthz should bypass maintenance, got %d", w.Code)
	}
}

func TestMaintenance_NoTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mm := NewMaintenanceMode(db)
	if mm.Active() {
		t.Error("expected maintenance off when table missing")
	}
}

func TestMaintenance_Toggle(t *testing.T) {
	db := setupShieldDB(t)
	mm := NewMaintenanceMode(db)

	db.Exec(`UPDATE maintenance SET active = 1 WHERE id = 1`)
	mm.Reload()
	if !mm.Active() {
		t.Fatal("expected on after toggle")
	}
	if err := mm.Set(false, ""); err != nil {
		t.Fatal(err)
	}
	if mm.Active() {
		t.Fatal("expected off after Set(false)")
	}
}

// --- RateLimiter ---

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	db := setupShieldDB(t)
	rl := NewRateLimiter(db, "/healthz")
	if err := rl.SetRule("POST /v1/snapshots", RateLimitConfig{MaxRequests: 2, WindowSeconds: 60, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	h := rl.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest("POST", "/v1/snapshots", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes: got %v", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest("POST", "/v1/snapshots", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("second client: got %d", w.Code)
	}
}

func TestRateLimiter_NoRuleUnlimited(t *testing.T) {
	db := setupShieldDB(t)
	h := NewRateLimiter(db).Middleware(okHandler())
	for i := range 100 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions", nil))
		if w.Code != 200 {
			t.Fatalf("request %d: got %d", i, w.Code)
		}
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.7" {
		t.Fatalf("xff: got %q", got)
	}
	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := ExtractIP(req); got != "192.0.2.1" {
		t.Fatalf("remote addr: got %q", got)
	}
}

// --- Body, trace, headers ---

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader("0123456789")))
	if readErr == nil {
		t.Fatal("expected error reading past limit")
	}
}

func TestTraceID(t *testing.T) {
	var traceID, requestID, sessionID string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = kit.GetTraceID(r.Context())
		requestID = kit.GetRequestID(r.Context())
		sessionID = kit.GetSessionID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("no request logger")
		}
	}))
	req := httptest.NewRequest("POST", "/v1/snapshots", nil)
	req.Header.Set("X-Request-ID", "req_9")
	req.Header.Set("X-Session-ID", "ses_4")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if len(traceID) != 8 || w.Header().Get("X-Trace-ID") != traceID {
		t.Fatalf("trace id: ctx %q header %q", traceID, w.Header().Get("X-Trace-ID"))
	}
	if requestID != "req_9" || sessionID != "ses_4" {
		t.Fatalf("ids: request %q session %q", requestID, sessionID)
	}
}

func TestCollectorStack_Headers(t *testing.T) {
	db := setupShieldDB(t)
	stack, _, _ := CollectorStack(db, 1<<20)
	var h http.Handler = okHandler()
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/sessions", nil))
	if w.Header().Get("X-Content-Type-Options") != "nosniff" || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("headers: %v", w.Header())
	}
}
