package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/git-hunters/githunters/internal/database"
	"github.com/git-hunters/githunters/internal/database/memory"
	"github.com/git-hunters/githunters/internal/logging"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuth(t *testing.T) (*AuthMiddleware, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewAuthMiddleware(testSecret, time.Hour, store, logging.Discard()), store
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if env.Success {
		t.Fatalf("expected failure envelope, got %s", rec.Body.String())
	}
	return env.Code
}

// =============================================================================
// Auth
// =============================================================================

func TestAuthMiddleware_IssueAndAuthenticate(t *testing.T) {
	auth, store := newTestAuth(t)
	user := &database.User{ID: "user-1", Address: "0xabc"}

	token, expires, err := auth.Issue(context.Background(), user, AuthMethodWallet)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Errorf("expires = %v, want about 1h from now", expires)
	}
	if _, err := store.GetSession(context.Background(), HashToken(token)); err != nil {
		t.Fatalf("session not recorded: %v", err)
	}

	var gotClaims *Claims
	var gotToken string
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = ClaimsFromContext(r.Context())
		gotToken = TokenFromContext(r.Context())
		if logging.GetUserID(r.Context()) != "user-1" {
			t.Errorf("logging.GetUserID = %q", logging.GetUserID(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotClaims == nil || gotClaims.Address != "0xabc" || gotClaims.AuthMethod != AuthMethodWallet {
		t.Fatalf("claims = %+v", gotClaims)
	}
	if gotToken != token {
		t.Fatal("token not stored in context")
	}
}

func TestAuthMiddleware_Handler_Rejects(t *testing.T) {
	auth, _ := newTestAuth(t)
	valid, _, err := auth.Issue(context.Background(), &database.User{ID: "u"}, AuthMethodGitHub)
	if err != nil {
		t.Fatal(err)
	}

	expired := func() string {
		claims := &Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		return s
	}()
	wrongKey := func() string {
		claims := &Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-secret-another-secret-xx"))
		return s
	}()
	noneAlg := func() string {
		claims := &Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		s, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		return s
	}()

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing header", "", "UNAUTHORIZED"},
		{"no bearer prefix", valid, "UNAUTHORIZED"},
		{"wrong prefix", "Basic " + valid, "UNAUTHORIZED"},
		{"empty token", "Bearer ", "UNAUTHORIZED"},
		{"garbage", "Bearer not.a.jwt", "INVALID_TOKEN"},
		{"expired", "Bearer " + expired, "INVALID_TOKEN"},
		{"wrong key", "Bearer " + wrongKey, "INVALID_TOKEN"},
		{"alg none", "Bearer " + noneAlg, "INVALID_TOKEN"},
	}

	handler := auth.Handler(okHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

func TestAuthMiddleware_Revoke(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()

	token, _, err := auth.Issue(ctx, &database.User{ID: "u"}, AuthMethodWallet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := auth.Authenticate(ctx, token); err != nil {
		t.Fatalf("Authenticate before revoke: %v", err)
	}
	if err := auth.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := auth.Authenticate(ctx, token); err == nil {
		t.Fatal("revoked token still accepted")
	}
}

func TestAuthMiddleware_SessionExpiry(t *testing.T) {
	auth, _ := newTestAuth(t)
	ctx := context.Background()
	start := time.Now()
	auth.now = func() time.Time { return start }

	token, _, err := auth.Issue(ctx, &database.User{ID: "u"}, AuthMethodWallet)
	if err != nil {
		t.Fatal(err)
	}
	auth.now = func() time.Time { return start.Add(2 * time.Hour) }
	if _, err := auth.Authenticate(ctx, token); err == nil {
		t.Fatal("expired token accepted")
	}
}

// =============================================================================
// CORS
// =============================================================================

func TestCORSMiddleware(t *testing.T) {
	cors := NewCORSMiddleware([]string{"http://localhost:3000/", "chrome-extension://abcdef"})
	handler := cors.Handler(okHandler())

	tests := []struct {
		name      string
		origin    string
		method    string
		wantAllow string
		wantCode  int
	}{
		{"allowed origin", "http://localhost:3000", http.MethodGet, "http://localhost:3000", http.StatusOK},
		{"extension origin", "chrome-extension://abcdef", http.MethodGet, "chrome-extension://abcdef", http.StatusOK},
		{"suffix attack", "http://evil-localhost:3000", http.MethodGet, "", http.StatusOK},
		{"preflight", "http://localhost:3000", http.MethodOptions, "http://localhost:3000", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/contracts/repos", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.method == http.MethodOptions {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}

	if !NewCORSMiddleware([]string{"*"}).IsOriginAllowed("https://anything.example") {
		t.Error("wildcard should allow any origin")
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	handler := rl.Handler(okHandler())

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("10.0.0.1:1000"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := do("10.0.0.1:2000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 (same IP, different port)", rec.Code)
	}
	if code := errorCode(t, rec); code != "RATE_LIMITED" {
		t.Errorf("code = %s", code)
	}
	if rec := do("10.0.0.2:1000"); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}

	if n := rl.Cleanup(-time.Second); n != 2 {
		t.Errorf("Cleanup removed %d, want 2", n)
	}
}

// =============================================================================
// Tracing and metrics
// =============================================================================

func TestTracingMiddleware(t *testing.T) {
	var seen string
	handler := NewTracingMiddleware(logging.Discard()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "trace-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "trace-123" || rec.Header().Get("X-Trace-ID") != "trace-123" {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", seen, rec.Header().Get("X-Trace-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("trace id not generated")
	}
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)
	r.HandleFunc("/api/contracts/pools/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/contracts/pools/octocat/hello", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("status = %d", rec.Code)
	}
}
