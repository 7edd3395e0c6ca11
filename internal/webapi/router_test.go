package webapi

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/qmsforge/auditcore/internal/auditlog"
	"github.com/qmsforge/auditcore/internal/config"
)

func generateRouterTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func validBearerToken(t *testing.T, priv *rsa.PrivateKey) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		Subject:   "qa-user",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectPath = t.TempDir()
	cfg.IndexEnabled = false

	al, err := auditlog.Initialize(cfg, nil)
	if err != nil {
		t.Fatalf("auditlog.Initialize: %v", err)
	}
	t.Cleanup(func() { _ = al.Close() })
	return NewServer(al)
}

// TestRouter_HealthzNoAuth verifies /healthz is accessible without a JWT.
func TestRouter_HealthzNoAuth(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	h := NewRouter(newTestServer(t), pub)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestRouter_APIRoutesRequireJWT verifies every /api/v1/* route returns 401
// when no Authorization header is present.
func TestRouter_APIRoutesRequireJWT(t *testing.T) {
	_, pub := generateRouterTestKey(t)
	h := NewRouter(newTestServer(t), pub)

	routes := []string{
		"/api/v1/audit",
		"/api/v1/audit/verify",
		"/api/v1/dashboard",
		"/api/v1/compliance/validate",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
	}
}

// TestRouter_LogThenSearch verifies a POST followed by a GET round-trips an
// entry through the audit log's actual writer/search path.
func TestRouter_LogThenSearch(t *testing.T) {
	priv, pub := generateRouterTestKey(t)
	h := NewRouter(newTestServer(t), pub)
	bearer := validBearerToken(t, priv)

	body := `{"action":"Create","entity_type":"Document","entity_id":"DOC-1","details":"created via API"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/audit", strings.NewReader(body))
	req.Header.Set("Authorization", bearer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/audit?entity_id=DOC-1", nil)
	req.Header.Set("Authorization", bearer)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}
