package webapi

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the audit log HTTP demo.
//
// Route layout:
//
//	GET  /healthz                     – liveness probe, no auth
//	GET  /api/v1/audit                – search(criteria)
//	POST /api/v1/audit                – log(entry_builder)
//	GET  /api/v1/audit/verify         – verify_all()
//	GET  /api/v1/dashboard            – statistics()
//	GET  /api/v1/compliance/validate  – validate()
//
// pubKey verifies RS256 Bearer tokens on every /api route; pass nil to
// disable JWT validation (tests that only exercise handler logic).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/audit", srv.handleSearchAudit)
		r.Post("/audit", srv.handleLogEntry)
		r.Get("/audit/verify", srv.handleVerifyAll)
		r.Get("/dashboard", srv.handleDashboard)
		r.Get("/compliance/validate", srv.handleComplianceValidate)
	})

	return r
}
