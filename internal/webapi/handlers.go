package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/qmsforge/auditcore/internal/auditlog"
	"github.com/qmsforge/auditcore/internal/entrymodel"
	"github.com/qmsforge/auditcore/internal/search"
)

// Server holds the auditlog facade every handler calls into. It owns no
// state of its own, mirroring the teacher's rest.Server being a thin
// wrapper around a Store.
type Server struct {
	log *auditlog.Log
}

// NewServer returns a Server backed by log.
func NewServer(log *auditlog.Log) *Server {
	return &Server{log: log}
}

// handleHealthz responds to GET /healthz without authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSearchAudit responds to GET /api/v1/audit.
//
// Supported query parameters: user, action, entity_type, entity_id,
// details, from (RFC3339), to (RFC3339), limit, offset.
func (s *Server) handleSearchAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	c := search.Criteria{
		User:           q.Get("user"),
		Action:         q.Get("action"),
		EntityType:     q.Get("entity_type"),
		EntityID:       q.Get("entity_id"),
		DetailsKeyword: q.Get("details"),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'from' must be RFC3339")
			return
		}
		c.DateStart = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'to' must be RFC3339")
			return
		}
		c.DateEnd = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		c.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		c.Offset = n
	}

	res, err := s.log.Search(c)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if res.Entries == nil {
		res.Entries = []entrymodel.Entry{}
	}
	writeJSON(w, http.StatusOK, res)
}

// postAuditEntry is the request body of POST /api/v1/audit.
type postAuditEntry struct {
	Action     entrymodel.Action `json:"action"`
	OtherLabel string            `json:"other_label,omitempty"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	OldValue   string            `json:"old_value,omitempty"`
	NewValue   string            `json:"new_value,omitempty"`
	Details    string            `json:"details,omitempty"`
}

// handleLogEntry responds to POST /api/v1/audit by appending one entry,
// attributed to the JWT-bound session (see JWTMiddleware).
func (s *Server) handleLogEntry(w http.ResponseWriter, r *http.Request) {
	var body postAuditEntry
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	id, err := s.log.LogEntry(r.Context(), entrymodel.Builder{
		Action:     body.Action,
		OtherLabel: body.OtherLabel,
		EntityType: body.EntityType,
		EntityID:   body.EntityID,
		OldValue:   body.OldValue,
		NewValue:   body.NewValue,
		Details:    body.Details,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// handleVerifyAll responds to GET /api/v1/audit/verify.
func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.log.VerifyAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	status := http.StatusOK
	if !res.Verified {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// handleDashboard responds to GET /api/v1/dashboard.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.log.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate dashboard")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleComplianceValidate responds to GET /api/v1/compliance/validate.
func (s *Server) handleComplianceValidate(w http.ResponseWriter, r *http.Request) {
	v, err := s.log.Validate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	writeJSON(w, http.StatusOK, v)
}
