package app

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deskline/api/internal/auth"
	"deskline/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	realtime   http.Handler
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger}
}

// WithRealtime mounts the websocket gateway on /ws.
func (s *HTTPServer) WithRealtime(handler http.Handler) *HTTPServer {
	s.realtime = handler
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.URL.Path == "/ws" {
		if s.realtime == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.realtime.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "notifications" {
		s.handleNotifications(w, r, actor, parts[2:])
		return
	}
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "departments":
		s.handleDepartments(w, r, actor, parts[2], parts[3:])
	case "messages":
		s.handleMessages(w, r, actor, parts[2], parts[3:])
	case "documents":
		s.handleDocuments(w, r, actor, parts[2], parts[3:])
	case "companies":
		s.handleCompanies(w, r, actor, parts[2], parts[3:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"bus":      map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	if !s.service.BusReady() {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["bus"] = map[string]any{"status": "connecting"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// /api/departments/{id}/messages[/deleted|/search]
func (s *HTTPServer) handleDepartments(w http.ResponseWriter, r *http.Request, actor Actor, departmentID string, rest []string) {
	if len(rest) == 0 || rest[0] != "messages" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			page, limit, ok := pagination(w, r)
			if !ok {
				return
			}
			payload, err := s.service.ListMessages(r.Context(), departmentID, actor, page, limit)
			respond(w, r, http.StatusOK, payload, err)
		case http.MethodPost:
			var body CreateMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateMessage(r.Context(), departmentID, body, actor)
			respond(w, r, http.StatusCreated, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 2 && r.Method == http.MethodGet {
		switch rest[1] {
		case "deleted":
			payload, err := s.service.DeletedMessages(r.Context(), departmentID, actor)
			respond(w, r, http.StatusOK, payload, err)
			return
		case "search":
			page, limit, ok := pagination(w, r)
			if !ok {
				return
			}
			payload, err := s.service.SearchMessages(r.Context(), departmentID, r.URL.Query().Get("q"), actor, page, limit)
			respond(w, r, http.StatusOK, payload, err)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// /api/messages/{id}[/forward|/edits|/forwards]
func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, actor Actor, messageID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.FindMessage(r.Context(), messageID, actor)
			respond(w, r, http.StatusOK, payload, err)
		case http.MethodPut:
			var body EditMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.EditMessage(r.Context(), messageID, body, actor)
			respond(w, r, http.StatusOK, payload, err)
		case http.MethodDelete:
			payload, err := s.service.DeleteMessage(r.Context(), messageID, actor)
			respond(w, r, http.StatusOK, payload, err)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "forward" && r.Method == http.MethodPost {
		var body ForwardMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ForwardMessage(r.Context(), messageID, body, actor)
		respond(w, r, http.StatusCreated, payload, err)
		return
	}

	if len(rest) == 1 && rest[0] == "edits" && r.Method == http.MethodGet {
		payload, err := s.service.EditHistory(r.Context(), messageID, actor)
		respond(w, r, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 1 && rest[0] == "forwards" && r.Method == http.MethodGet {
		payload, err := s.service.ForwardAudit(r.Context(), messageID, actor)
		respond(w, r, http.StatusOK, payload, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// /api/documents/{id}/approve, /api/documents/{id}/reject
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor Actor, approvalID string, rest []string) {
	if len(rest) != 1 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch rest[0] {
	case "approve":
		payload, err := s.service.ApproveDocument(r.Context(), approvalID, actor)
		respond(w, r, http.StatusOK, payload, err)
	case "reject":
		var body RejectInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.RejectDocument(r.Context(), approvalID, body, actor)
		respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// /api/companies/{id}/documents[/pending]
func (s *HTTPServer) handleCompanies(w http.ResponseWriter, r *http.Request, actor Actor, companyID string, rest []string) {
	if len(rest) == 0 || rest[0] != "documents" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	page, limit, ok := pagination(w, r)
	if !ok {
		return
	}

	switch {
	case len(rest) == 1:
		payload, err := s.service.ListApprovals(r.Context(), companyID, r.URL.Query().Get("status"), actor, page, limit)
		respond(w, r, http.StatusOK, payload, err)
	case len(rest) == 2 && rest[1] == "pending":
		payload, err := s.service.PendingApprovals(r.Context(), companyID, actor, page, limit)
		respond(w, r, http.StatusOK, payload, err)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// /api/notifications, /api/notifications/{id}/read
func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, actor Actor, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		page, limit, ok := pagination(w, r)
		if !ok {
			return
		}
		payload, err := s.service.ListNotifications(r.Context(), actor, page, limit)
		respond(w, r, http.StatusOK, payload, err)
		return
	}

	if len(rest) == 2 && rest[1] == "read" && r.Method == http.MethodPost {
		err := s.service.MarkNotificationRead(r.Context(), rest[0], actor)
		respond(w, r, http.StatusOK, map[string]any{"ok": true}, err)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	actor, err := s.service.ActorFromToken(token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := s.log.With().Str("request_id", requestID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		event := logger.Info()
		if writer.status >= http.StatusInternalServerError {
			event = logger.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets the websocket gateway take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		}
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// pagination reads page and limit; missing values stay zero so the service
// applies its defaults.
func pagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	query := r.URL.Query()
	for _, field := range []struct {
		name   string
		target *int
	}{{"page", &page}, {"limit", &limit}} {
		raw := strings.TrimSpace(query.Get(field.name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", field.name+" must be an integer", nil)
			return 0, 0, false
		}
		*field.target = value
	}
	return page, limit, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrReferenceNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrMessageDeleted) {
		return http.StatusNotFound, "NOT_FOUND", "Message not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
