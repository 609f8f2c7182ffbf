package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"deskline/api/internal/auth"
	"deskline/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore, pub *fakePublisher) *HTTPServer {
	t.Helper()
	return NewHTTPServer(newTestService(fs, pub), "*", zerolog.Nop())
}

func tokenFor(t *testing.T, actor Actor) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testConfig().JWTSecret), actor.ID, actor.Name, string(actor.Role), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 && rr.Body.Bytes()[0] == '{' {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil)

	rr, payload := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		busReady   bool
		wantStatus int
	}{
		{name: "ready", busReady: true, wantStatus: http.StatusOK},
		{name: "database down", pingErr: errors.New("connection refused"), busReady: true, wantStatus: http.StatusServiceUnavailable},
		{name: "bus connecting", wantStatus: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{pingFn: func(context.Context) error { return tc.pingErr }}
			server := newTestServer(t, fs, &fakePublisher{ready: tc.busReady})

			rr, payload := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d body=%s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if payload["ok"] != (tc.wantStatus == http.StatusOK) {
				t.Fatalf("unexpected ok flag %v", payload["ok"])
			}
		})
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil)
	expired, err := auth.IssueToken([]byte(testConfig().JWTSecret), employee.ID, employee.Name, "employee", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	for _, token := range []string{"", "not-a-jwt", expired} {
		rr, payload := doRequest(t, server, http.MethodGet, "/api/departments/d-1/messages", token, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected status 401, got %d", token, rr.Code)
		}
		if payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("expected code UNAUTHORIZED, got %v", payload["code"])
		}
	}
}

func TestCreateAndListMessagesOverHTTP(t *testing.T) {
	pub := &fakePublisher{ready: true}
	server := newTestServer(t, &fakeStore{}, pub)
	token := tokenFor(t, employee)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/departments/d-1/messages", token, `{"type":"TEXT","content":"hello"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["senderId"] != employee.ID || payload["content"] != "hello" {
		t.Fatalf("unexpected message payload %v", payload)
	}
	if len(pub.keys()) != 1 {
		t.Fatalf("expected one published event, got %v", pub.keys())
	}

	rr, _ = doRequest(t, server, http.MethodGet, "/api/departments/d-1/messages?page=1&limit=20", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := bytes.TrimSpace(rr.Body.Bytes()); string(got) != "[]" {
		t.Fatalf("expected an empty list, got %s", got)
	}

	rr, payload = doRequest(t, server, http.MethodGet, "/api/departments/d-1/messages?limit=abc", token, "")
	if rr.Code != http.StatusBadRequest || payload["code"] != "BAD_REQUEST" {
		t.Fatalf("expected BAD_REQUEST, got %d %v", rr.Code, payload)
	}
}

func TestValidationErrorsCarryFieldDetails(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil)

	rr, payload := doRequest(t, server, http.MethodPost, "/api/departments/d-1/messages", tokenFor(t, employee), `{"type":"DOCUMENT","documentName":"Invoice"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
	details, _ := payload["details"].(map[string]any)
	if details["documentNumber"] != "required_if" {
		t.Fatalf("expected documentNumber detail, got %v", payload["details"])
	}
}

func TestDomainErrorsMapToStatus(t *testing.T) {
	fs := &fakeStore{
		getApprovalScopeFn: func(context.Context, string) (store.ApprovalScope, error) {
			return pendingScope(true), nil
		},
		getMessageFn: func(context.Context, string) (store.Message, error) {
			return storedMessage("m-1", "d-1", colleague.ID, store.MessageText), nil
		},
	}
	server := newTestServer(t, fs, nil)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		actor      Actor
		wantStatus int
		wantCode   string
	}{
		{name: "approve in disabled department", method: http.MethodPost, path: "/api/documents/doc-1/approve", body: `{}`, actor: superAdmin, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "edit someone else's message", method: http.MethodPut, path: "/api/messages/m-1", body: `{"content":"x"}`, actor: employee, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "edit history as employee", method: http.MethodGet, path: "/api/messages/m-1/edits", actor: employee, wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "reject without body", method: http.MethodPost, path: "/api/documents/doc-1/reject", actor: manager, wantStatus: http.StatusBadRequest, wantCode: "INVALID_BODY"},
		{name: "unknown route", method: http.MethodGet, path: "/api/widgets/1", actor: employee, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "unsupported method", method: http.MethodPatch, path: "/api/messages/m-1", actor: employee, wantStatus: http.StatusMethodNotAllowed, wantCode: "METHOD_NOT_ALLOWED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := doRequest(t, server, tc.method, tc.path, tokenFor(t, tc.actor), tc.body)
			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d body=%s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			if payload["code"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, payload["code"])
			}
		})
	}
}

func TestServerErrorsAreOpaque(t *testing.T) {
	fs := &fakeStore{
		listMessagesFn: func(context.Context, string, int, int) ([]store.Message, error) {
			return nil, errors.New("pq: relation does not exist")
		},
	}
	server := newTestServer(t, fs, nil)

	rr, payload := doRequest(t, server, http.MethodGet, "/api/departments/d-1/messages", tokenFor(t, employee), "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if payload["error"] != "Server error" {
		t.Fatalf("internal error leaked: %v", payload["error"])
	}
}

func TestNotificationRoutes(t *testing.T) {
	created := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listNotificationsFn: func(_ context.Context, recipientID string, limit, offset int) ([]store.Notification, error) {
			if recipientID != employee.ID {
				t.Fatalf("listed notifications for %s", recipientID)
			}
			return []store.Notification{{ID: "n-1", RecipientID: recipientID, MessageID: "m-1", Title: "Finance", Body: "hello", CreatedAt: created}}, nil
		},
		markNotificationReadFn: func(_ context.Context, id, _ string) (bool, error) {
			return id == "n-1", nil
		},
	}
	server := newTestServer(t, fs, nil)
	token := tokenFor(t, employee)

	rr, _ := doRequest(t, server, http.MethodGet, "/api/notifications", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var items []NotificationView
	if err := json.Unmarshal(rr.Body.Bytes(), &items); err != nil {
		t.Fatalf("parse notifications: %v", err)
	}
	if len(items) != 1 || items[0].Read {
		t.Fatalf("unexpected notifications %+v", items)
	}

	rr, _ = doRequest(t, server, http.MethodPost, "/api/notifications/n-1/read", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	rr, _ = doRequest(t, server, http.MethodPost, "/api/notifications/n-2/read", token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestRealtimeMount(t *testing.T) {
	server := newTestServer(t, &fakeStore{}, nil)

	rr, _ := doRequest(t, server, http.MethodGet, "/ws", "", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a gateway, got %d", rr.Code)
	}

	server.WithRealtime(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr, _ = doRequest(t, server, http.MethodGet, "/ws", "", "")
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected the gateway to handle /ws, got %d", rr.Code)
	}
}
