package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"querydeck/api/internal/csrf"
)

func TestValidationErrorsReturn400(t *testing.T) {
	server := newTestServer(newTestService(newMemStore()))
	session, token := registerViaHTTP(t, server, "ada@example.com")

	req := httptest.NewRequest(http.MethodPost, "/teams",
		bytes.NewBufferString(`{"name":"   "}`))
	req.AddCookie(session)
	req.AddCookie(token)
	req.Header.Set(csrf.HeaderName, token.Value)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected code VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestUnexpectedErrorIsSanitizedAndLogged(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	core, observed := observer.New(zapcore.ErrorLevel)
	server := newTestServerWithLogger(svc, zap.New(core).Sugar())

	session, _ := registerViaHTTP(t, server, "ada@example.com")

	// Every transaction fails from here on, as if the database dropped.
	ms.txErr = errors.New("connection reset by peer")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(session)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload["code"] != "SERVER_ERROR" {
		t.Fatalf("expected code SERVER_ERROR, got %v", payload["code"])
	}
	if payload["error"] == "connection reset by peer" {
		t.Fatalf("underlying error leaked to the client: %v", payload["error"])
	}

	entries := observed.FilterMessage("request failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 error log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["requestId"] == "" || fields["requestId"] == nil {
		t.Errorf("expected a request id in the error log, got %v", fields["requestId"])
	}
	if fields["requestId"] != rr.Header().Get("X-Request-ID") {
		t.Errorf("log request id %v does not match response header %q",
			fields["requestId"], rr.Header().Get("X-Request-ID"))
	}
	if fields["path"] != "/auth/me" {
		t.Errorf("expected path /auth/me in the error log, got %v", fields["path"])
	}
	if _, ok := fields["error"]; !ok {
		t.Errorf("expected the underlying error in the log fields")
	}
}

func TestDomainErrorsAreNotLoggedAsFailures(t *testing.T) {
	svc := newTestService(newMemStore())
	core, observed := observer.New(zapcore.ErrorLevel)
	server := newTestServerWithLogger(svc, zap.New(core).Sugar())

	session, token := registerViaHTTP(t, server, "ada@example.com")

	req := httptest.NewRequest(http.MethodPost, "/teams",
		bytes.NewBufferString(`{"name":""}`))
	req.AddCookie(session)
	req.AddCookie(token)
	req.Header.Set(csrf.HeaderName, token.Value)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if n := observed.Len(); n != 0 {
		t.Fatalf("expected no error log entries for a client error, got %d", n)
	}
}
