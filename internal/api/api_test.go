package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func testServer() *Server {
	return New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func TestHealthz(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestHandleEvalRejectsMalformedJSON(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEvalRejectsMalformedToken(t *testing.T) {
	s := testServer()
	body, _ := json.Marshal(evalRequest{Code: "1+1;", Token: "not-a-uuid"})
	req := httptest.NewRequest(http.MethodPost, "/eval", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleReleaseRequiresTokenQueryParam(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/release", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	id := uuid.New()
	tok, err := parseToken(id.String())
	if err != nil {
		t.Fatalf("parseToken: %v", err)
	}
	if tok.String() != id.String() {
		t.Fatalf("round-trip mismatch: got %s, want %s", tok.String(), id.String())
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := parseToken("garbage"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
