package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(baseURL string, strict bool) *Client {
	return NewClient(Options{
		BaseURL:        baseURL,
		Username:       "craft",
		Password:       "craft",
		Policy:         "permissive",
		StrictTeardown: strict,
	}, testLogger())
}

func TestStatusSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/status" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			t.Errorf("expected basic auth on status request")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"uptime": 10})
	}))
	defer ts.Close()

	status, err := newTestClient(ts.URL, true).Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, ok := status["uptime"]; !ok {
		t.Fatalf("expected uptime in status, got %v", status)
	}
}

func TestStatusErrorCarriesVerbPathStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such endpoint", http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, true).Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Verb != http.MethodGet || apiErr.Path != "/status" || apiErr.Status != http.StatusNotFound {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
}

func TestIsOnline(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		expects bool
	}{
		{"uptime present", 200, `{"uptime": 10}`, true},
		{"uptime with extras", 200, `{"uptime": 10, "other-key": "value"}`, true},
		{"uptime missing", 200, `{"other-key": "value"}`, false},
		{"not found", 404, `{"other-key": "value"}`, false},
		{"malformed body", 200, `{not json`, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			if got := newTestClient(ts.URL, true).IsOnline(context.Background()); got != tc.expects {
				t.Fatalf("expected %v, got %v", tc.expects, got)
			}
		})
	}
}

func TestIsOnlineConnectionRefused(t *testing.T) {
	if newTestClient("http://127.0.0.1:1", true).IsOnline(context.Background()) {
		t.Fatalf("expected offline when nothing listens")
	}
}

func TestCreateSession(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["policy"] != "permissive" {
			t.Errorf("expected permissive policy, got %q", body["policy"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "my-session-id", "token": "my-session-token"})
	}))
	defer ts.Close()

	session, err := newTestClient(ts.URL, true).CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "my-session-id" || session.Token != "my-session-token" {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestCreateSessionMissingToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "my-session-id"})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL, true).CreateSession(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError for missing token, got %v", err)
	}
}

type teardownServer struct {
	t       *testing.T
	calls   []string
	failOn  map[string]int
	session SessionData
}

func newTeardownServer(t *testing.T) *teardownServer {
	return &teardownServer{
		t:       t,
		failOn:  map[string]int{},
		session: SessionData{ID: "my-session-id", Token: "my-session-token"},
	}
}

func (s *teardownServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.calls = append(s.calls, key)
		if code, ok := s.failOn[key]; ok {
			w.WriteHeader(code)
			return
		}
		switch key {
		case "DELETE /session/my-session-id/token":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["token"] != s.session.Token {
				s.t.Errorf("token revoke body mismatch: %v %v", body, err)
			}
			_, _ = w.Write([]byte(`{}`))
		case "GET /session/my-session-id":
			_, _ = w.Write([]byte(`{"artefacts":[{"metadata":{"name":"hello","type":""}},{"metadata":{"name":"craft-application","type":"application/x.python.wheel"}}]}`))
		case "DELETE /session/my-session-id", "DELETE /resources/my-session-id":
			_, _ = w.Write([]byte(`{}`))
		default:
			s.t.Errorf("unexpected request: %s", key)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestTeardownSessionOrder(t *testing.T) {
	srv := newTeardownServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	report, err := newTestClient(ts.URL, true).TeardownSession(context.Background(), srv.session)
	if err != nil {
		t.Fatalf("teardown: %v", err)
	}

	want := []string{
		"DELETE /session/my-session-id/token",
		"GET /session/my-session-id",
		"DELETE /session/my-session-id",
		"DELETE /resources/my-session-id",
	}
	if len(srv.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), srv.calls)
	}
	for i := range want {
		if srv.calls[i] != want[i] {
			t.Fatalf("call %d: expected %q, got %q", i, want[i], srv.calls[i])
		}
	}

	if len(report.Artefacts) != 2 {
		t.Fatalf("expected 2 artefacts, got %d", len(report.Artefacts))
	}
	if report.Artefacts[1].Metadata.Name != "craft-application" || report.Artefacts[1].Metadata.Type != "application/x.python.wheel" {
		t.Fatalf("unexpected artefact: %+v", report.Artefacts[1])
	}
}

func TestTeardownAbortsOnRevokeFailure(t *testing.T) {
	srv := newTeardownServer(t)
	srv.failOn["DELETE /session/my-session-id/token"] = http.StatusForbidden
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	_, err := newTestClient(ts.URL, true).TeardownSession(context.Background(), srv.session)
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(srv.calls) != 1 {
		t.Fatalf("expected only the revoke call, got %v", srv.calls)
	}
}

func TestTeardownStrictAbortsOnSessionDeleteFailure(t *testing.T) {
	srv := newTeardownServer(t)
	srv.failOn["DELETE /session/my-session-id"] = http.StatusInternalServerError
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	_, err := newTestClient(ts.URL, true).TeardownSession(context.Background(), srv.session)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Path != "/session/my-session-id" || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
	// Strict mode: resources are not touched after the failed delete.
	for _, c := range srv.calls {
		if c == "DELETE /resources/my-session-id" {
			t.Fatalf("resources delete should not run in strict mode after a failure: %v", srv.calls)
		}
	}
}

func TestTeardownBestEffortStillReturnsReport(t *testing.T) {
	srv := newTeardownServer(t)
	srv.failOn["DELETE /session/my-session-id"] = http.StatusInternalServerError
	srv.failOn["DELETE /resources/my-session-id"] = http.StatusInternalServerError
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	report, err := newTestClient(ts.URL, false).TeardownSession(context.Background(), srv.session)
	if err != nil {
		t.Fatalf("best-effort teardown should not fail: %v", err)
	}
	if len(report.Artefacts) != 2 {
		t.Fatalf("expected report despite cleanup failures, got %+v", report)
	}
	if len(srv.calls) != 4 {
		t.Fatalf("expected all four calls attempted, got %v", srv.calls)
	}
}
