package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoginSendsGitHubToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"token":"jwt","login":"octocat"}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s, err := c.Login(context.Background(), "ghp_x")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if s.Token != "jwt" || s.Login != "octocat" {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestBuildFailureCarriesKindAndLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer jwt" {
			t.Errorf("authorization = %q", got)
		}
		if r.URL.Path != "/api/projects/octo/site/build" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"success":false,"error":"build exited with status 1","error_kind":"BuildCommandError","logs":["npm run build","boom"]}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Build(context.Background(), "jwt", "octo", "site")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Kind != "BuildCommandError" || len(apiErr.Logs) != 2 {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestBackendLogsReadsEnvelopeLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"logs":["listening on 3000"]}`))
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	lines, err := c.BackendLogs(context.Background(), "jwt", "octo", "api")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 1 || lines[0] != "listening on 3000" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	err := c.StopBackend(context.Background(), "jwt", "octo", "api")
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Message != "bad gateway" {
		t.Fatalf("unexpected error %v", err)
	}
}
