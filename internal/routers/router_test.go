package routers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"codecollab/internal/api"
	"codecollab/internal/models"
	"codecollab/internal/rooms"
)

type stubCoordinator struct{}

func (stubCoordinator) Join(context.Context, rooms.Conn, rooms.Identity, string) (*models.DocInit, error) {
	return nil, rooms.ErrRoomNotFound
}
func (stubCoordinator) Edit(context.Context, string, models.EditRequest) error { return nil }
func (stubCoordinator) ChangeLanguage(context.Context, string, models.Language) error {
	return nil
}
func (stubCoordinator) Leave(context.Context, string) {}
func (stubCoordinator) RunCode(context.Context, string) (models.RunResult, error) {
	return models.RunResult{}, nil
}
func (stubCoordinator) RunRoom(context.Context, string, string) (models.RunResult, error) {
	return models.RunResult{}, rooms.ErrRoomNotFound
}
func (stubCoordinator) Inspect(string, string) (rooms.View, error) {
	return rooms.View{}, rooms.ErrRoomNotFound
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newServer(t *testing.T, pingErr error) *httptest.Server {
	t.Helper()
	h := api.NewHandlers(nil, stubCoordinator{}, stubPinger{err: pingErr})
	server := httptest.NewServer(New(h, []string{"http://localhost:5173"}))
	t.Cleanup(server.Close)
	return server
}

func TestNewRouterEndpoints(t *testing.T) {
	server := newServer(t, nil)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/rooms/r1/state", http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/rooms/r1/run", http.StatusUnauthorized},
		{http.MethodGet, "/ws/rooms", http.StatusUnauthorized},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		req, err := http.NewRequest(tc.method, server.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, resp.StatusCode)
		}
	}
}

func TestReadyzReportsRedisDown(t *testing.T) {
	server := newServer(t, errors.New("connection refused"))
	resp, err := http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	server := newServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/rooms/r1/state", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
}
