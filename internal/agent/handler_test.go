package agent

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/relaygate/tunnel/internal/protocol"
)

func localAddrOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("splitting test server address: %v", err)
	}
	_, err = strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return host + ":" + portStr
}

func Test_handle_forwards_to_local_backend_and_echoes_response(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/greet" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-From-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer backend.Close()

	h := NewRequestHandler(localAddrOf(t, backend), 2*time.Second)
	resp := h.Handle(&protocol.Frame{
		Type:   protocol.TypeTunnelRequest,
		ID:     "req-1",
		Method: http.MethodGet,
		Path:   "/greet",
	})

	if resp.ID != "req-1" {
		t.Errorf("expected response to carry request id, got %q", resp.ID)
	}
	if resp.Status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
	if resp.Headers["X-From-Backend"] != "yes" {
		t.Errorf("expected header to pass through, got %v", resp.Headers)
	}
	body, _ := protocol.DecodeBody(resp.Body)
	if string(body) != "created" {
		t.Errorf("unexpected body: %q", body)
	}
}

func Test_handle_returns_502_when_backend_unreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to allocate port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close() // guaranteed closed

	h := NewRequestHandler(addr, 500*time.Millisecond)
	resp := h.Handle(&protocol.Frame{Type: protocol.TypeTunnelRequest, ID: "req-2", Method: http.MethodGet, Path: "/x"})

	if resp.Status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Status)
	}
	if resp.ID != "req-2" {
		t.Errorf("expected error response to carry request id, got %q", resp.ID)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("expected json error body, got content-type %q", resp.Headers["Content-Type"])
	}
	body, _ := protocol.DecodeBody(resp.Body)
	var decoded map[string]string
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("expected error body to be valid json, got %q: %v", body, err)
	}
	if decoded["error"] == "" {
		t.Errorf("expected non-empty error message, got %v", decoded)
	}
}

func Test_handle_strips_connection_and_upgrade_headers(t *testing.T) {
	var gotConnection, gotUpgrade string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotUpgrade = r.Header.Get("Upgrade")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := NewRequestHandler(localAddrOf(t, backend), 2*time.Second)
	h.Handle(&protocol.Frame{
		Type:   protocol.TypeTunnelRequest,
		ID:     "req-4",
		Method: http.MethodGet,
		Path:   "/x",
		Headers: map[string]string{
			"Connection": "Upgrade",
			"Upgrade":    "websocket",
		},
	})

	if gotConnection != "" {
		t.Errorf("expected Connection header to be stripped, got %q", gotConnection)
	}
	if gotUpgrade != "" {
		t.Errorf("expected Upgrade header to be stripped, got %q", gotUpgrade)
	}
}

func Test_handle_forwards_request_body(t *testing.T) {
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := NewRequestHandler(localAddrOf(t, backend), 2*time.Second)
	h.Handle(&protocol.Frame{
		Type:   protocol.TypeTunnelRequest,
		ID:     "req-3",
		Method: http.MethodPost,
		Path:   "/submit",
		Body:   protocol.EncodeBody([]byte("payload")),
	})

	if gotBody != "payload" {
		t.Errorf("expected backend to receive request body, got %q", gotBody)
	}
}
