package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/tunnel/internal/protocol"
)

// RequestHandler executes tunnelled requests against the local
// backend and builds the tunnel-response frame to send back.
type RequestHandler struct {
	targetBase string
	client     *http.Client
}

// NewRequestHandler creates a handler forwarding to the given local
// backend address (host:port).
func NewRequestHandler(localAddr string, timeout time.Duration) *RequestHandler {
	return &RequestHandler{
		targetBase: "http://" + localAddr,
		client:     &http.Client{Timeout: timeout},
	}
}

// Handle executes a tunnel-request frame against the local backend and
// returns the tunnel-response frame to write back, correlated by the
// same id. Local I/O failures are reported as a synthetic 502 rather
// than propagated, since there is no caller left to return an error
// to.
func (h *RequestHandler) Handle(req *protocol.Frame) *protocol.Frame {
	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return h.errorResponse(req.ID, http.StatusBadGateway, "invalid request body: "+err.Error())
	}

	targetURL := h.targetBase + req.Path
	slog.Debug("forwarding request to local backend", "method", req.Method, "url", targetURL)

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	// a zero timeout means no timeout, as for http.Client.
	ctx := context.Background()
	if h.client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.client.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bodyReader)
	if err != nil {
		return h.errorResponse(req.ID, http.StatusBadGateway, "building backend request: "+err.Error())
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "host") || strings.EqualFold(k, "connection") || strings.EqualFold(k, "upgrade") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return h.errorResponse(req.ID, http.StatusBadGateway, "local backend unreachable: "+err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.errorResponse(req.ID, http.StatusBadGateway, "reading backend response: "+err.Error())
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if strings.EqualFold(k, "transfer-encoding") {
			continue
		}
		if len(v) > 0 {
			headers[k] = strings.Join(v, ", ")
		}
	}

	return &protocol.Frame{
		Type:    protocol.TypeTunnelResponse,
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    protocol.EncodeBody(respBody),
	}
}

// errorResponse builds a synthetic tunnel-response frame describing a
// local forwarding failure as a small JSON body, matching the relay's
// own error-response convention.
func (h *RequestHandler) errorResponse(id string, status int, message string) *protocol.Frame {
	body, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		body = []byte(`{"error":"tunnel agent failure"}`)
	}
	return &protocol.Frame{
		Type:    protocol.TypeTunnelResponse,
		ID:      id,
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    protocol.EncodeBody(body),
	}
}
