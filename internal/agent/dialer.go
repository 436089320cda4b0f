package agent

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// EgressDialer reaches the relay's control-channel endpoint through a
// corporate egress proxy, for agents that sit on a network where only
// one outbound path (a socks5 or http-connect proxy) is permitted.
// Unlike a general-purpose proxy dialer it has exactly one caller
// (ConnectTunnel) and exactly one destination for the lifetime of the
// process: the relay's dial address. It does not need to support
// arbitrary targets, only whatever net/http/websocket hands it as a
// NetDialContext.
type EgressDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// NewEgressDialer parses the configured proxy URL. Supported schemes
// are socks5, socks5h, http and https; anything else is rejected up
// front so a typo in AGENT_PROXY_URL fails at startup rather than on
// the first reconnect attempt.
func NewEgressDialer(rawURL string, timeout time.Duration) (*EgressDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
	return &EgressDialer{proxyURL: u, timeout: timeout}, nil
}

// DialContext connects to the relay through the configured proxy. The
// network/addr signature is dictated by websocket.Dialer.NetDialContext,
// not by any need of this dialer's own to generalize across targets;
// addr is always the relay's host:port for the lifetime of an agent
// process.
func (d *EgressDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch strings.ToLower(d.proxyURL.Scheme) {
	case "socks5", "socks5h":
		return d.dialSOCKS5(ctx, addr)
	default: // http, https
		return d.dialHTTPConnect(ctx, addr)
	}
}

// dialSOCKS5 relays the connection to the relay through a socks5
// proxy, forwarding the proxy's own basic-auth credentials if the
// configured proxy URL carries a userinfo component.
func (d *EgressDialer) dialSOCKS5(ctx context.Context, relayAddr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", relayAddr)
	}
	return dialer.Dial("tcp", relayAddr)
}

// dialHTTPConnect opens a plain TCP connection to the proxy and issues
// a CONNECT tunnelling request for the relay's address, the way a
// browser would punch through a corporate HTTP proxy.
func (d *EgressDialer) dialHTTPConnect(ctx context.Context, relayAddr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if !strings.Contains(proxyHost, ":") {
		if d.proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	conn, err := (&net.Dialer{Timeout: d.timeout}).DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to http proxy: %w", err)
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", relayAddr, relayAddr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", creds)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := readStatusLine(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("proxy refused connect to relay: %s", strings.TrimSpace(status))
	}
	return conn, nil
}

// readStatusLine reads the proxy's response status line and drains
// the rest of the header block so the connection is left positioned
// at the start of the tunnelled byte stream.
func readStatusLine(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading status line: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == "" {
			break
		}
	}
	return statusLine, nil
}
