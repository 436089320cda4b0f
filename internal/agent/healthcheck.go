package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// LocalHealthCheck confirms the configured local backend is reachable
// before the agent offers a tunnel for it, and keeps checking
// periodically while the tunnel is open.
type LocalHealthCheck struct {
	addr    string
	timeout time.Duration
}

// NewLocalHealthCheck creates a checker for the given local backend
// address.
func NewLocalHealthCheck(addr string, timeout time.Duration) *LocalHealthCheck {
	return &LocalHealthCheck{addr: addr, timeout: timeout}
}

// Check dials the local backend and reports whether it accepted a
// connection within the timeout.
func (c *LocalHealthCheck) Check(ctx context.Context) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("local backend %s unreachable: %w", c.addr, err)
	}
	conn.Close()
	return nil
}

// StartPeriodicCheck runs the health check at the given interval.
// Returns a stop function and an error channel that signals once the
// check fails. The caller closing stop before a failure discards the
// channel.
func StartPeriodicCheck(c *LocalHealthCheck, interval time.Duration) (stop func(), failed <-chan error) {
	done := make(chan struct{})
	errCh := make(chan error, 1)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
				err := c.Check(ctx)
				cancel()
				if err != nil {
					slog.Error("periodic local backend check failed", "err", err)
					select {
					case errCh <- err:
					default:
					}
					return
				}
				slog.Debug("periodic local backend check passed")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
	}, errCh
}
