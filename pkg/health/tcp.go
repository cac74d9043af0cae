package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker performs TCP-based health checks
type TCPChecker struct {
	// Address is the TCP address to connect to (e.g., "127.0.0.1:4096")
	Address string

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the connection timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

// WaitForTCP polls addr every interval until a connection succeeds or ctx
// ends. Its signature matches runtime.ReadinessFunc once interval is bound.
func WaitForTCP(interval time.Duration) func(ctx context.Context, addr string) error {
	return func(ctx context.Context, addr string) error {
		checker := NewTCPChecker(addr).WithTimeout(interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last Result
		for {
			last = checker.Check(ctx)
			if last.Healthy {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", last.Message, ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
