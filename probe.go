package camaudit

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ProbePort reports whether a TCP connection to addr:port can be established
// within timeout. Refusal, unreachability and timeout all read as false; the
// connection is closed immediately on success.
func ProbePort(ctx context.Context, addr string, port int, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ScanPorts probes each port in turn and returns the open subset. Scanning
// stops early when ctx is cancelled.
func ScanPorts(ctx context.Context, addr string, ports []int, timeout time.Duration) PortSet {
	open := NewPortSet()
	for _, p := range ports {
		if ctx.Err() != nil {
			return open
		}
		if ProbePort(ctx, addr, p, timeout) {
			open.Add(p)
		}
	}
	return open
}
