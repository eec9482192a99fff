package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/net/netutil"
)

// ListenOptions describes how a listener is bound.
type ListenOptions struct {
	Host string
	Port int

	// ReusePort sets SO_REUSEPORT so several workers can bind the same address.
	ReusePort bool

	// MaxConnections caps concurrently open connections, 0 means unlimited.
	MaxConnections int

	// TLSConfig wraps accepted connections in TLS when non-nil.
	TLSConfig *tls.Config
}

// Address returns host:port.
func (o ListenOptions) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Listen binds a TCP listener according to o.
func Listen(ctx context.Context, o ListenOptions) (net.Listener, error) {
	var lc net.ListenConfig
	if o.ReusePort {
		if !ReusePortSupported {
			return nil, fmt.Errorf("failed to bind TCP listener on %s: SO_REUSEPORT is not supported on this platform", o.Address())
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", o.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to bind TCP listener on %s: %w", o.Address(), err)
	}

	if o.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, o.MaxConnections)
	}
	if o.TLSConfig != nil {
		ln = tls.NewListener(ln, o.TLSConfig)
	}
	return ln, nil
}
