package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/haukened/rr-lookup/internal/lookup/gateways/transport"
)

type queryOptions struct {
	Address string
	TLS     bool
	Timeout time.Duration
}

// runQuery sends every query on one connection and copies each response line to out.
func runQuery(ctx context.Context, out io.Writer, opts queryOptions, queries []string) error {
	conn, err := dialServer(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	for _, q := range queries {
		if opts.Timeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(conn, q+"\n"); err != nil {
			return fmt.Errorf("send query to %s: %w", opts.Address, err)
		}
		resp, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read response from %s: %w", opts.Address, err)
		}
		if _, err := io.WriteString(out, resp); err != nil {
			return err
		}
	}
	return nil
}

func dialServer(ctx context.Context, opts queryOptions) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: opts.Timeout}
	if opts.TLS {
		td := &tls.Dialer{NetDialer: dialer, Config: transport.NewClientTLSConfig()}
		conn, err := td.DialContext(ctx, "tcp", opts.Address)
		if err != nil {
			return nil, fmt.Errorf("connect to %s over TLS: %w", opts.Address, err)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Address, err)
	}
	return conn, nil
}
