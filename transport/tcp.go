// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

// DialTCP opens a stateful Duplex to addr, suitable for
// Protocol.CreateEmitter.
func DialTCP(ctx context.Context, addr string) (avrorpc.Duplex, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// ServeTCP accepts connections on ln and invokes onAccept for each one with
// a Duplex wrapping the accepted connection, until ln is closed.
func ServeTCP(ln net.Listener, onAccept func(avrorpc.Duplex)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		onAccept(conn)
	}
}

// tcpChannel adapts a net.Conn into a StatelessChannel: CloseWrite
// half-closes the write side (TCP FIN) without releasing the read side, so
// a reply can still arrive after the request has been fully sent.
type tcpChannel struct{ *net.TCPConn }

var _ avrorpc.StatelessChannel = tcpChannel{}

// DialStatelessTCP returns a ChannelFactory that dials a fresh TCP
// connection for every call (spec.md §4.5).
func DialStatelessTCP(addr string) avrorpc.ChannelFactory {
	return func(ctx context.Context) (avrorpc.StatelessChannel, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			_ = conn.Close()
			return nil, fmt.Errorf("transport: expected *net.TCPConn, got %T", conn)
		}
		return tcpChannel{tc}, nil
	}
}
