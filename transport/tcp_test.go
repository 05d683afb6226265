// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

func TestDialTCPAndServeTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan avrorpc.Duplex, 1)
	go func() {
		_ = ServeTCP(ln, func(conn avrorpc.Duplex) {
			accepted <- conn
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialTCP(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()

	var server avrorpc.Duplex
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q, want ping", buf)
	}
}

func TestDialStatelessTCPHalfCloseSignalsEOF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverRead := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		serverRead <- data
	}()

	factory := DialStatelessTCP(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := factory(ctx)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Write([]byte("request body")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ch.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	select {
	case data := <-serverRead:
		if string(data) != "request body" {
			t.Fatalf("got %q, want %q", data, "request body")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server to observe EOF after half-close")
	}
}
