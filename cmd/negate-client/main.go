// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
	"github.com/avrorpc/avro-rpc-go/avrotype"
	"github.com/avrorpc/avro-rpc-go/transport"
)

const mathProtocolJSON = `{
  "protocol": "Math",
  "namespace": "com.avrorpc.example",
  "messages": {
    "negate": {
      "request": [{"name": "n", "type": "int"}],
      "response": "long"
    }
  }
}`

func main() {
	addr := ":9001"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	n := int32(20)
	if len(os.Args) > 2 {
		var parsed int
		if _, err := fmt.Sscanf(os.Args[2], "%d", &parsed); err == nil {
			n = int32(parsed)
		}
	}

	ts := avrotype.New(false)
	protocol, err := avrorpc.NewProtocol([]byte(mathProtocolJSON), ts, avrorpc.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-client: build protocol: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.DialTCP(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-client: dial: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	emitter := protocol.CreateEmitter(conn, avrorpc.EmitterOptions{
		OnError: func(err error) { fmt.Fprintf(os.Stderr, "negate-client: session error: %v\n", err) },
	})

	_, err = emitter.Emit(ctx, "negate", map[string]any{"n": n}, func(err error, resp any) {
		defer close(done)
		if err != nil {
			fmt.Fprintf(os.Stderr, "negate-client: call failed: %v\n", err)
			return
		}
		fmt.Printf("negate(%d) = %v\n", n, resp)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-client: emit: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "negate-client: timed out waiting for response")
	}
	emitter.Destroy(false)
}
