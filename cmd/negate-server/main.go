// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
	"github.com/avrorpc/avro-rpc-go/avrotype"
	"github.com/avrorpc/avro-rpc-go/rpcconfig"
	"github.com/avrorpc/avro-rpc-go/rpcotel"
	"github.com/avrorpc/avro-rpc-go/transport"
)

// newStdoutTelemetry builds trace and metric providers that print spans and
// metrics to stdout, enabled by setting AVRORPC_OTEL_STDOUT=1. This keeps
// normal runs quiet while still giving operators a zero-dependency way to
// see what the hook records.
func newStdoutTelemetry() (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, func(context.Context) error, error) {
	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build stdout trace exporter: %w", err)
	}
	metricExp, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build stdout metric exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}
	return tp, mp, shutdown, nil
}

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
	cfgPath := "negate-server.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg := rpcconfig.DefaultRuntimeConfig()
	if _, err := os.Stat(cfgPath); err == nil {
		cfg, err = rpcconfig.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "negate-server: %v\n", err)
			os.Exit(1)
		}
	}

	ts := avrotype.New(false)
	protocol, err := avrorpc.NewProtocol([]byte(mathProtocolJSON), ts, avrorpc.Options{StrictErrors: cfg.StrictErrors})
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-server: build protocol: %v\n", err)
		os.Exit(1)
	}

	if err := protocol.Handle("negate", func(_ context.Context, req any) (any, error) {
		m, ok := req.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("negate: unexpected request shape %T", req)
		}
		n, ok := m["n"].(int32)
		if !ok {
			return nil, fmt.Errorf("negate: field n: unexpected type %T", m["n"])
		}
		return int64(-n), nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "negate-server: register handler: %v\n", err)
		os.Exit(1)
	}

	// serverID distinguishes this process's spans/metrics from other
	// instances behind the same service name, mirroring the teacher's
	// CallContext.ServerID.
	serverID := uuid.NewString()
	otelCfg := rpcotel.DefaultConfig()
	otelCfg.CustomAttributes = append(otelCfg.CustomAttributes, attribute.String("rpc.avro_rpc.server_id", serverID))
	if os.Getenv("AVRORPC_OTEL_STDOUT") == "1" {
		tp, mp, shutdown, err := newStdoutTelemetry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "negate-server: telemetry: %v\n", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		otelCfg.TracerProvider = tp
		otelCfg.MeterProvider = mp
	}
	hook := rpcotel.NewHook(cfg.ServiceName, otelCfg)

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-server: listen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("negate-server listening on %s\n", ln.Addr())

	err = transport.ServeTCP(ln, func(conn avrorpc.Duplex) {
		protocol.CreateListener(conn, avrorpc.ListenerOptions{Hook: hook})
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "negate-server: serve: %v\n", err)
		os.Exit(1)
	}
}
