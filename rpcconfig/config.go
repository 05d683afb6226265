// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rpcconfig loads the TOML runtime configuration for an avrorpc
// emitter or listener process: transport address, frame size, handshake
// timeout, strict-errors flag, and telemetry service name.
package rpcconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RuntimeConfig is the process-level configuration for a service built on
// avrorpc.
type RuntimeConfig struct {
	// Addr is the TCP address to listen on or dial, e.g. ":9001".
	Addr string
	// FrameSize is the configured wire frame size. Nothing in this module
	// applies it: avrorpc sessions always frame with their built-in 16 KiB
	// frame size.
	FrameSize int
	// HandshakeTimeout is the configured handshake timeout. Nothing in this
	// module applies it: avrorpc emitters put no time limit on the
	// handshake.
	HandshakeTimeout time.Duration
	// StrictErrors mirrors avrorpc.Options.StrictErrors.
	StrictErrors bool
	// ServiceName is the rpc.service attribute reported to rpcotel.
	ServiceName string
}

// DefaultRuntimeConfig returns the configuration used when a field is left
// unset in the TOML file.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		Addr:             ":9001",
		FrameSize:        16 * 1024,
		HandshakeTimeout: 10 * time.Second,
		ServiceName:      "avro-rpc",
	}
}

type fileConfig struct {
	Addr                string `toml:"addr"`
	FrameSize           int    `toml:"frame_size"`
	HandshakeTimeout    string `toml:"handshake_timeout"`
	HandshakeTimeoutMS  int64  `toml:"handshake_timeout_ms"`
	StrictErrors        bool   `toml:"strict_errors"`
	ServiceName         string `toml:"service_name"`
}

// Load reads and validates a RuntimeConfig from a TOML file at path,
// starting from [DefaultRuntimeConfig] and overriding only the keys
// actually present in the file.
func Load(path string) (RuntimeConfig, error) {
	cfg := DefaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("rpcconfig: load %s: %w", path, err)
	}

	if meta.IsDefined("addr") {
		addr := strings.TrimSpace(raw.Addr)
		if addr == "" {
			return RuntimeConfig{}, fmt.Errorf("rpcconfig: addr must not be empty")
		}
		cfg.Addr = addr
	}
	if meta.IsDefined("frame_size") {
		if raw.FrameSize <= 0 {
			return RuntimeConfig{}, fmt.Errorf("rpcconfig: frame_size must be positive")
		}
		cfg.FrameSize = raw.FrameSize
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("rpcconfig: parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("handshake_timeout_ms") {
		cfg.HandshakeTimeout = time.Duration(raw.HandshakeTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("strict_errors") {
		cfg.StrictErrors = raw.StrictErrors
	}
	if meta.IsDefined("service_name") {
		name := strings.TrimSpace(raw.ServiceName)
		if name == "" {
			return RuntimeConfig{}, fmt.Errorf("rpcconfig: service_name must not be empty")
		}
		cfg.ServiceName = name
	}

	return cfg, nil
}
