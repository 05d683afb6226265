// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpcconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeTOML(t, `
addr = ":9100"
strict_errors = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("got addr %q, want :9100", cfg.Addr)
	}
	if !cfg.StrictErrors {
		t.Fatal("expected strict_errors to be true")
	}
	def := DefaultRuntimeConfig()
	if cfg.FrameSize != def.FrameSize {
		t.Fatalf("frame_size should fall back to default, got %d", cfg.FrameSize)
	}
	if cfg.HandshakeTimeout != def.HandshakeTimeout {
		t.Fatalf("handshake_timeout should fall back to default, got %v", cfg.HandshakeTimeout)
	}
	if cfg.ServiceName != def.ServiceName {
		t.Fatalf("service_name should fall back to default, got %q", cfg.ServiceName)
	}
}

func TestLoadParsesDurationString(t *testing.T) {
	path := writeTOML(t, `handshake_timeout = "2500ms"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HandshakeTimeout != 2500*time.Millisecond {
		t.Fatalf("got %v, want 2500ms", cfg.HandshakeTimeout)
	}
}

func TestLoadParsesHandshakeTimeoutMS(t *testing.T) {
	path := writeTOML(t, `handshake_timeout_ms = 750`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HandshakeTimeout != 750*time.Millisecond {
		t.Fatalf("got %v, want 750ms", cfg.HandshakeTimeout)
	}
}

func TestLoadRejectsEmptyAddr(t *testing.T) {
	path := writeTOML(t, `addr = "   "`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for blank addr")
	}
}

func TestLoadRejectsNonPositiveFrameSize(t *testing.T) {
	path := writeTOML(t, `frame_size = 0`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-positive frame_size")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
