// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import "fmt"

// ErrorKind classifies an error raised by the core, mirroring spec.md §7's
// taxonomy.
type ErrorKind string

const (
	KindProtocolDefinition ErrorKind = "protocol_definition"
	KindHandshake          ErrorKind = "handshake"
	KindCompatibility      ErrorKind = "compatibility"
	KindTransportFrame     ErrorKind = "transport_frame"
	KindCall               ErrorKind = "call"
)

// RpcError is the error type the core itself raises (as opposed to
// user-declared error-union values, which travel as plain `any`).
type RpcError struct {
	Kind    ErrorKind
	Message string
}

func (e *RpcError) Error() string {
	return e.Message
}

func newCallError(format string, args ...any) *RpcError {
	return &RpcError{Kind: KindCall, Message: fmt.Sprintf(format, args...)}
}

func newHandshakeError(format string, args ...any) *RpcError {
	return &RpcError{Kind: KindHandshake, Message: fmt.Sprintf(format, args...)}
}

func newCompatibilityError(format string, args ...any) *RpcError {
	return &RpcError{Kind: KindCompatibility, Message: fmt.Sprintf(format, args...)}
}

func newTransportFrameError(format string, args ...any) *RpcError {
	return &RpcError{Kind: KindTransportFrame, Message: fmt.Sprintf(format, args...)}
}

// ErrInterrupted is delivered to pending callbacks that are cut off by
// destroy(noWait=true) or by the transport ending unexpectedly.
var ErrInterrupted = &RpcError{Kind: KindCall, Message: "interrupted"}

// ErrDestroyed is returned synchronously by emit calls made after destroy
// has started.
var ErrDestroyed = &RpcError{Kind: KindCall, Message: "destroyed"}
