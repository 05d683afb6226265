// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package avrorpc implements the core of an Avro RPC runtime: the protocol
// object, its handshake negotiation, the framed wire transport, and the
// emitter/listener state machines that carry typed request/response
// messages between two peers.
//
// # Scope
//
// Avro schema parsing, value encoding/decoding, and schema resolution
// between a writer and a reader schema are NOT implemented by this package.
// The core consumes a small [TypeSystem] contract instead; package
// avrotype provides a concrete implementation backed by
// github.com/hamba/avro/v2.
//
// # Sessions
//
// [Protocol.CreateEmitter] creates a client-side session ([Emitter]) over a
// transport. [Protocol.CreateListener] creates a server-side session
// ([Listener]). Both come in stateful (many requests over one duplex byte
// stream) and stateless (one request per channel) variants, matching the
// shape of the Avro IPC protocol specification.
//
// # Wire format
//
// Every logical message (handshake request/response, call, reply) is
// framed: split into 4-byte-big-endian length-prefixed chunks and
// terminated by one zero-length frame. See [FrameEncoder] and
// [FrameDecoder].
package avrorpc
