// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrotype

import (
	"bytes"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

// The handshake schemas are fixed by the Avro protocol specification
// itself, not by any user-declared protocol, so they are parsed once here
// rather than synthesized from a Field list (compare system.go's
// NewRecordType for the data-driven path).
const handshakeRequestSchemaJSON = `{
  "type": "record",
  "name": "HandshakeRequest",
  "namespace": "org.apache.avro.ipc",
  "fields": [
    {"name": "clientHash", "type": {"type": "fixed", "name": "MD5", "size": 16}},
    {"name": "clientProtocol", "type": ["null", "string"]},
    {"name": "serverHash", "type": "MD5"},
    {"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
  ]
}`

const handshakeResponseSchemaJSON = `{
  "type": "record",
  "name": "HandshakeResponse",
  "namespace": "org.apache.avro.ipc",
  "fields": [
    {"name": "match", "type": {"type": "enum", "name": "HandshakeMatch", "symbols": ["BOTH", "CLIENT", "NONE"]}},
    {"name": "serverProtocol", "type": ["null", "string"]},
    {"name": "serverHash", "type": ["null", {"type": "fixed", "name": "MD5", "size": 16}]},
    {"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
  ]
}`

type wireHandshakeRequest struct {
	ClientHash     [16]byte           `avro:"clientHash"`
	ClientProtocol *string            `avro:"clientProtocol"`
	ServerHash     [16]byte           `avro:"serverHash"`
	Meta           *map[string][]byte `avro:"meta"`
}

type wireHandshakeResponse struct {
	Match          string             `avro:"match"`
	ServerProtocol *string            `avro:"serverProtocol"`
	ServerHash     *[16]byte          `avro:"serverHash"`
	Meta           *map[string][]byte `avro:"meta"`
}

type handshakeRequestType struct{ schema avro.Schema }

var _ avrorpc.Type = (*handshakeRequestType)(nil)

func (t *handshakeRequestType) Encode(value any) ([]byte, error) {
	req, ok := value.(avrorpc.HandshakeRequest)
	if !ok {
		return nil, fmt.Errorf("avrotype: HandshakeRequestType.Encode: unexpected type %T", value)
	}
	wire := wireHandshakeRequest{ClientHash: req.ClientHash, ClientProtocol: req.ClientProtocol, ServerHash: req.ServerHash}
	if req.Meta != nil {
		m := req.Meta
		wire.Meta = &m
	}
	return avro.Marshal(t.schema, wire)
}

func (t *handshakeRequestType) Decode(data []byte, offset int) (any, int, error) {
	cr := &countingReader{r: bytes.NewReader(data[offset:])}
	dec := avro.NewDecoderForSchema(t.schema, cr)
	var wire wireHandshakeRequest
	if err := dec.Decode(&wire); err != nil {
		return nil, offset, err
	}
	req := avrorpc.HandshakeRequest{ClientHash: wire.ClientHash, ClientProtocol: wire.ClientProtocol, ServerHash: wire.ServerHash}
	if wire.Meta != nil {
		req.Meta = *wire.Meta
	}
	return req, offset + cr.n, nil
}

func (t *handshakeRequestType) IsValid(value any) bool {
	_, ok := value.(avrorpc.HandshakeRequest)
	return ok
}

func (t *handshakeRequestType) Fingerprint() [16]byte { return canonicalSchemaFingerprint(t.schema) }
func (t *handshakeRequestType) Name() string          { return "org.apache.avro.ipc.HandshakeRequest" }

type handshakeResponseType struct{ schema avro.Schema }

var _ avrorpc.Type = (*handshakeResponseType)(nil)

func (t *handshakeResponseType) Encode(value any) ([]byte, error) {
	resp, ok := value.(avrorpc.HandshakeResponse)
	if !ok {
		return nil, fmt.Errorf("avrotype: HandshakeResponseType.Encode: unexpected type %T", value)
	}
	wire := wireHandshakeResponse{Match: string(resp.Match), ServerProtocol: resp.ServerProtocol, ServerHash: resp.ServerHash}
	if resp.Meta != nil {
		m := resp.Meta
		wire.Meta = &m
	}
	return avro.Marshal(t.schema, wire)
}

func (t *handshakeResponseType) Decode(data []byte, offset int) (any, int, error) {
	cr := &countingReader{r: bytes.NewReader(data[offset:])}
	dec := avro.NewDecoderForSchema(t.schema, cr)
	var wire wireHandshakeResponse
	if err := dec.Decode(&wire); err != nil {
		return nil, offset, err
	}
	resp := avrorpc.HandshakeResponse{Match: avrorpc.HandshakeMatch(wire.Match), ServerProtocol: wire.ServerProtocol, ServerHash: wire.ServerHash}
	if wire.Meta != nil {
		resp.Meta = *wire.Meta
	}
	return resp, offset + cr.n, nil
}

func (t *handshakeResponseType) IsValid(value any) bool {
	_, ok := value.(avrorpc.HandshakeResponse)
	return ok
}

func (t *handshakeResponseType) Fingerprint() [16]byte { return canonicalSchemaFingerprint(t.schema) }
func (t *handshakeResponseType) Name() string          { return "org.apache.avro.ipc.HandshakeResponse" }
