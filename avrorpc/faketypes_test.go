// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// fakeTypeSystem is a JSON-backed stand-in for avrotype.System, used so
// core-package tests (framing, handshake, emitter/listener dispatch) do not
// depend on the real Avro codec. Every value is wire-encoded as a 4-byte
// big-endian length prefix followed by JSON, which gives Decode the offset
// tracking the real codec gets from streaming.
type fakeTypeSystem struct{}

var _ TypeSystem = fakeTypeSystem{}

type fakeMode int

const (
	modeAny fakeMode = iota
	modeString
	modeLong
	modeMapBytes
	modeNull
	modeHandshakeReq
	modeHandshakeResp
)

type fakeType struct {
	name string
	mode fakeMode
}

var _ Type = (*fakeType)(nil)

func (t *fakeType) Encode(value any) ([]byte, error) {
	if t.mode == modeNull {
		return []byte{}, nil
	}
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("faketype %s: encode: %w", t.name, err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

func (t *fakeType) Decode(data []byte, offset int) (any, int, error) {
	if t.mode == modeNull {
		return nil, offset, nil
	}
	if offset+4 > len(data) {
		return nil, offset, fmt.Errorf("faketype %s: truncated length prefix", t.name)
	}
	n := int(binary.BigEndian.Uint32(data[offset:]))
	start := offset + 4
	if start+n > len(data) {
		return nil, offset, fmt.Errorf("faketype %s: truncated body", t.name)
	}
	body := data[start : start+n]
	newOffset := start + n

	switch t.mode {
	case modeString:
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, offset, err
		}
		return s, newOffset, nil
	case modeLong:
		var v int64
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, offset, err
		}
		return v, newOffset, nil
	case modeMapBytes:
		var m map[string][]byte
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, offset, err
		}
		if m == nil {
			m = map[string][]byte{}
		}
		return m, newOffset, nil
	case modeHandshakeReq:
		var v HandshakeRequest
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, offset, err
		}
		return v, newOffset, nil
	case modeHandshakeResp:
		var v HandshakeResponse
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, offset, err
		}
		return v, newOffset, nil
	default:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, offset, err
		}
		return v, newOffset, nil
	}
}

func (t *fakeType) IsValid(value any) bool {
	_, err := t.Encode(value)
	return err == nil
}

func (t *fakeType) Fingerprint() [16]byte { return md5.Sum([]byte(t.name)) }
func (t *fakeType) Name() string          { return t.name }

func (fakeTypeSystem) NullType() Type       { return &fakeType{name: "null", mode: modeNull} }
func (fakeTypeSystem) StringType() Type     { return &fakeType{name: "string", mode: modeString} }
func (fakeTypeSystem) LongType() Type       { return &fakeType{name: "long", mode: modeLong} }
func (fakeTypeSystem) MapOfBytesType() Type { return &fakeType{name: "map<bytes>", mode: modeMapBytes} }

func (fakeTypeSystem) Primitive(name string) (Type, bool) {
	switch name {
	case "null":
		return &fakeType{name: "null", mode: modeNull}, true
	case "string":
		return &fakeType{name: "string", mode: modeString}, true
	case "long", "int":
		return &fakeType{name: name, mode: modeLong}, true
	default:
		return &fakeType{name: name, mode: modeAny}, true
	}
}

func (fakeTypeSystem) HandshakeRequestType() Type {
	return &fakeType{name: "HandshakeRequest", mode: modeHandshakeReq}
}
func (fakeTypeSystem) HandshakeResponseType() Type {
	return &fakeType{name: "HandshakeResponse", mode: modeHandshakeResp}
}

func (fakeTypeSystem) ParseProtocolTypes(schemaJSON []byte) (map[string]Type, error) {
	return map[string]Type{}, nil
}

func (fakeTypeSystem) NewRecordType(name string, fields []Field) (Type, error) {
	return &fakeType{name: name, mode: modeAny}, nil
}

func (fakeTypeSystem) NewUnionType(branches []Type) (Type, error) {
	return &fakeType{name: "union", mode: modeAny}, nil
}

func (fakeTypeSystem) CreateResolver(writer, reader Type) (Resolver, error) {
	return fakeResolver{t: reader}, nil
}

type fakeResolver struct{ t Type }

func (r fakeResolver) Decode(data []byte, offset int) (any, int, error) {
	return r.t.Decode(data, offset)
}
