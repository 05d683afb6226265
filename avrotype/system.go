// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrotype

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hamba/avro/v2"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

// System is the production avrorpc.TypeSystem backed by hamba/avro/v2.
type System struct {
	wrapUnions bool

	nullT, boolT, intT, longT, floatT, doubleT, bytesT, stringT *avroType
	mapOfBytesT                                                 *avroType
	handshakeReqT                                               *handshakeRequestType
	handshakeRespT                                               *handshakeResponseType
}

var _ avrorpc.TypeSystem = (*System)(nil)

// New builds a System. wrapUnions is the counterpart of
// avrorpc.Options.WrapUnions and is stored on the System, but no Encode or
// Decode path reads it: union values come back in hamba/avro's generic
// form whichever value is passed.
func New(wrapUnions bool) *System {
	s := &System{wrapUnions: wrapUnions}
	s.nullT = &avroType{schema: avro.NewPrimitiveSchema(avro.Null, nil), system: s}
	s.boolT = &avroType{schema: avro.NewPrimitiveSchema(avro.Boolean, nil), system: s}
	s.intT = &avroType{schema: avro.NewPrimitiveSchema(avro.Int, nil), system: s}
	s.longT = &avroType{schema: avro.NewPrimitiveSchema(avro.Long, nil), system: s}
	s.floatT = &avroType{schema: avro.NewPrimitiveSchema(avro.Float, nil), system: s}
	s.doubleT = &avroType{schema: avro.NewPrimitiveSchema(avro.Double, nil), system: s}
	s.bytesT = &avroType{schema: avro.NewPrimitiveSchema(avro.Bytes, nil), system: s}
	s.stringT = &avroType{schema: avro.NewPrimitiveSchema(avro.String, nil), system: s}
	s.mapOfBytesT = &avroType{schema: avro.NewMapSchema(s.bytesT.schema), system: s}
	s.handshakeReqT = &handshakeRequestType{schema: avro.MustParse(handshakeRequestSchemaJSON)}
	s.handshakeRespT = &handshakeResponseType{schema: avro.MustParse(handshakeResponseSchemaJSON)}
	return s
}

func (s *System) NullType() avrorpc.Type       { return s.nullT }
func (s *System) StringType() avrorpc.Type     { return s.stringT }
func (s *System) LongType() avrorpc.Type       { return s.longT }
func (s *System) MapOfBytesType() avrorpc.Type { return s.mapOfBytesT }

func (s *System) Primitive(name string) (avrorpc.Type, bool) {
	switch name {
	case "null":
		return s.nullT, true
	case "boolean":
		return s.boolT, true
	case "int":
		return s.intT, true
	case "long":
		return s.longT, true
	case "float":
		return s.floatT, true
	case "double":
		return s.doubleT, true
	case "bytes":
		return s.bytesT, true
	case "string":
		return s.stringT, true
	default:
		return nil, false
	}
}

func (s *System) HandshakeRequestType() avrorpc.Type  { return s.handshakeReqT }
func (s *System) HandshakeResponseType() avrorpc.Type { return s.handshakeRespT }

// ParseProtocolTypes parses the JSON array found under a protocol
// document's "types" key: named records, enums, fixeds and errors declared
// up front for reference by message request/response/error fields.
func (s *System) ParseProtocolTypes(schemaJSON []byte) (map[string]avrorpc.Type, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(schemaJSON, &raw); err != nil {
		return nil, fmt.Errorf("avrotype: parse types array: %w", err)
	}
	out := make(map[string]avrorpc.Type, len(raw))
	// Parse one at a time via a *avro.SchemaCache so later definitions can
	// reference earlier ones by name.
	cache := &avro.SchemaCache{}
	for _, r := range raw {
		sch, err := avro.ParseWithCache(string(r), "", cache)
		if err != nil {
			return nil, fmt.Errorf("avrotype: parse named type: %w", err)
		}
		named, ok := sch.(avro.NamedSchema)
		if !ok {
			return nil, fmt.Errorf("avrotype: type in protocol types array must be named, got %s", sch.Type())
		}
		out[named.FullName()] = &avroType{schema: sch, system: s}
		out[named.Name()] = &avroType{schema: sch, system: s}
	}
	return out, nil
}

// NewRecordType builds an anonymous record schema from an ordered field
// list, used for a message's synthetic request record.
func (s *System) NewRecordType(name string, fields []avrorpc.Field) (avrorpc.Type, error) {
	schemaFields := make([]string, 0, len(fields))
	for _, f := range fields {
		at, ok := f.Type.(*avroType)
		if !ok {
			return nil, fmt.Errorf("avrotype: field %q: type not produced by this TypeSystem", f.Name)
		}
		schemaFields = append(schemaFields, fmt.Sprintf(`{"name":%s,"type":%s}`, jsonString(f.Name), at.schema.String()))
	}
	doc := fmt.Sprintf(`{"type":"record","name":%s,"fields":[%s]}`, jsonString(name), joinComma(schemaFields))
	sch, err := avro.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("avrotype: build record %q: %w", name, err)
	}
	return &avroType{schema: sch, system: s}, nil
}

// NewUnionType builds a union schema from an ordered branch list, used for
// a message's error union (branch 0 is always the system string error).
func (s *System) NewUnionType(branches []avrorpc.Type) (avrorpc.Type, error) {
	parts := make([]string, 0, len(branches))
	for i, b := range branches {
		at, ok := b.(*avroType)
		if !ok {
			return nil, fmt.Errorf("avrotype: union branch %d: type not produced by this TypeSystem", i)
		}
		parts = append(parts, at.schema.String())
	}
	doc := fmt.Sprintf(`[%s]`, joinComma(parts))
	sch, err := avro.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("avrotype: build union: %w", err)
	}
	return &avroType{schema: sch, system: s}, nil
}

// CreateResolver implements spec.md's reader/writer schema resolution: it
// decodes generically under the writer schema, then projects the result
// onto the reader schema's shape (dropped fields, defaulted fields).
func (s *System) CreateResolver(writer, reader avrorpc.Type) (avrorpc.Resolver, error) {
	wt, ok := writer.(*avroType)
	if !ok {
		return nil, fmt.Errorf("avrotype: writer type not produced by this TypeSystem")
	}
	rt, ok := reader.(*avroType)
	if !ok {
		return nil, fmt.Errorf("avrotype: reader type not produced by this TypeSystem")
	}
	if err := checkResolvable(wt.schema, rt.schema); err != nil {
		return nil, err
	}
	return &resolver{writer: wt.schema, reader: rt.schema, system: s}, nil
}

func joinComma(parts []string) string {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(p)
	}
	return buf.String()
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// countingReader tracks how many bytes have been read, so a streaming
// Avro decode over a shared buffer can report the offset it stopped at.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func canonicalSchemaFingerprint(sch avro.Schema) [16]byte {
	var v any
	_ = json.Unmarshal([]byte(sch.String()), &v)
	canon, _ := json.Marshal(v)
	return md5.Sum(canon)
}
