// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrotype

import (
	"bytes"
	"fmt"

	"github.com/hamba/avro/v2"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

// avroType implements avrorpc.Type generically: records decode to
// map[string]any, arrays to []any, maps to map[string]T, unions to
// hamba/avro's generic union value (the owning System's wrapUnions flag is
// not consulted), and primitives to their native Go type. This mirrors
// hamba/avro's documented behavior when encoding/decoding into a bare `any`.
type avroType struct {
	schema avro.Schema
	system *System
}

var _ avrorpc.Type = (*avroType)(nil)

func (t *avroType) Encode(value any) ([]byte, error) {
	b, err := avro.Marshal(t.schema, value)
	if err != nil {
		return nil, fmt.Errorf("avrotype: encode %s: %w", t.schema.Type(), err)
	}
	return b, nil
}

func (t *avroType) Decode(data []byte, offset int) (any, int, error) {
	cr := &countingReader{r: bytes.NewReader(data[offset:])}
	dec := avro.NewDecoderForSchema(t.schema, cr)
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, offset, fmt.Errorf("avrotype: decode %s: %w", t.schema.Type(), err)
	}
	return out, offset + cr.n, nil
}

func (t *avroType) IsValid(value any) bool {
	_, err := avro.Marshal(t.schema, value)
	return err == nil
}

func (t *avroType) Fingerprint() [16]byte { return canonicalSchemaFingerprint(t.schema) }

func (t *avroType) Name() string {
	if named, ok := t.schema.(avro.NamedSchema); ok {
		return named.FullName()
	}
	return ""
}

// resolver decodes bytes written under writer and projects the result onto
// reader's field set.
type resolver struct {
	writer avro.Schema
	reader avro.Schema
	system *System
}

var _ avrorpc.Resolver = (*resolver)(nil)

func (r *resolver) Decode(data []byte, offset int) (any, int, error) {
	cr := &countingReader{r: bytes.NewReader(data[offset:])}
	dec := avro.NewDecoderForSchema(r.writer, cr)
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, offset, fmt.Errorf("avrotype: resolve decode: %w", err)
	}
	projected, err := project(raw, r.writer, r.reader)
	if err != nil {
		return nil, offset, err
	}
	return projected, offset + cr.n, nil
}

// checkResolvable performs a shallow structural compatibility check between
// writer and reader: for records, every reader field either exists in the
// writer or carries a default.
func checkResolvable(writer, reader avro.Schema) error {
	wr, wIsRecord := writer.(*avro.RecordSchema)
	rr, rIsRecord := reader.(*avro.RecordSchema)
	if wIsRecord != rIsRecord {
		if wIsRecord || rIsRecord {
			return fmt.Errorf("avrotype: writer/reader schema kind mismatch: %s vs %s", writer.Type(), reader.Type())
		}
		return nil
	}
	if !wIsRecord {
		return nil
	}
	writerFields := map[string]bool{}
	for _, f := range wr.Fields() {
		writerFields[f.Name()] = true
	}
	for _, f := range rr.Fields() {
		if writerFields[f.Name()] {
			continue
		}
		if !f.HasDefault() {
			return fmt.Errorf("avrotype: reader field %q has no writer counterpart and no default", f.Name())
		}
	}
	return nil
}

// project reshapes a generically-decoded writer value into the reader
// schema's shape. For records it keeps only reader-declared fields,
// substituting each field's default when the writer omitted it. For every
// other schema kind the writer-decoded value is returned unchanged: this
// module's protocols only evolve record field sets across versions.
func project(value any, writer, reader avro.Schema) (any, error) {
	rr, ok := reader.(*avro.RecordSchema)
	if !ok {
		return value, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	out := make(map[string]any, len(rr.Fields()))
	for _, f := range rr.Fields() {
		if v, present := m[f.Name()]; present {
			out[f.Name()] = v
			continue
		}
		if f.HasDefault() {
			out[f.Name()] = f.Default()
		}
	}
	return out, nil
}
