// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import "fmt"

// MetaCorrelationID is the well-known metadata key carrying the correlation
// id of a call, encoded as a zig-zag long.
const MetaCorrelationID = "avro.id"

// encodeMetadata builds the wire bytes for a metadata map whose only
// required entry is the correlation id. Extra carries any additional
// transparently-forwarded keys (e.g. a tracing request id).
func encodeMetadata(ts TypeSystem, id int64, extra map[string][]byte) ([]byte, error) {
	idBytes, err := ts.LongType().Encode(id)
	if err != nil {
		return nil, fmt.Errorf("encode correlation id: %w", err)
	}
	m := make(map[string][]byte, len(extra)+1)
	for k, v := range extra {
		m[k] = v
	}
	m[MetaCorrelationID] = idBytes
	return ts.MapOfBytesType().Encode(m)
}

// decodeMetadata parses a metadata map and extracts the correlation id.
func decodeMetadata(ts TypeSystem, data []byte, offset int) (id int64, rest map[string][]byte, newOffset int, err error) {
	val, newOffset, err := ts.MapOfBytesType().Decode(data, offset)
	if err != nil {
		return 0, nil, offset, fmt.Errorf("decode metadata: %w", err)
	}
	m, ok := val.(map[string][]byte)
	if !ok {
		return 0, nil, offset, fmt.Errorf("decode metadata: unexpected value type %T", val)
	}
	idBytes, ok := m[MetaCorrelationID]
	if !ok {
		return 0, nil, offset, fmt.Errorf("decode metadata: missing %q key", MetaCorrelationID)
	}
	idVal, _, err := ts.LongType().Decode(idBytes, 0)
	if err != nil {
		return 0, nil, offset, fmt.Errorf("decode correlation id: %w", err)
	}
	id, ok = idVal.(int64)
	if !ok {
		return 0, nil, offset, fmt.Errorf("decode correlation id: unexpected type %T", idVal)
	}
	delete(m, MetaCorrelationID)
	return id, m, newOffset, nil
}
