// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

// Type is the contract the core needs from an Avro value type: encode a Go
// value to bytes, decode bytes back into a Go value starting at a given
// offset, validate a candidate value, and report a stable fingerprint of the
// schema. Package avrotype provides the concrete implementation used by
// production code; tests may supply a fake.
type Type interface {
	// Encode appends the Avro encoding of value to the wire.
	Encode(value any) ([]byte, error)
	// Decode reads one value starting at data[offset:] and returns the
	// value together with the offset immediately following it.
	Decode(data []byte, offset int) (value any, newOffset int, err error)
	// IsValid reports whether value conforms to this type's schema.
	IsValid(value any) bool
	// Fingerprint returns the 16-byte MD5 digest of the canonical JSON
	// representation of the schema.
	Fingerprint() [16]byte
	// Name returns the type's fully qualified Avro name, or "" for
	// anonymous/primitive types.
	Name() string
}

// Resolver lets a reader decode bytes written under a compatible but
// different writer schema.
type Resolver interface {
	Decode(data []byte, offset int) (value any, newOffset int, err error)
}

// TypeSystem parses Avro protocol schema documents and builds resolvers
// between two independently-declared but compatible types. This is the
// single seam through which avrorpc depends on an Avro implementation; see
// avrotype.System for the production adapter.
type TypeSystem interface {
	// ParseProtocolTypes parses the "types" array of an Avro Protocol JSON
	// document into named Type values.
	ParseProtocolTypes(schemaJSON []byte) (map[string]Type, error)
	// NullType returns the shared null type (used for one-way responses).
	NullType() Type
	// StringType returns the shared string type (used for system errors).
	StringType() Type
	// LongType returns the shared zig-zag-varint long type (used for
	// correlation ids).
	LongType() Type
	// MapOfBytesType returns the shared map<string, bytes> type (used for
	// call metadata).
	MapOfBytesType() Type
	// Primitive looks up a built-in Avro primitive type by name (null,
	// boolean, int, long, float, double, bytes, string).
	Primitive(name string) (Type, bool)
	// HandshakeRequestType returns the Type that encodes/decodes
	// [HandshakeRequest] values per the Avro protocol specification's fixed
	// handshake schema.
	HandshakeRequestType() Type
	// HandshakeResponseType returns the Type that encodes/decodes
	// [HandshakeResponse] values per the Avro protocol specification's
	// fixed handshake schema.
	HandshakeResponseType() Type
	// NewRecordType builds an anonymous record type from an ordered list of
	// (name, Type) fields, used for a message's synthetic request record.
	NewRecordType(name string, fields []Field) (Type, error)
	// NewUnionType builds a union type from an ordered list of branches,
	// used for a message's error-union type.
	NewUnionType(branches []Type) (Type, error)
	// CreateResolver builds a [Resolver] that decodes bytes written under
	// writer and exposes them as values shaped by reader. Returns an error
	// if the two schemas are not resolvable.
	CreateResolver(writer, reader Type) (Resolver, error)
}

// Field describes one field of a synthetic record type.
type Field struct {
	Name string
	Type Type
}
