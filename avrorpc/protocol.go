// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sync"
)

// Options configures protocol construction.
type Options struct {
	// WrapUnions records the union representation the caller chose. It is
	// not forwarded to the TypeSystem: the TypeSystem fixes its union
	// representation when it is built (see avrotype.New).
	WrapUnions bool
	// StrictErrors is stored with the protocol and copied to peer protocols
	// parsed during the handshake. No code path reads it: handler errors are
	// encoded the same way whether or not it is set.
	StrictErrors bool
}

// Message is a single RPC endpoint: request fields, response type, error
// union, and one-way flag.
type Message struct {
	Name      string
	Request   Type   // anonymous record of the declared request fields
	Response  Type   // required; Null type for one-way messages
	Errors    Type   // union; branch 0 is always string
	OneWay    bool
}

// resolverSet holds, for one peer fingerprint, the per-message resolvers
// needed to decode that peer's wire bytes into this protocol's types.
type resolverSet struct {
	request  map[string]Resolver // peer request -> our Message.Request
	response map[string]Resolver // peer response -> our Message.Response
}

// Protocol is the in-memory description of a named protocol: its types,
// its messages, its 16-byte MD5 fingerprint, and the peer-fingerprint-keyed
// resolver caches shared with any subprotocol derived from it.
type Protocol struct {
	Name     string
	ts       TypeSystem
	opts     Options
	messages map[string]*Message
	order    []string // message names in declaration order
	rawTypes map[string]Type
	canon    []byte // canonical JSON used to compute the fingerprint
	fp       [16]byte

	// caches are shared between a protocol and every subprotocol derived
	// from it (spec.md §3), and so is capMu, which serializes writers;
	// entries are replaced wholesale on write (copy-on-write), so readers
	// never need to hold the lock.
	capMu        *sync.Mutex
	emitterCache *atomicCacheMap
	listenerCache *atomicCacheMap

	handlersMu sync.RWMutex
	handlers   map[string]any // registered dispatch handlers, see listener.go
}

// protoDoc mirrors the Avro Protocol JSON document shape. Messages is kept
// as raw JSON and walked token-by-token in decodeOrderedMessages rather
// than unmarshaled into a map directly, so declaration order survives —
// unmarshaling straight into map[string]protoMessageDoc would discard it
// to Go's randomized map iteration.
type protoDoc struct {
	Protocol  string          `json:"protocol"`
	Namespace string          `json:"namespace"`
	Doc       string          `json:"doc"`
	Types     json.RawMessage `json:"types"`
	Messages  json.RawMessage `json:"messages"`
}

// decodeOrderedMessages parses a protocol document's "messages" object,
// returning message names in declaration order alongside their bodies.
func decodeOrderedMessages(raw json.RawMessage) ([]string, map[string]protoMessageDoc, error) {
	order := []string{}
	msgs := map[string]protoMessageDoc{}
	if len(raw) == 0 || string(raw) == "null" {
		return order, msgs, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, fmt.Errorf("messages must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		name, ok := keyTok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("message name must be a string")
		}
		var md protoMessageDoc
		if err := dec.Decode(&md); err != nil {
			return nil, nil, fmt.Errorf("message %q: %w", name, err)
		}
		order = append(order, name)
		msgs[name] = md
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return nil, nil, err
	}
	return order, msgs, nil
}

type protoMessageDoc struct {
	Doc      string            `json:"doc"`
	Request  []protoFieldDoc   `json:"request"`
	Response json.RawMessage   `json:"response"`
	Errors   []string          `json:"errors"`
	OneWay   bool              `json:"one-way"`
}

type protoFieldDoc struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// NewProtocol parses an Avro Protocol JSON document and builds a Protocol.
// ts is the Avro type-system adapter (see package avrotype).
func NewProtocol(schemaJSON []byte, ts TypeSystem, opts Options) (*Protocol, error) {
	var doc protoDoc
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("parse protocol document: %v", err)}
	}
	if doc.Protocol == "" {
		return nil, &RpcError{Kind: KindProtocolDefinition, Message: "protocol name must not be empty"}
	}
	fqName := doc.Protocol
	if doc.Namespace != "" {
		fqName = doc.Namespace + "." + doc.Protocol
	}

	named := map[string]Type{}
	if len(doc.Types) > 0 && string(doc.Types) != "null" {
		var err error
		named, err = ts.ParseProtocolTypes(doc.Types)
		if err != nil {
			return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("parse protocol types: %v", err)}
		}
	}

	resolveRef := func(ref string) (Type, error) {
		if ref == "null" {
			return ts.NullType(), nil
		}
		if t, ok := ts.Primitive(ref); ok {
			return t, nil
		}
		if t, ok := named[ref]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("unknown type reference %q", ref)
	}

	p := &Protocol{
		Name:          fqName,
		ts:            ts,
		opts:          opts,
		messages:      map[string]*Message{},
		rawTypes:      named,
		capMu:         &sync.Mutex{},
		emitterCache:  newAtomicCacheMap(),
		listenerCache: newAtomicCacheMap(),
		handlers:      map[string]any{},
	}

	msgOrder, msgDocs, err := decodeOrderedMessages(doc.Messages)
	if err != nil {
		return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("parse messages: %v", err)}
	}

	for _, name := range msgOrder {
		md := msgDocs[name]
		fields := make([]Field, 0, len(md.Request))
		for _, f := range md.Request {
			ft, err := resolveRef(f.Type)
			if err != nil {
				return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q field %q: %v", name, f.Name, err)}
			}
			fields = append(fields, Field{Name: f.Name, Type: ft})
		}
		reqType, err := ts.NewRecordType(name+"Request", fields)
		if err != nil {
			return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q: build request record: %v", name, err)}
		}

		var respRef string
		if err := json.Unmarshal(md.Response, &respRef); err != nil {
			return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q: response must be a type name: %v", name, err)}
		}
		respType, err := resolveRef(respRef)
		if err != nil {
			return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q response: %v", name, err)}
		}

		if md.OneWay {
			if respRef != "null" {
				return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q: one-way message must have null response", name)}
			}
			if len(md.Errors) != 0 {
				return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q: one-way message must declare no errors", name)}
			}
		}

		branches := []Type{ts.StringType()}
		for _, e := range md.Errors {
			et, err := resolveRef(e)
			if err != nil {
				return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q error %q: %v", name, e, err)}
			}
			branches = append(branches, et)
		}
		errType, err := ts.NewUnionType(branches)
		if err != nil {
			return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("message %q: build error union: %v", name, err)}
		}

		p.messages[name] = &Message{
			Name:     name,
			Request:  reqType,
			Response: respType,
			Errors:   errType,
			OneWay:   md.OneWay,
		}
		p.order = append(p.order, name)
	}

	// Canonical representation for fingerprinting: re-marshal the parsed
	// document with keys sorted, so fingerprint is pure over content, not
	// incidental key order or whitespace in schemaJSON.
	canon, err := canonicalizeJSON(schemaJSON)
	if err != nil {
		return nil, &RpcError{Kind: KindProtocolDefinition, Message: fmt.Sprintf("canonicalize protocol document: %v", err)}
	}
	p.canon = canon
	p.fp = md5.Sum(canon)

	return p, nil
}

// Fingerprint returns the 16-byte MD5 digest of the protocol's canonical
// JSON representation.
func (p *Protocol) Fingerprint() [16]byte { return p.fp }

// Message looks up a declared message by name.
func (p *Protocol) Message(name string) (*Message, bool) {
	m, ok := p.messages[name]
	return m, ok
}

// MessageNames returns declared message names in declaration order.
func (p *Protocol) MessageNames() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Subprotocol returns a new Protocol sharing this protocol's resolver
// caches and fingerprint. Only handler registrations are independent state.
func (p *Protocol) Subprotocol() *Protocol {
	sub := &Protocol{
		Name:          p.Name,
		ts:            p.ts,
		opts:          p.opts,
		messages:      p.messages,
		order:         p.order,
		rawTypes:      p.rawTypes,
		canon:         p.canon,
		fp:            p.fp,
		capMu:         p.capMu,
		emitterCache:  p.emitterCache,
		listenerCache: p.listenerCache,
		handlers:      map[string]any{},
	}
	return sub
}

// canonicalizeJSON re-marshals arbitrary JSON with map keys sorted
// (encoding/json already sorts object keys on marshal of map[string]any),
// producing a stable byte representation for fingerprinting.
func canonicalizeJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
