// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import "fmt"

// HandshakeMatch is the negotiation outcome reported by a listener.
type HandshakeMatch string

const (
	MatchBoth   HandshakeMatch = "BOTH"
	MatchClient HandshakeMatch = "CLIENT"
	MatchNone   HandshakeMatch = "NONE"
)

// HandshakeRequest is the first message an emitter sends, per the Avro
// protocol specification's handshake schema.
type HandshakeRequest struct {
	ClientHash     [16]byte
	ClientProtocol *string
	ServerHash     [16]byte
	Meta           map[string][]byte
}

// HandshakeResponse is a listener's reply to a [HandshakeRequest].
type HandshakeResponse struct {
	Match          HandshakeMatch
	ServerProtocol *string
	ServerHash     *[16]byte
	Meta           map[string][]byte
}

func (r *HandshakeResponse) errorText() (string, bool) {
	if r.Meta == nil {
		return "", false
	}
	b, ok := r.Meta["error"]
	return string(b), ok
}

// encodeHandshakeRequest/decodeHandshakeResponse etc. are thin wrappers
// around the TypeSystem's dedicated handshake types (see types.go); kept as
// functions rather than methods on Protocol so they can be unit-tested
// independently of a full session.

func encodeHandshakeRequest(ts TypeSystem, req *HandshakeRequest) ([]byte, error) {
	return ts.HandshakeRequestType().Encode(*req)
}

func decodeHandshakeRequest(ts TypeSystem, data []byte, offset int) (*HandshakeRequest, int, error) {
	v, n, err := ts.HandshakeRequestType().Decode(data, offset)
	if err != nil {
		return nil, offset, err
	}
	req, ok := v.(HandshakeRequest)
	if !ok {
		return nil, offset, fmt.Errorf("avrorpc: decode handshake request: unexpected type %T", v)
	}
	return &req, n, nil
}

func encodeHandshakeResponse(ts TypeSystem, resp *HandshakeResponse) ([]byte, error) {
	return ts.HandshakeResponseType().Encode(*resp)
}

func decodeHandshakeResponse(ts TypeSystem, data []byte, offset int) (*HandshakeResponse, int, error) {
	v, n, err := ts.HandshakeResponseType().Decode(data, offset)
	if err != nil {
		return nil, offset, err
	}
	resp, ok := v.(HandshakeResponse)
	if !ok {
		return nil, offset, fmt.Errorf("avrorpc: decode handshake response: unexpected type %T", v)
	}
	return &resp, n, nil
}

// listenerHandshake runs the listener side of the algorithm (spec.md §4.3).
// schemaJSON is this protocol's own document text, sent back to clients that
// need it to build resolvers against us.
func listenerHandshake(p *Protocol, schemaJSON []byte, req *HandshakeRequest) (*HandshakeResponse, error) {
	own := p.Fingerprint()

	if req.ClientHash == own && req.ServerHash == own {
		return &HandshakeResponse{Match: MatchBoth}, nil
	}

	if rs, ok := p.listenerCache.get(req.ClientHash); ok && rs != nil {
		sh := own
		txt := string(schemaJSON)
		return &HandshakeResponse{Match: MatchClient, ServerHash: &sh, ServerProtocol: &txt}, nil
	}

	if req.ClientProtocol != nil {
		peer, err := NewProtocol([]byte(*req.ClientProtocol), p.ts, p.opts)
		if err != nil {
			return &HandshakeResponse{Match: MatchNone, Meta: map[string][]byte{"error": []byte(err.Error())}}, nil
		}
		rs, err := buildListenerResolverSet(p.ts, peer, p)
		if err != nil {
			return &HandshakeResponse{Match: MatchNone, Meta: map[string][]byte{"error": []byte(err.Error())}}, nil
		}
		p.capMu.Lock()
		p.listenerCache.put(req.ClientHash, rs)
		p.capMu.Unlock()
		sh := own
		return &HandshakeResponse{Match: MatchClient, ServerHash: &sh}, nil
	}

	sh := own
	txt := string(schemaJSON)
	return &HandshakeResponse{Match: MatchNone, ServerHash: &sh, ServerProtocol: &txt}, nil
}

// buildListenerResolverSet validates spec.md §4.8's compatibility rule for
// every message the client declares and returns the resolvers the listener
// needs to decode client requests. client is the peer (emitter) protocol
// parsed from the handshake's clientProtocol text; own is this listener's
// protocol.
func buildListenerResolverSet(ts TypeSystem, client, own *Protocol) (*resolverSet, error) {
	rs := &resolverSet{request: map[string]Resolver{}}
	for _, name := range client.order {
		cm := client.messages[name]
		om, ok := own.messages[name]
		if !ok {
			return nil, newCompatibilityError("no such server message for a client-declared message: %s", name)
		}
		if cm.OneWay != om.OneWay {
			return nil, newCompatibilityError("incompatible one-way flag for message %q", name)
		}
		reqResolver, err := ts.CreateResolver(cm.Request, om.Request)
		if err != nil {
			return nil, newCompatibilityError("message %q: unresolvable request: %v", name, err)
		}
		rs.request[name] = reqResolver
		// Response direction is writer=listener(own), reader=client; we
		// don't need the resolver (the listener always writes its own
		// local response type), but the compatibility rule requires both
		// directions to resolve.
		if _, err := ts.CreateResolver(om.Response, cm.Response); err != nil {
			return nil, newCompatibilityError("message %q: unresolvable response: %v", name, err)
		}
	}
	return rs, nil
}

// buildEmitterResolverSet builds the resolvers an emitter needs to decode
// responses once it has learned the server's protocol text. server is the
// peer protocol; own is the emitter's own protocol. Unlike the listener
// side, the only check made here is that each shared message's server
// response resolves to the emitter's response type; one-way flags and
// request types are not compared.
func buildEmitterResolverSet(ts TypeSystem, server, own *Protocol) (*resolverSet, error) {
	rs := &resolverSet{response: map[string]Resolver{}}
	for _, name := range own.order {
		om := own.messages[name]
		sm, ok := server.messages[name]
		if !ok {
			continue // skipped; Emit does not check for it either
		}
		respResolver, err := ts.CreateResolver(sm.Response, om.Response)
		if err != nil {
			return nil, newCompatibilityError("message %q: unresolvable response: %v", name, err)
		}
		rs.response[name] = respResolver
	}
	return rs, nil
}
