// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StatelessEmitter issues each call on its own freshly-acquired
// [StatelessChannel] (spec.md §4.5): no history survives between calls
// beyond a cached server fingerprint/protocol used to skip the second
// handshake round trip when possible.
type StatelessEmitter struct {
	protocol *Protocol
	factory  ChannelFactory
	opts     EmitterOptions
	log      *slog.Logger

	idCounter atomic.Int64

	mu         sync.Mutex
	serverHash *[16]byte
	resolvers  *resolverSet
}

// CreateStatelessEmitter creates an emitter that acquires a new channel for
// every call via factory.
func (p *Protocol) CreateStatelessEmitter(factory ChannelFactory, opts EmitterOptions) *StatelessEmitter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &StatelessEmitter{protocol: p, factory: factory, opts: opts, log: log}
}

// Call performs one synchronous request/response round trip. For a
// one-way message it returns (nil, nil) once the request has been written,
// the channel's write side closed and the handshake response read; it does
// not wait for a call reply.
func (s *StatelessEmitter) Call(ctx context.Context, messageName string, value any) (any, error) {
	msg, ok := s.protocol.Message(messageName)
	if !ok {
		return nil, newCallError("unknown message: %s", messageName)
	}

	id := s.idCounter.Add(1)
	clientProtocol := (*string)(nil)

	for attempt := 0; attempt < 2; attempt++ {
		ch, err := s.factory(ctx)
		if err != nil {
			return nil, newTransportFrameError("acquire channel: %v", err)
		}

		resp, resolver, err := s.roundTrip(ch, id, msg, value, clientProtocol)
		_ = ch.Close()
		if err != nil {
			return nil, err
		}
		if resp == retryNone {
			own := string(s.protocol.canon)
			clientProtocol = &own
			continue
		}
		if msg.OneWay {
			return nil, nil
		}

		value, callErr, derr := decodeReplyBody(s.protocol.ts, resp.body, 0, msg, resolver)
		if derr != nil {
			return nil, derr
		}
		if callErr != nil {
			return nil, callErr
		}
		return value, nil
	}
	return nil, newHandshakeError("handshake did not converge for message %q", messageName)
}

// replyFrame carries a call reply with its metadata prefix already
// stripped: body starts at the isError flag.
type replyFrame struct {
	body []byte
}

var retryNone = (*replyFrame)(nil)

func (s *StatelessEmitter) roundTrip(ch StatelessChannel, id int64, msg *Message, value any, clientProtocol *string) (*replyFrame, Resolver, error) {
	ts := s.protocol.ts

	s.mu.Lock()
	serverHash := s.protocol.Fingerprint()
	if s.serverHash != nil {
		serverHash = *s.serverHash
	}
	resolver := (*resolverSet)(nil)
	if s.resolvers != nil {
		resolver = s.resolvers
	}
	s.mu.Unlock()

	req := &HandshakeRequest{ClientHash: s.protocol.Fingerprint(), ServerHash: serverHash, ClientProtocol: clientProtocol}
	hsBuf, err := encodeHandshakeRequest(ts, req)
	if err != nil {
		return nil, nil, err
	}

	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return nil, nil, err
	}
	nameBytes, err := ts.StringType().Encode(msg.Name)
	if err != nil {
		return nil, nil, err
	}
	bodyBytes, err := msg.Request.Encode(value)
	if err != nil {
		return nil, nil, err
	}

	enc, err := NewFrameEncoder(ch, defaultFrameSize)
	if err != nil {
		return nil, nil, err
	}
	if err := enc.WriteMessage(hsBuf); err != nil {
		return nil, nil, newTransportFrameError("write handshake: %v", err)
	}
	call := append(append(append([]byte{}, metaBytes...), nameBytes...), bodyBytes...)
	if err := enc.WriteMessage(call); err != nil {
		return nil, nil, newTransportFrameError("write call: %v", err)
	}
	if err := ch.CloseWrite(); err != nil {
		return nil, nil, newTransportFrameError("close write side: %v", err)
	}

	dec := NewFrameDecoder(ch, false)
	hsRespBuf, err := dec.ReadMessage()
	if err != nil {
		return nil, nil, newHandshakeError("handshake error: %v", err)
	}
	hsResp, _, err := decodeHandshakeResponse(ts, hsRespBuf, 0)
	if err != nil {
		return nil, nil, newHandshakeError("handshake error: %v", err)
	}

	switch hsResp.Match {
	case MatchBoth:
		s.rememberServer(nil, nil)
	case MatchClient:
		if hsResp.ServerHash != nil {
			if hsResp.ServerProtocol != nil {
				if rs, err := s.buildResolvers(*hsResp.ServerProtocol); err == nil {
					resolver = rs
					s.rememberServer(hsResp.ServerHash, rs)
				}
			} else {
				s.rememberServer(hsResp.ServerHash, s.resolvers)
			}
		}
	case MatchNone:
		if txt, ok := hsResp.errorText(); ok {
			return nil, nil, newHandshakeError("handshake error: %s", txt)
		}
		if clientProtocol != nil {
			return nil, nil, newHandshakeError("server rejected handshake twice for %q", msg.Name)
		}
		return retryNone, nil, nil
	default:
		return nil, nil, newHandshakeError("unknown match code %q", hsResp.Match)
	}

	if msg.OneWay {
		return &replyFrame{}, nil, nil
	}

	replyBuf, err := dec.ReadMessage()
	if err != nil {
		return nil, nil, newCallError("truncated message: %v", err)
	}
	_, _, offset, err := decodeMetadata(ts, replyBuf, 0)
	if err != nil {
		return nil, nil, newCallError("invalid metadata: %v", err)
	}

	var r Resolver
	if resolver != nil {
		r = resolver.response[msg.Name]
	}
	return &replyFrame{body: replyBuf[offset:]}, r, nil
}

func (s *StatelessEmitter) rememberServer(fp *[16]byte, rs *resolverSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp != nil {
		s.serverHash = fp
	}
	if rs != nil {
		s.resolvers = rs
	}
}

func (s *StatelessEmitter) buildResolvers(serverProtocolText string) (*resolverSet, error) {
	server, err := NewProtocol([]byte(serverProtocolText), s.protocol.ts, s.protocol.opts)
	if err != nil {
		return nil, newHandshakeError("parse server protocol: %v", err)
	}
	return buildEmitterResolverSet(s.protocol.ts, server, s.protocol)
}
