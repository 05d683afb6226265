// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"context"
	"fmt"
	"strconv"
)

// ServeStatelessChannel handles exactly one handshake+call unit on ch, then
// returns (spec.md §4.7). Callers invoke this once per inbound channel
// acquired from whatever transport produces them (an HTTP request body, an
// accepted one-shot socket, ...). If the negotiated match is NONE, the call
// the client optimistically attached is left undispatched: the client is
// expected to retry on a fresh channel with its protocol text attached, per
// [StatelessEmitter.Call].
func (p *Protocol) ServeStatelessChannel(ch StatelessChannel, opts ListenerOptions) error {
	ts := p.ts
	dec := NewFrameDecoder(ch, true)

	hsBuf, err := dec.ReadMessage()
	if err != nil {
		return newHandshakeError("handshake error: %v", err)
	}
	req, _, err := decodeHandshakeRequest(ts, hsBuf, 0)
	if err != nil {
		return newHandshakeError("handshake error: %v", err)
	}

	resp, err := listenerHandshake(p, p.canon, req)
	if err != nil {
		return err
	}

	// The emitter writes its handshake and call, half-closes, and only then
	// reads, so the call is consumed before anything is written back; on an
	// unbuffered channel both sides would otherwise block in Write.
	callBuf, callErr := dec.ReadMessage()

	enc, err := NewFrameEncoder(ch, defaultFrameSize)
	if err != nil {
		return err
	}
	hsRespBuf, err := encodeHandshakeResponse(ts, resp)
	if err != nil {
		return err
	}
	if err := enc.WriteMessage(hsRespBuf); err != nil {
		return newTransportFrameError("write handshake response: %v", err)
	}
	if resp.Match == MatchNone {
		return nil
	}

	var resolvers *resolverSet
	if req.ClientProtocol != nil {
		if rs, ok := p.listenerCache.get(req.ClientHash); ok {
			resolvers = rs
		} else if peer, perr := NewProtocol([]byte(*req.ClientProtocol), ts, p.opts); perr == nil {
			if rs, berr := buildListenerResolverSet(ts, peer, p); berr == nil {
				resolvers = rs
			}
		}
	} else if rs, ok := p.listenerCache.get(req.ClientHash); ok {
		resolvers = rs
	}

	if callErr != nil {
		return newCallError("truncated message: %v", callErr)
	}

	id, meta, offset, err := decodeMetadata(ts, callBuf, 0)
	if err != nil {
		return newCallError("invalid metadata: %v", err)
	}
	nameVal, offset, err := ts.StringType().Decode(callBuf, offset)
	if err != nil {
		return newCallError("invalid message name: %v", err)
	}
	name, _ := nameVal.(string)

	msg, ok := p.Message(name)
	if !ok {
		return writeStatelessSystemError(enc, ts, id, nil, fmt.Sprintf("unknown message: %s", name))
	}
	handler, ok := p.handlerFor(name)
	if !ok {
		if msg.OneWay {
			return nil
		}
		return writeStatelessSystemError(enc, ts, id, msg, "unhandled message")
	}

	var reqVal any
	if resolvers != nil {
		if resolver, ok := resolvers.request[name]; ok {
			reqVal, _, err = resolver.Decode(callBuf, offset)
		} else {
			reqVal, _, err = msg.Request.Decode(callBuf, offset)
		}
	} else {
		reqVal, _, err = msg.Request.Decode(callBuf, offset)
	}
	if err != nil {
		return writeStatelessSystemError(enc, ts, id, msg, fmt.Sprintf("invalid request: %v", err))
	}

	ctx := context.Background()
	info := DispatchInfo{Message: name, OneWay: msg.OneWay, RequestID: strconv.FormatInt(id, 10), Metadata: meta}
	var token HookToken
	if opts.Hook != nil {
		ctx, token = opts.Hook.OnDispatchStart(ctx, info)
	}
	result, herr := handler(ctx, reqVal)
	if opts.Hook != nil {
		opts.Hook.OnDispatchEnd(ctx, token, info, herr)
	}

	if msg.OneWay {
		return nil
	}
	if herr != nil {
		return writeStatelessErrorReply(enc, ts, id, msg, herr)
	}
	return writeStatelessReply(enc, ts, id, msg, result)
}

func writeStatelessSystemError(enc *FrameEncoder, ts TypeSystem, id int64, msg *Message, text string) error {
	if msg != nil && msg.OneWay {
		return nil
	}
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return err
	}
	strBytes, err := ts.StringType().Encode(text)
	if err != nil {
		return err
	}
	buf := append(append(metaBytes, 1), strBytes...)
	return enc.WriteMessage(buf)
}

func writeStatelessErrorReply(enc *FrameEncoder, ts TypeSystem, id int64, msg *Message, callErr error) error {
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return err
	}
	var errBytes []byte
	if msg.Errors.IsValid(callErr.Error()) {
		errBytes, err = msg.Errors.Encode(callErr.Error())
	} else {
		errBytes, err = msg.Errors.Encode(callErr)
	}
	if err != nil {
		return writeStatelessSystemError(enc, ts, id, msg, fmt.Sprintf("unencodable error: %v", err))
	}
	buf := append(append([]byte{}, metaBytes...), 1)
	buf = append(buf, errBytes...)
	return enc.WriteMessage(buf)
}

func writeStatelessReply(enc *FrameEncoder, ts TypeSystem, id int64, msg *Message, resp any) error {
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return err
	}
	respBytes, err := msg.Response.Encode(resp)
	if err != nil {
		return writeStatelessSystemError(enc, ts, id, msg, fmt.Sprintf("unencodable response: %v", err))
	}
	buf := append(append([]byte{}, metaBytes...), 0)
	buf = append(buf, respBytes...)
	return enc.WriteMessage(buf)
}
