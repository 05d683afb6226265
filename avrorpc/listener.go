// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

// HandlerFunc implements one message. For a one-way message the returned
// value and error are both discarded (spec.md §4.2: no reply is ever sent).
type HandlerFunc func(ctx context.Context, req any) (resp any, err error)

// Handle registers handler for messageName. Registering for a name the
// protocol does not declare returns an "unknown message" error and
// registers nothing. A declared message that never gets a handler fails at
// dispatch time with "unhandled message" (see [Listener]'s read loop).
func (p *Protocol) Handle(messageName string, handler HandlerFunc) error {
	if _, ok := p.messages[messageName]; !ok {
		return newCallError("unknown message: %s", messageName)
	}
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[messageName] = handler
	return nil
}

func (p *Protocol) handlerFor(messageName string) (HandlerFunc, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[messageName]
	if !ok {
		return nil, false
	}
	return h.(HandlerFunc), true
}

// ListenerOptions configures a session created by [Protocol.CreateListener].
type ListenerOptions struct {
	Hook    DispatchHook
	OnError func(err error)
	OnClose func(pendingCount int)
	Logger  *slog.Logger
}

// Listener is the server-side state machine: it accepts the handshake then
// dispatches requests to registered handlers over a [Duplex] (stateful)
// transport.
type Listener struct {
	protocol *Protocol
	transport Duplex
	opts     ListenerOptions
	log      *slog.Logger

	enc *FrameEncoder
	dec *FrameDecoder

	writeMu sync.Mutex

	resolvers *resolverSet // nil until a CLIENT/NONE-retry match is reached

	wg sync.WaitGroup // outstanding handler goroutines

	mu        sync.Mutex
	destroyed bool
	closeOnce sync.Once
	doneCh    chan struct{}
}

// CreateListener creates a stateful listener session and starts serving on
// a background goroutine.
func (p *Protocol) CreateListener(transport Duplex, opts ListenerOptions) *Listener {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	enc, err := NewFrameEncoder(transport, defaultFrameSize)
	if err != nil {
		panic(err)
	}
	l := &Listener{
		protocol:  p,
		transport: transport,
		opts:      opts,
		log:       log,
		enc:       enc,
		dec:       NewFrameDecoder(transport, false),
		doneCh:    make(chan struct{}),
	}
	go l.serve()
	return l
}

func (l *Listener) serve() {
	if err := l.runHandshake(); err != nil {
		if l.opts.OnError != nil {
			l.opts.OnError(err)
		}
		l.Destroy(true)
		return
	}
	l.readLoop()
}

// runHandshake loops the listener side of spec.md §4.3 until a non-NONE
// match (or a NONE-with-client-retry that eventually succeeds) is reached,
// or the transport ends.
func (l *Listener) runHandshake() error {
	for {
		msg, err := l.dec.ReadMessage()
		if err != nil {
			return newHandshakeError("handshake error: %v", err)
		}
		req, _, err := decodeHandshakeRequest(l.protocol.ts, msg, 0)
		if err != nil {
			return newHandshakeError("handshake error: %v", err)
		}

		resp, err := listenerHandshake(l.protocol, l.protocol.canon, req)
		if err != nil {
			return err
		}

		if resp.Match == MatchClient || resp.Match == MatchBoth {
			if req.ClientProtocol != nil {
				peer, perr := NewProtocol([]byte(*req.ClientProtocol), l.protocol.ts, l.protocol.opts)
				if perr == nil {
					if rs, ok := l.protocol.listenerCache.get(req.ClientHash); ok {
						l.resolvers = rs
					} else if rs, berr := buildListenerResolverSet(l.protocol.ts, peer, l.protocol); berr == nil {
						l.resolvers = rs
					}
				}
			} else if rs, ok := l.protocol.listenerCache.get(req.ClientHash); ok {
				l.resolvers = rs
			}
		}

		buf, err := encodeHandshakeResponse(l.protocol.ts, resp)
		if err != nil {
			return err
		}
		l.writeMu.Lock()
		werr := l.enc.WriteMessage(buf)
		l.writeMu.Unlock()
		if werr != nil {
			return newTransportFrameError("write handshake response: %v", werr)
		}

		if resp.Match == MatchBoth || resp.Match == MatchClient {
			return nil
		}
		// NONE: the emitter is expected to retry with clientProtocol set.
		// Loop and read the next handshake request.
	}
}

func (l *Listener) readLoop() {
	for {
		msg, err := l.dec.ReadMessage()
		if err != nil {
			if l.opts.OnError != nil && !isCleanEnd(err) {
				l.opts.OnError(err)
			}
			l.Destroy(true)
			return
		}
		l.dispatch(msg)
	}
}

func isCleanEnd(err error) bool {
	return errors.Is(err, io.EOF)
}

func (l *Listener) dispatch(data []byte) {
	ts := l.protocol.ts
	id, meta, offset, err := decodeMetadata(ts, data, 0)
	if err != nil {
		if l.opts.OnError != nil {
			l.opts.OnError(newCallError("invalid metadata: %v", err))
		}
		return
	}

	nameVal, offset, err := ts.StringType().Decode(data, offset)
	if err != nil {
		if l.opts.OnError != nil {
			l.opts.OnError(newCallError("invalid message name: %v", err))
		}
		return
	}
	name, _ := nameVal.(string)

	msg, ok := l.protocol.Message(name)
	if !ok {
		l.writeSystemError(id, msg, fmt.Sprintf("unknown message: %s", name))
		return
	}

	handler, ok := l.protocol.handlerFor(name)
	if !ok {
		if !msg.OneWay {
			l.writeSystemError(id, msg, "unhandled message")
		}
		return
	}

	var reqVal any
	var derr error
	if l.resolvers != nil {
		if resolver, ok := l.resolvers.request[name]; ok {
			reqVal, _, derr = resolver.Decode(data, offset)
		} else {
			reqVal, _, derr = msg.Request.Decode(data, offset)
		}
	} else {
		reqVal, _, derr = msg.Request.Decode(data, offset)
	}
	if derr != nil {
		l.writeSystemError(id, msg, fmt.Sprintf("invalid request: %v", derr))
		return
	}

	l.wg.Add(1)
	go l.runHandler(id, name, msg, meta, handler, reqVal)
}

func (l *Listener) runHandler(id int64, name string, msg *Message, meta map[string][]byte, handler HandlerFunc, reqVal any) {
	defer l.wg.Done()
	ctx := context.Background()
	info := DispatchInfo{Message: name, OneWay: msg.OneWay, RequestID: strconv.FormatInt(id, 10), Metadata: meta}
	var token HookToken
	if l.opts.Hook != nil {
		ctx, token = l.opts.Hook.OnDispatchStart(ctx, info)
	}

	resp, err := handler(ctx, reqVal)

	if l.opts.Hook != nil {
		l.opts.Hook.OnDispatchEnd(ctx, token, info, err)
	}

	if msg.OneWay {
		return
	}
	if err != nil {
		l.writeErrorReply(id, msg, err)
		return
	}
	l.writeReply(id, msg, resp)
}

func (l *Listener) writeSystemError(id int64, msg *Message, text string) {
	if msg != nil && msg.OneWay {
		return
	}
	ts := l.protocol.ts
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return
	}
	strBytes, err := ts.StringType().Encode(text)
	if err != nil {
		return
	}
	buf := append(append(metaBytes, 1), strBytes...)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.enc.WriteMessage(buf)
}

func (l *Listener) writeErrorReply(id int64, msg *Message, callErr error) {
	ts := l.protocol.ts
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return
	}
	var errBytes []byte
	if msg.Errors.IsValid(callErr.Error()) {
		errBytes, err = msg.Errors.Encode(callErr.Error())
	} else {
		errBytes, err = msg.Errors.Encode(callErr)
	}
	if err != nil {
		l.writeSystemError(id, msg, fmt.Sprintf("unencodable error: %v", err))
		return
	}
	buf := append(append([]byte{}, metaBytes...), 1)
	buf = append(buf, errBytes...)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.enc.WriteMessage(buf)
}

func (l *Listener) writeReply(id int64, msg *Message, resp any) {
	ts := l.protocol.ts
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return
	}
	respBytes, err := msg.Response.Encode(resp)
	if err != nil {
		l.writeSystemError(id, msg, fmt.Sprintf("unencodable response: %v", err))
		return
	}
	buf := append(append([]byte{}, metaBytes...), 0)
	buf = append(buf, respBytes...)
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.enc.WriteMessage(buf)
}

// Destroy ends the session. When noWait is false it waits for outstanding
// handlers to finish before closing the transport; when true it closes
// immediately.
func (l *Listener) Destroy(noWait bool) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	l.mu.Unlock()

	if !noWait {
		l.wg.Wait()
	}
	l.closeOnce.Do(func() {
		_ = l.transport.Close()
		close(l.doneCh)
		if l.opts.OnClose != nil {
			l.opts.OnClose(0)
		}
	})
}

// Done is closed once the session has fully ended.
func (l *Listener) Done() <-chan struct{} { return l.doneCh }
