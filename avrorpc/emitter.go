// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Callback receives the outcome of one emitted call: err is non-nil for a
// system error, a user-declared error-union value, or a core error
// (interrupted, truncated message, ...); resp is the decoded response value
// when err is nil.
type Callback func(err error, resp any)

// EmitterOptions configures a session created by [Protocol.CreateEmitter].
type EmitterOptions struct {
	// OnClose is invoked exactly once, after the session's writable side
	// has been ended, with the number of requests that were still pending.
	OnClose func(pendingCount int)
	// OnHandshake is invoked once the handshake completes successfully
	// (err nil), or when the listener answers NONE with an error in its
	// meta (err non-nil). Other handshake failures (transport or decode
	// errors, a CLIENT reply without serverHash) reach OnError only.
	OnHandshake func(req *HandshakeRequest, resp *HandshakeResponse, err error)
	// OnError is invoked for session-ending errors (handshake and
	// transport-frame errors).
	OnError func(err error)
	Logger  *slog.Logger
}

type queuedEmit struct {
	id       int64
	message  *Message
	value    any
	callback Callback
}

type pendingCall struct {
	message   *Message
	callback  Callback
	startedAt time.Time
}

// Emitter is the client-side state machine: it performs the handshake and
// issues correlated requests over a [Duplex] (stateful) transport.
type Emitter struct {
	protocol  *Protocol
	transport Duplex
	opts      EmitterOptions
	log       *slog.Logger

	enc *FrameEncoder
	dec *FrameDecoder

	writeMu sync.Mutex

	idCounter atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	draining  bool // stop accepting new calls; wait for pending to drain
	destroyed bool
	emptyCh   chan struct{} // closed when pending becomes empty while draining

	hsMu          sync.Mutex
	hsDone        bool
	hsErr         error
	serverFP      *[16]byte
	resolvers     *resolverSet
	queue         []queuedEmit
	hsStarted     bool

	closeOnce sync.Once
	doneCh    chan struct{}
}

// CreateEmitter creates a stateful emitter session. The handshake runs
// lazily on the first [Emitter.Emit] call.
func (p *Protocol) CreateEmitter(transport Duplex, opts EmitterOptions) *Emitter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	enc, err := NewFrameEncoder(transport, defaultFrameSize)
	if err != nil {
		panic(err) // defaultFrameSize is a package constant, never invalid
	}
	e := &Emitter{
		protocol:  p,
		transport: transport,
		opts:      opts,
		log:       log,
		enc:       enc,
		dec:       NewFrameDecoder(transport, false),
		pending:   map[int64]*pendingCall{},
		doneCh:    make(chan struct{}),
	}
	return e
}

const defaultFrameSize = 16 * 1024

// Emit assigns a fresh correlation id and issues a request. For one-way
// messages callback must be nil. Returns the assigned id immediately; the
// call is queued internally until the handshake completes if necessary
// (spec.md §4.4's "sentinel indicating queued" is realized in this binding
// by always returning the real id).
func (e *Emitter) Emit(ctx context.Context, messageName string, value any, callback Callback) (int64, error) {
	msg, ok := e.protocol.Message(messageName)
	if !ok {
		return 0, newCallError("unknown message: %s", messageName)
	}
	if msg.OneWay && callback != nil {
		return 0, newCallError("message %q is one-way: callback must be nil", messageName)
	}

	e.pendingMu.Lock()
	if e.destroyed || e.draining {
		e.pendingMu.Unlock()
		return 0, ErrDestroyed
	}
	e.pendingMu.Unlock()

	id := e.idCounter.Add(1)

	if !msg.OneWay && callback != nil {
		e.pendingMu.Lock()
		e.pending[id] = &pendingCall{message: msg, callback: callback, startedAt: time.Now()}
		e.pendingMu.Unlock()
	}

	e.hsMu.Lock()
	done := e.hsDone
	hsErr := e.hsErr
	if !done {
		e.queue = append(e.queue, queuedEmit{id: id, message: msg, value: value, callback: callback})
		first := !e.hsStarted
		e.hsStarted = true
		e.hsMu.Unlock()
		if first {
			go e.runHandshakeAndPump(ctx)
		}
		return id, nil
	}
	e.hsMu.Unlock()
	if hsErr != nil {
		return id, hsErr
	}

	if err := e.writeCall(id, msg, value); err != nil {
		e.failPending(id, err)
		return id, err
	}
	return id, nil
}

func (e *Emitter) writeCall(id int64, msg *Message, value any) error {
	ts := e.protocol.ts
	if msg.Request != nil {
		if !msg.Request.IsValid(value) {
			return newCallError("invalid request for message %q", msg.Name)
		}
	}
	metaBytes, err := encodeMetadata(ts, id, nil)
	if err != nil {
		return err
	}
	nameBytes, err := ts.StringType().Encode(msg.Name)
	if err != nil {
		return err
	}
	bodyBytes, err := msg.Request.Encode(value)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(metaBytes)+len(nameBytes)+len(bodyBytes))
	buf = append(buf, metaBytes...)
	buf = append(buf, nameBytes...)
	buf = append(buf, bodyBytes...)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.enc.WriteMessage(buf)
}

// runHandshakeAndPump performs the handshake then enters the read loop for
// the lifetime of the session (spec.md §4.3's emitter algorithm, §4.4's
// response handling).
func (e *Emitter) runHandshakeAndPump(ctx context.Context) {
	req := &HandshakeRequest{
		ClientHash: e.protocol.Fingerprint(),
		ServerHash: e.protocol.Fingerprint(),
	}
	if err := e.sendHandshake(req); err != nil {
		e.finishHandshake(nil, err)
		return
	}

	for {
		resp, err := e.readHandshakeResponse()
		if err != nil {
			e.finishHandshake(req, err)
			return
		}
		switch resp.Match {
		case MatchBoth:
			e.finishHandshake(req, nil)
			e.notifyHandshake(req, resp, nil)
			e.drainQueue()
			e.readLoop()
			return
		case MatchClient:
			if resp.ServerHash == nil {
				e.finishHandshake(req, newHandshakeError("CLIENT match missing serverHash"))
				return
			}
			if resp.ServerProtocol != nil {
				if err := e.cacheServerResolvers(*resp.ServerHash, *resp.ServerProtocol); err != nil {
					e.finishHandshake(req, err)
					return
				}
			}
			fp := *resp.ServerHash
			e.hsMu.Lock()
			e.serverFP = &fp
			e.hsMu.Unlock()
			e.finishHandshake(req, nil)
			e.notifyHandshake(req, resp, nil)
			e.drainQueue()
			e.readLoop()
			return
		case MatchNone:
			if txt, ok := resp.errorText(); ok {
				herr := newHandshakeError("handshake error: %s", txt)
				e.finishHandshake(req, herr)
				e.notifyHandshake(req, resp, herr)
				return
			}
			own := string(e.protocol.canon)
			req = &HandshakeRequest{
				ClientHash:     e.protocol.Fingerprint(),
				ClientProtocol: &own,
				ServerHash:     e.protocol.Fingerprint(),
			}
			if resp.ServerHash != nil {
				req.ServerHash = *resp.ServerHash
			}
			if err := e.sendHandshake(req); err != nil {
				e.finishHandshake(req, err)
				return
			}
			continue
		default:
			e.finishHandshake(req, newHandshakeError("unknown match code %q", resp.Match))
			return
		}
	}
}

func (e *Emitter) sendHandshake(req *HandshakeRequest) error {
	buf, err := encodeHandshakeRequest(e.protocol.ts, req)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.enc.WriteMessage(buf)
}

func (e *Emitter) readHandshakeResponse() (*HandshakeResponse, error) {
	msg, err := e.dec.ReadMessage()
	if err != nil {
		return nil, newHandshakeError("handshake error: %v", err)
	}
	resp, _, err := decodeHandshakeResponse(e.protocol.ts, msg, 0)
	if err != nil {
		return nil, newHandshakeError("handshake error: %v", err)
	}
	return resp, nil
}

func (e *Emitter) cacheServerResolvers(fp [16]byte, serverProtocolText string) error {
	server, err := NewProtocol([]byte(serverProtocolText), e.protocol.ts, e.protocol.opts)
	if err != nil {
		return newHandshakeError("parse server protocol: %v", err)
	}
	rs, err := buildEmitterResolverSet(e.protocol.ts, server, e.protocol)
	if err != nil {
		return err
	}
	e.protocol.capMu.Lock()
	e.protocol.emitterCache.put(fp, rs)
	e.protocol.capMu.Unlock()
	e.hsMu.Lock()
	e.resolvers = rs
	e.hsMu.Unlock()
	return nil
}

func (e *Emitter) finishHandshake(req *HandshakeRequest, err error) {
	e.hsMu.Lock()
	e.hsDone = true
	e.hsErr = err
	e.hsMu.Unlock()
	if err != nil {
		if e.opts.OnError != nil {
			e.opts.OnError(err)
		}
		e.failQueue(err)
		e.endSession(0)
	}
}

func (e *Emitter) notifyHandshake(req *HandshakeRequest, resp *HandshakeResponse, err error) {
	if e.opts.OnHandshake != nil {
		e.opts.OnHandshake(req, resp, err)
	}
}

func (e *Emitter) drainQueue() {
	e.hsMu.Lock()
	q := e.queue
	e.queue = nil
	e.hsMu.Unlock()
	for _, item := range q {
		if err := e.writeCall(item.id, item.message, item.value); err != nil {
			e.failPending(item.id, err)
		}
	}
}

func (e *Emitter) failQueue(err error) {
	e.hsMu.Lock()
	q := e.queue
	e.queue = nil
	e.hsMu.Unlock()
	for _, item := range q {
		e.failPending(item.id, err)
	}
}

func (e *Emitter) failPending(id int64, err error) {
	e.pendingMu.Lock()
	call, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	empty := len(e.pending) == 0
	e.pendingMu.Unlock()
	if ok && call.callback != nil {
		go call.callback(err, nil)
	}
	if empty {
		e.signalEmpty()
	}
}

// readLoop reads call replies for the remainder of the session's lifetime
// (spec.md §4.4 response handling).
func (e *Emitter) readLoop() {
	for {
		msg, err := e.dec.ReadMessage()
		if err != nil {
			e.onTransportEnded(err)
			return
		}
		e.handleReply(msg)
	}
}

func (e *Emitter) handleReply(data []byte) {
	ts := e.protocol.ts
	id, _, offset, err := decodeMetadata(ts, data, 0)
	if err != nil {
		if e.opts.OnError != nil {
			e.opts.OnError(newCallError("invalid metadata: %v", err))
		}
		return
	}

	e.pendingMu.Lock()
	call, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	empty := len(e.pending) == 0
	e.pendingMu.Unlock()
	if ok && empty {
		e.signalEmpty()
	}
	if !ok {
		e.log.Warn("orphan response", "id", id)
		return
	}

	resolver := e.responseResolver(call.message.Name)
	value, callErr, err := decodeReplyBody(ts, data, offset, call.message, resolver)
	if err != nil {
		go call.callback(err, nil)
		return
	}
	if callErr != nil {
		go call.callback(callErr, nil)
		return
	}
	go call.callback(nil, value)
}

// decodeReplyBody decodes the isError flag plus payload of a call reply
// (spec.md §4.4 steps 2-4), shared by the stateful and stateless emitter
// read paths. resolver may be nil when the peer's response schema is
// identical to ours (the common same-process/BOTH-match case).
func decodeReplyBody(ts TypeSystem, data []byte, offset int, msg *Message, resolver Resolver) (value any, callErr error, err error) {
	isErrByte, offset, err := decodeErrorFlag(data, offset)
	if err != nil {
		return nil, nil, newCallError("truncated message: %v", err)
	}

	if !isErrByte {
		var derr error
		if resolver != nil {
			value, _, derr = resolver.Decode(data, offset)
		} else {
			value, _, derr = msg.Response.Decode(data, offset)
		}
		if derr != nil {
			return nil, nil, newCallError("no message decoded: %v", derr)
		}
		return value, nil, nil
	}

	errVal, _, derr := msg.Errors.Decode(data, offset)
	if derr != nil {
		return nil, nil, newCallError("truncated message: %v", derr)
	}
	return nil, normalizeErrorValue(errVal), nil
}

func (e *Emitter) responseResolver(messageName string) Resolver {
	e.hsMu.Lock()
	defer e.hsMu.Unlock()
	if e.resolvers == nil {
		return nil
	}
	return e.resolvers.response[messageName]
}

// normalizeErrorValue wraps a string system error into a standard error
// value; user-declared error-union values pass through as-is (spec.md
// §4.4 step 6).
func normalizeErrorValue(v any) error {
	if s, ok := v.(string); ok {
		return errors.New(s)
	}
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

func decodeErrorFlag(data []byte, offset int) (bool, int, error) {
	if offset >= len(data) {
		return false, offset, errors.New("truncated error flag")
	}
	return data[offset] != 0, offset + 1, nil
}

func (e *Emitter) onTransportEnded(err error) {
	if !errors.Is(err, io.EOF) && e.opts.OnError != nil {
		e.opts.OnError(err)
	}
	e.Destroy(true)
}

// Destroy ends the session. When noWait is false (the default), it stops
// accepting new calls and waits for the pending table to drain before
// ending the writable side. When noWait is true, every pending callback is
// failed with [ErrInterrupted] immediately.
func (e *Emitter) Destroy(noWait bool) {
	e.pendingMu.Lock()
	if e.destroyed {
		e.pendingMu.Unlock()
		return
	}
	if noWait {
		e.destroyed = true
		pending := e.pending
		e.pending = map[int64]*pendingCall{}
		count := len(pending)
		e.pendingMu.Unlock()
		for id, call := range pending {
			_ = id
			if call.callback != nil {
				go call.callback(ErrInterrupted, nil)
			}
		}
		e.endSession(count)
		return
	}

	e.draining = true
	empty := len(e.pending) == 0
	if !empty {
		e.emptyCh = make(chan struct{})
	}
	ch := e.emptyCh
	e.pendingMu.Unlock()

	if !empty {
		<-ch
	}
	e.destroyed = true
	e.endSession(0)
}

func (e *Emitter) signalEmpty() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.draining && len(e.pending) == 0 && e.emptyCh != nil {
		select {
		case <-e.emptyCh:
		default:
			close(e.emptyCh)
		}
	}
}

// endSession ends the writable side and fires end-of-transmission exactly
// once.
func (e *Emitter) endSession(pendingCount int) {
	e.closeOnce.Do(func() {
		_ = e.transport.Close()
		close(e.doneCh)
		if e.opts.OnClose != nil {
			e.opts.OnClose(pendingCount)
		}
	})
}

// Done is closed once end-of-transmission has fired.
func (e *Emitter) Done() <-chan struct{} { return e.doneCh }
