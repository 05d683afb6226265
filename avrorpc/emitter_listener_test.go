// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package avrorpc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// localDuplex adapts a pair of io.Pipe() halves into a Duplex for tests.
// avrorpc cannot import package transport (transport imports avrorpc), so
// sessions here talk over this minimal in-process stand-in instead.
type localDuplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d *localDuplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *localDuplex) Write(p []byte) (int, error) { return d.w.Write(p) }
func (d *localDuplex) Close() error {
	_ = d.r.Close()
	_ = d.w.Close()
	return nil
}

// localDuplexPair returns two Duplex ends wired crosswise: writes to a are
// reads from b, and vice versa.
func localDuplexPair() (a, b Duplex) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a = &localDuplex{r: r1, w: w2}
	b = &localDuplex{r: r2, w: w1}
	return a, b
}

const negateProtocolJSON = `{
  "protocol": "Math",
  "messages": {
    "negate": {
      "request": [{"name": "n", "type": "int"}],
      "response": "long"
    },
    "ping": {
      "request": [],
      "response": "null",
      "one-way": true
    },
    "unhandled": {
      "request": [],
      "response": "null"
    }
  }
}`

func newNegateProtocols(t *testing.T) (clientProto, serverProto *Protocol) {
	t.Helper()
	clientProto, err := NewProtocol([]byte(negateProtocolJSON), fakeTypeSystem{}, Options{})
	if err != nil {
		t.Fatalf("NewProtocol client: %v", err)
	}
	serverProto, err = NewProtocol([]byte(negateProtocolJSON), fakeTypeSystem{}, Options{})
	if err != nil {
		t.Fatalf("NewProtocol server: %v", err)
	}
	return clientProto, serverProto
}

func TestEmitterListenerRoundTrip(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	if err := serverProto.Handle("negate", func(_ context.Context, req any) (any, error) {
		m := req.(map[string]any)
		n := int64(m["n"].(float64))
		return -n, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	type result struct {
		err  error
		resp any
	}
	done := make(chan result, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := emitter.Emit(ctx, "negate", map[string]any{"n": float64(20)}, func(err error, resp any) {
		done <- result{err: err, resp: resp}
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("call failed: %v", r.err)
		}
		if r.resp != int64(-20) {
			t.Fatalf("got %v (%T), want -20", r.resp, r.resp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for reply")
	}

	emitter.Destroy(false)
	<-emitter.Done()
	listener.Destroy(false)
	<-listener.Done()
}

func TestEmitterListenerOutOfOrderReplies(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	var mu sync.Mutex
	releaseFirst := make(chan struct{})
	if err := serverProto.Handle("negate", func(_ context.Context, req any) (any, error) {
		m := req.(map[string]any)
		n := int64(m["n"].(float64))
		mu.Lock()
		first := n == 1
		mu.Unlock()
		if first {
			<-releaseFirst // the first call's handler blocks until the second has replied
		}
		return -n, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstDone := make(chan any, 1)
	secondDone := make(chan any, 1)

	if _, err := emitter.Emit(ctx, "negate", map[string]any{"n": float64(1)}, func(err error, resp any) {
		if err != nil {
			t.Errorf("first call failed: %v", err)
		}
		firstDone <- resp
	}); err != nil {
		t.Fatalf("Emit first: %v", err)
	}

	if _, err := emitter.Emit(ctx, "negate", map[string]any{"n": float64(2)}, func(err error, resp any) {
		if err != nil {
			t.Errorf("second call failed: %v", err)
		}
		secondDone <- resp
		close(releaseFirst)
	}); err != nil {
		t.Fatalf("Emit second: %v", err)
	}

	select {
	case resp := <-secondDone:
		if resp != int64(-2) {
			t.Fatalf("second reply got %v, want -2", resp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for second reply")
	}
	select {
	case resp := <-firstDone:
		if resp != int64(-1) {
			t.Fatalf("first reply got %v, want -1", resp)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for first reply")
	}

	emitter.Destroy(false)
	listener.Destroy(false)
}

func TestEmitterOneWayHasNoCallback(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	received := make(chan struct{})
	if err := serverProto.Handle("ping", func(_ context.Context, _ any) (any, error) {
		close(received)
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := emitter.Emit(ctx, "ping", map[string]any{}, nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("timed out waiting for one-way delivery")
	}

	emitter.Destroy(false)
	listener.Destroy(false)
}

func TestListenerRepliesSystemErrorForUnregisteredMessage(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	// "unhandled" is declared but never registered via Handle.

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	if _, err := emitter.Emit(ctx, "unhandled", map[string]any{}, func(err error, _ any) {
		done <- err
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a system error for an unregistered message")
		}
		if err.Error() != "unhandled message" {
			t.Fatalf("got error %q, want %q", err.Error(), "unhandled message")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for system error reply")
	}

	emitter.Destroy(false)
	listener.Destroy(false)
}

func TestEmitterDestroyNoWaitFailsPendingImmediately(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	block := make(chan struct{})
	if err := serverProto.Handle("negate", func(_ context.Context, _ any) (any, error) {
		<-block // never replies within the test
		return nil, nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	defer close(block)

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	if _, err := emitter.Emit(ctx, "negate", map[string]any{"n": float64(5)}, func(err error, _ any) {
		done <- err
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	// Give the call a moment to reach the wire before destroying.
	time.Sleep(50 * time.Millisecond)
	emitter.Destroy(true)

	select {
	case err := <-done:
		if err != ErrInterrupted {
			t.Fatalf("got %v, want ErrInterrupted", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for interrupted callback")
	}

	<-emitter.Done()
	listener.Destroy(true)
}

func TestEmitAssignsUniqueCorrelationIDs(t *testing.T) {
	clientProto, serverProto := newNegateProtocols(t)
	if err := serverProto.Handle("negate", func(_ context.Context, req any) (any, error) {
		m := req.(map[string]any)
		return -int64(m["n"].(float64)), nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	clientSide, serverSide := localDuplexPair()
	listener := serverProto.CreateListener(serverSide, ListenerOptions{})
	emitter := clientProto.CreateEmitter(clientSide, EmitterOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := map[int64]bool{}
	var mu sync.Mutex
	const calls = 10
	results := make(chan struct{}, calls)
	for i := 0; i < calls; i++ {
		id, err := emitter.Emit(ctx, "negate", map[string]any{"n": float64(i)}, func(err error, _ any) {
			results <- struct{}{}
		})
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
		mu.Lock()
		if seen[id] {
			t.Fatalf("duplicate correlation id %d", id)
		}
		seen[id] = true
		mu.Unlock()
	}
	for i := 0; i < calls; i++ {
		select {
		case <-results:
		case <-ctx.Done():
			t.Fatal("timed out waiting for all replies")
		}
	}

	emitter.Destroy(false)
	listener.Destroy(false)
}
