// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

const framedContentType = "application/vnd.avrorpc.framed-message"

// httpStatelessChannel buffers the outgoing request until CloseWrite, then
// POSTs it in one shot and treats the HTTP response body as the readable
// reply half — the Go-native analog of the teacher's handleUnary, which
// reads one full request body before writing one full response body.
type httpStatelessChannel struct {
	ctx    context.Context
	client *http.Client
	url    string

	req  bytes.Buffer
	resp io.ReadCloser
}

var _ avrorpc.StatelessChannel = (*httpStatelessChannel)(nil)

func (c *httpStatelessChannel) Write(p []byte) (int, error) {
	if c.resp != nil {
		return 0, fmt.Errorf("transport: write after CloseWrite on http stateless channel")
	}
	return c.req.Write(p)
}

func (c *httpStatelessChannel) Read(p []byte) (int, error) {
	if c.resp == nil {
		return 0, fmt.Errorf("transport: read before CloseWrite on http stateless channel")
	}
	return c.resp.Read(p)
}

func (c *httpStatelessChannel) CloseWrite() error {
	if c.resp != nil {
		return nil
	}
	httpReq, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.url, bytes.NewReader(c.req.Bytes()))
	if err != nil {
		return fmt.Errorf("transport: build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", framedContentType)
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("transport: post %s: %w", c.url, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return fmt.Errorf("transport: %s returned status %d: %s", c.url, httpResp.StatusCode, body)
	}
	c.resp = httpResp.Body
	return nil
}

func (c *httpStatelessChannel) Close() error {
	if c.resp != nil {
		return c.resp.Close()
	}
	return nil
}

// HTTPStatelessFactory returns a ChannelFactory that POSTs the framed
// request body to url and treats the response body as the framed reply,
// one HTTP round trip per call. client may be nil to use
// http.DefaultClient.
func HTTPStatelessFactory(url string, client *http.Client) avrorpc.ChannelFactory {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (avrorpc.StatelessChannel, error) {
		return &httpStatelessChannel{ctx: ctx, client: client, url: url}, nil
	}
}

// HTTPStatelessHandler adapts a Protocol's stateless serving into an
// http.Handler: it buffers the request body, drives one
// Protocol.ServeStatelessChannel unit of work against it, and writes
// whatever was produced back as the response body.
type HTTPStatelessHandler struct {
	protocol *avrorpc.Protocol
	opts     avrorpc.ListenerOptions
}

// NewHTTPStatelessHandler wraps protocol for stateless serving over HTTP.
func NewHTTPStatelessHandler(protocol *avrorpc.Protocol, opts avrorpc.ListenerOptions) *HTTPStatelessHandler {
	return &HTTPStatelessHandler{protocol: protocol, opts: opts}
}

type httpServerChannel struct {
	r    io.Reader
	w    *bytes.Buffer
	done chan struct{}
}

func (c *httpServerChannel) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *httpServerChannel) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *httpServerChannel) CloseWrite() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}
func (c *httpServerChannel) Close() error { return nil }

func (h *HTTPStatelessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ch := &httpServerChannel{r: bytes.NewReader(body), w: &bytes.Buffer{}, done: make(chan struct{})}
	if err := h.protocol.ServeStatelessChannel(ch, h.opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", framedContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ch.w.Bytes())
}
