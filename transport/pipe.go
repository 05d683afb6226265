// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"

	"github.com/avrorpc/avro-rpc-go/avrorpc"
)

// duplexPipe joins two io.Pipe pairs into one Duplex.
type duplexPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

var _ avrorpc.Duplex = (*duplexPipe)(nil)

func (d *duplexPipe) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *duplexPipe) Write(p []byte) (int, error) { return d.w.Write(p) }

func (d *duplexPipe) Close() error {
	err1 := d.r.Close()
	err2 := d.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Pipe returns two in-memory Duplex endpoints wired to each other: bytes
// written to one are read from the other. Useful for same-process emitter
// and listener pairs, and for tests.
func Pipe() (a, b avrorpc.Duplex) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &duplexPipe{r: r1, w: w2}, &duplexPipe{r: r2, w: w1}
}
