// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"io"
	"os"
	"sync"
)

// IOHost adapts a reader/writer pair into a Peer host port. A worker
// process built for the proc transport hands its own stdio to NewStdioHost
// and blocks on Run:
//
//	host := relay.NewStdioHost()
//	peer := relay.NewPeer(host)
//	peer.OnMessage(func(env relay.Envelope) { ... })
//	peer.Ready()
//	host.Run(context.Background())
type IOHost struct {
	fc   *frameConn
	term chan struct{}
	once sync.Once
}

// NewIOHost creates a host over an arbitrary reader/writer pair.
func NewIOHost(r io.Reader, w io.Writer, opts ...Option) *IOHost {
	o := newOptions(opts)
	return &IOHost{
		fc:   newFrameConn(r, w, codecFor(o), o.logger),
		term: make(chan struct{}),
	}
}

// NewStdioHost creates a host over the process's own stdin/stdout.
func NewStdioHost(opts ...Option) *IOHost {
	return NewIOHost(os.Stdin, os.Stdout, opts...)
}

// Post sends one envelope to the controlling side.
func (h *IOHost) Post(payload any, transfer []any) error {
	return h.fc.Post(payload, transfer)
}

// SetHandler installs the message handler. Frames received before the
// first handler are replayed in order.
func (h *IOHost) SetHandler(fn func(Envelope)) {
	h.fc.SetHandler(fn)
}

// Run blocks until the input stream ends, the context is cancelled, or
// Terminate is called. Worker mains use it as their serve loop.
func (h *IOHost) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.fc.readDone:
		return nil
	case <-h.term:
		return nil
	}
}

// Terminate unblocks Run and rejects further posts.
func (h *IOHost) Terminate() error {
	h.once.Do(func() {
		h.fc.close()
		close(h.term)
	})
	return nil
}
