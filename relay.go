// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"

	"go.uber.org/zap"
)

// Port is the minimal send surface of one side of a channel. Transfer
// items are passed through untouched for in-process ports and dropped at
// process boundaries.
type Port interface {
	// Post sends one payload toward the other side
	Post(payload any, transfer []any) error
}

// Terminator is implemented by ports that can be shut down from the
// outside.
type Terminator interface {
	Terminate() error
}

// Handle is what a Factory produces: a live remote worker the controller
// can post to and tear down.
type Handle interface {
	Port
	Terminator
}

// HandlerSlot is the assignable single-handler subscription style. Setting
// a new handler replaces the previous one.
type HandlerSlot interface {
	SetHandler(fn func(Envelope))
}

// Emitter is the event-emitter subscription style. Only the "message"
// event is meaningful to the channel.
type Emitter interface {
	On(event string, fn func(Envelope))
}

// Factory produces a remote worker handle for a descriptor, or fails to
// signal that remote execution is unavailable. A factory error is not
// fatal: the controller falls back to loading the peer in-process.
type Factory func(descriptor string) (Handle, error)

// Loader resolves the companion Peer for a descriptor when the controller
// operates in-process. Go has no ambient module loader, so the default
// loader consults the registry populated by RegisterModule.
type Loader func(ctx context.Context, descriptor string) (*Peer, error)

// Option configures a Controller or Peer.
type Option func(*options)

type options struct {
	factory   Factory
	loader    Loader
	codec     Codec
	transport string // "proc", "http", "grpc", "ws"
	logger    *zap.Logger
}

func newOptions(opts []Option) *options {
	o := &options{
		transport: DefaultTransport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithFactory overrides how the remote worker handle is produced,
// bypassing the transport registry.
func WithFactory(f Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLoader overrides how the companion Peer is resolved in fallback
// mode.
func WithLoader(l Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithCodec sets a custom codec for transports that encode frames.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithTransport explicitly selects the transport used to produce the
// remote handle.
func WithTransport(t string) Option {
	return func(o *options) { o.transport = t }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
