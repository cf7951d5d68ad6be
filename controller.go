// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoDescriptor is reported by Ready when the controller was
	// constructed without a worker descriptor. It is the only
	// initialization failure surfaced to the caller.
	ErrNoDescriptor = errors.New("relay: no worker descriptor")

	// ErrNoHandler is reported by DeliverLocal when no message callback
	// is installed. The bridge never delivers before adoption, so a
	// missing callback means the channel wiring itself is broken.
	ErrNoHandler = errors.New("relay: no message handler registered")

	// ErrClosed is reported by transports after Terminate.
	ErrClosed = errors.New("relay: channel closed")
)

// channelMode is decided once during initialization and never re-probed.
type channelMode uint8

const (
	modePending channelMode = iota
	modeRemote              // messages flow through a worker handle
	modeLocal               // messages flow through an adopted Peer
)

// inbound is one message observed before the application registered a
// callback, kept verbatim for replay.
type inbound struct {
	env      Envelope
	origin   string
	transfer []any
}

// Controller is the caller-side end of the channel. It attempts to start
// a remote worker for its descriptor and transparently degrades to an
// in-process Peer when no worker facility is available.
//
// The zero value is not usable; construct with New. Construction never
// fails: configuration errors surface through Ready.
type Controller struct {
	log        *zap.Logger
	descriptor string
	initErr    error

	// listener is the active message sink. It is installed before any
	// remote instantiation is attempted so no message can be missed.
	listener func(env Envelope, origin string, transfer []any)

	mu         sync.Mutex
	mode       channelMode
	handle     Handle // remote mode
	peer       *Peer  // local mode
	ready      bool
	readyCh    chan struct{}
	callback   func(Envelope)
	backlog    []inbound
	replaying  bool
	outbox     *pendingQueue
	terminated bool
}

// New creates a Controller for the given worker descriptor. The
// descriptor identifies the companion worker: a command line for the
// proc transport, a URL for http/grpc/ws, or a module name registered
// with RegisterModule for bridge mode.
func New(descriptor string, opts ...Option) *Controller {
	o := newOptions(opts)
	c := &Controller{
		log:        o.logger,
		descriptor: descriptor,
		readyCh:    make(chan struct{}),
		outbox:     newPendingQueue(),
	}
	c.listener = c.dispatch

	if strings.TrimSpace(descriptor) == "" {
		c.initErr = fmt.Errorf("%w: descriptor must not be empty", ErrNoDescriptor)
		return c
	}

	factory := o.factory
	if factory == nil {
		factory = factoryFor(o)
	}

	h, err := factory(descriptor)
	if err == nil {
		c.mode = modeRemote
		c.handle = h
		c.subscribe(h)
		return c
	}

	c.log.Info("remote worker unavailable, falling back to in-process peer",
		zap.String("descriptor", descriptor),
		zap.Error(err))

	loader := o.loader
	if loader == nil {
		loader = loadModule
	}
	go c.fallback(loader)
	return c
}

// subscribe routes the handle's incoming messages into the internal
// listener, adapting to whichever subscription mechanism it exposes.
func (c *Controller) subscribe(h Handle) {
	fn := func(env Envelope) { c.listener(env, "", nil) }
	switch s := h.(type) {
	case HandlerSlot:
		s.SetHandler(fn)
	case Emitter:
		s.On("message", fn)
	default:
		c.log.Warn("worker handle exposes no subscription mechanism")
	}
}

// fallback loads the companion Peer and adopts it. Load failures degrade
// to a stand-in peer rather than failing the channel. A peer that
// finishes loading after Terminate is torn down instead of bound.
func (c *Controller) fallback(loader Loader) {
	p, err := loader(context.Background(), c.descriptor)
	if err != nil || p == nil {
		c.log.Warn("peer module load failed, degrading to stand-in",
			zap.String("descriptor", c.descriptor),
			zap.Error(err))
		p = newStandInPeer(c.log)
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		if err := p.Terminate(); err != nil {
			c.log.Warn("late-loaded peer teardown failed", zap.Error(err))
		}
		return
	}
	c.mode = modeLocal
	c.peer = p
	c.mu.Unlock()

	p.Adopt(c)
	c.markReady()
}

// dispatch is the internal listener: it consumes the readiness sentinel
// and holds back application messages until the channel is ready and a
// callback is installed.
func (c *Controller) dispatch(env Envelope, origin string, transfer []any) {
	if env.IsSentinel() {
		c.markReady()
		return
	}

	c.mu.Lock()
	if !c.ready || c.callback == nil || c.replaying {
		c.backlog = append(c.backlog, inbound{env: env, origin: origin, transfer: transfer})
		c.mu.Unlock()
		return
	}
	cb := c.callback
	c.mu.Unlock()

	invokeCallback(c.log, cb, env)
}

// markReady transitions the channel to the ready state exactly once,
// replays held-back inbound messages, and flushes queued outbound sends.
// readyCh closes only after the flush, so a send made right after Ready
// returns cannot overtake the queued ones on the wire.
func (c *Controller) markReady() {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true

	var replay []inbound
	cb := c.callback
	if cb != nil {
		replay = c.backlog
		c.backlog = nil
		c.replaying = true
	}
	var sends []outbound
	c.outbox.drain(func(m outbound) { sends = append(sends, m) })
	c.mu.Unlock()

	if cb != nil {
		for _, m := range replay {
			invokeCallback(c.log, cb, m.env)
		}
		c.flushBacklog(cb)
	}
	for _, m := range sends {
		if err := c.send(m); err != nil {
			c.log.Warn("queued message dropped", zap.Error(err))
		}
	}
	close(c.readyCh)
}

// flushBacklog delivers messages that arrived while a replay was in
// flight, then clears the replay guard.
func (c *Controller) flushBacklog(cb func(Envelope)) {
	for {
		c.mu.Lock()
		if len(c.backlog) == 0 {
			c.replaying = false
			c.mu.Unlock()
			return
		}
		replay := c.backlog
		c.backlog = nil
		c.mu.Unlock()
		for _, m := range replay {
			invokeCallback(c.log, cb, m.env)
		}
	}
}

// Ready blocks until the channel is established, returning the
// controller itself for chaining. It fails only for the missing
// descriptor configuration error or context cancellation; every other
// initialization problem degrades to a working channel instead.
func (c *Controller) Ready(ctx context.Context) (*Controller, error) {
	if c.initErr != nil {
		return nil, c.initErr
	}
	select {
	case <-c.readyCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Post sends a payload with no origin or transfer list.
func (c *Controller) Post(payload any) error {
	return c.PostMessage(payload, "", nil)
}

// PostMessage sends a payload toward the worker, wrapping it into an
// Envelope unless it already is one. Messages posted before the channel
// is ready are queued and flushed in order once it becomes ready.
func (c *Controller) PostMessage(payload any, origin string, transfer []any) error {
	if c.initErr != nil {
		return nil // configuration failure already surfaced via Ready
	}

	m := outbound{payload: payload, origin: origin, transfer: transfer}

	c.mu.Lock()
	if !c.ready && c.outbox.push(m) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.send(m)
}

func (c *Controller) send(m outbound) error {
	c.mu.Lock()
	mode, h, p := c.mode, c.handle, c.peer
	c.mu.Unlock()

	env := wrap(m.payload)
	switch mode {
	case modeRemote:
		return h.Post(env, m.transfer)
	case modeLocal:
		return p.DeliverLocal(env)
	default:
		return fmt.Errorf("relay: channel has no route")
	}
}

// OnMessage installs fn as the application message callback, replacing
// any previous one, and immediately replays messages that arrived before
// a callback was registered, in their original order.
func (c *Controller) OnMessage(fn func(Envelope)) {
	c.mu.Lock()
	c.callback = fn
	var replay []inbound
	if c.ready && len(c.backlog) > 0 {
		replay = c.backlog
		c.backlog = nil
		c.replaying = true
	}
	c.mu.Unlock()

	if replay != nil {
		for _, m := range replay {
			invokeCallback(c.log, fn, m.env)
		}
		c.flushBacklog(fn)
	}
}

// DeliverLocal is the entry point a bridged Peer posts through. The
// envelope passes through the same internal listener as remote messages,
// so sentinel filtering behaves identically in both modes. Messages
// arriving before readiness are held back for replay; once the channel
// is ready, delivering with no callback installed is a hard error, since
// the bridge never delivers before adoption and a missing callback then
// means the wiring itself is broken.
func (c *Controller) DeliverLocal(env Envelope, origin string, transfer []any) error {
	if c.listener == nil {
		return fmt.Errorf("%w: controller has no listener", ErrNoHandler)
	}
	if !env.IsSentinel() {
		c.mu.Lock()
		violated := c.ready && c.callback == nil
		c.mu.Unlock()
		if violated {
			return fmt.Errorf("%w: controller has no callback", ErrNoHandler)
		}
	}
	c.listener(env, origin, transfer)
	return nil
}

// Terminate tears the channel down. It is idempotent: repeat calls
// return nil without touching the underlying worker again.
func (c *Controller) Terminate() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	h, p := c.handle, c.peer
	c.mu.Unlock()

	switch {
	case h != nil:
		return h.Terminate()
	case p != nil:
		return p.Terminate()
	default:
		return nil
	}
}

// invokeCallback isolates the channel from a misbehaving application
// callback: a panic is logged and delivery continues.
func invokeCallback(log *zap.Logger, fn func(Envelope), env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("message callback panicked", zap.Any("panic", r))
		}
	}()
	fn(env)
}
