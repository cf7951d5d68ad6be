// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Peer is the worker-side end of the channel. A worker module constructs
// one around its host port (the execution unit's own self-context) and
// behaves identically whether it runs in a real worker or was adopted by
// a Controller operating in-process.
//
// Capability is injected, not sniffed: a nil host means the peer can only
// operate through the bridge.
type Peer struct {
	log *zap.Logger

	mu          sync.Mutex
	host        Port           // relinquished exactly once, at adoption
	hostHandler func(Envelope) // handler attached to the host pre-adoption
	pending     *pendingQueue
	ready       bool
	sentReady   bool
	adopted     bool
	boots       *Controller // the adopting controller, bridge mode only
	callback    func(Envelope)
	onTerminate func()
}

// NewPeer creates a Peer around the given host port. host may be nil when
// no worker facility exists; the peer then waits to be adopted.
func NewPeer(host Port, opts ...Option) *Peer {
	o := newOptions(opts)
	return &Peer{
		log:     o.logger,
		host:    host,
		pending: newPendingQueue(),
	}
}

// newStandInPeer builds the minimal peer a controller binds when the
// companion module cannot be loaded. It discards deliveries so the
// channel stays functional instead of failing.
func newStandInPeer(log *zap.Logger) *Peer {
	p := NewPeer(nil, WithLogger(log))
	p.callback = func(Envelope) {}
	return p
}

// remoteCapableLocked reports whether the peer still talks to a real
// host. Callers hold p.mu.
func (p *Peer) remoteCapableLocked() bool {
	return p.host != nil
}

// Ready announces the peer to the other side. In remote mode the
// readiness sentinel goes through the host; in bridge mode it goes
// straight into the adopting controller. If the peer is not yet adopted
// the sentinel is deferred until adoption. The pending queue drains only
// once the sentinel is actually on its way, so queued data can never
// race ahead of the readiness signal.
func (p *Peer) Ready() error {
	p.mu.Lock()
	p.ready = true

	var via Port
	var boots *Controller
	if !p.sentReady {
		switch {
		case p.remoteCapableLocked():
			p.sentReady = true
			via = p.host
		case p.boots != nil:
			p.sentReady = true
			boots = p.boots
		}
	}
	var sends []outbound
	if p.sentReady {
		p.pending.drain(func(m outbound) { sends = append(sends, m) })
	}
	p.mu.Unlock()

	// A failed sentinel send is reported, but the drained queue is
	// flushed regardless: the drain sealed it, so holding the messages
	// back here would lose them for good.
	var sentinelErr error
	if via != nil {
		if err := via.Post(sentinelEnvelope(), nil); err != nil {
			sentinelErr = fmt.Errorf("relay: send readiness sentinel: %w", err)
			p.log.Warn("readiness sentinel dropped", zap.Error(err))
		}
	}
	if boots != nil {
		if err := boots.DeliverLocal(sentinelEnvelope(), "", nil); err != nil {
			sentinelErr = fmt.Errorf("relay: send readiness sentinel: %w", err)
			p.log.Warn("readiness sentinel dropped", zap.Error(err))
		}
	}

	for _, m := range sends {
		if err := p.send(m); err != nil {
			p.log.Warn("queued message dropped", zap.Error(err))
		}
	}
	return sentinelErr
}

// Post sends a payload with no origin or transfer list.
func (p *Peer) Post(payload any) error {
	return p.PostMessage(payload, "", nil)
}

// PostMessage sends a payload toward the controller, wrapping it into an
// Envelope unless it already is one. Sends before Ready are queued and
// flushed, in order, right after the readiness sentinel.
func (p *Peer) PostMessage(payload any, origin string, transfer []any) error {
	m := outbound{payload: payload, origin: origin, transfer: transfer}

	p.mu.Lock()
	if !p.ready || (p.host == nil && p.boots == nil) {
		if p.pending.push(m) {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	return p.send(m)
}

func (p *Peer) send(m outbound) error {
	p.mu.Lock()
	host, boots := p.host, p.boots
	p.mu.Unlock()

	env := wrap(m.payload)
	switch {
	case host != nil:
		return host.Post(env, m.transfer)
	case boots != nil:
		return boots.DeliverLocal(env, m.origin, m.transfer)
	default:
		return fmt.Errorf("relay: peer has no route")
	}
}

// OnMessage installs fn as the application message callback. In remote
// mode it is attached to the host's event mechanism, whichever style the
// host supports; in bridge mode it is stored for DeliverLocal. The
// readiness sentinel is filtered out on every path.
func (p *Peer) OnMessage(fn func(Envelope)) {
	guarded := func(env Envelope) {
		if env.IsSentinel() {
			return
		}
		invokeCallback(p.log, fn, env)
	}

	p.mu.Lock()
	host := p.host
	if host != nil {
		p.hostHandler = guarded
		p.mu.Unlock()
		switch s := host.(type) {
		case HandlerSlot:
			s.SetHandler(guarded)
		case Emitter:
			s.On("message", guarded)
		default:
			p.log.Warn("host exposes no subscription mechanism")
		}
		return
	}
	p.callback = guarded
	p.mu.Unlock()
}

// DeliverLocal is the bridge-path delivery entry point, symmetric to the
// controller's. Delivering with no callback installed is a hard error:
// the bridge never calls this before adoption, so a missing callback
// means broken wiring, not a transient condition.
func (p *Peer) DeliverLocal(env Envelope) error {
	if env.IsSentinel() {
		return nil
	}

	p.mu.Lock()
	cb := p.callback
	p.mu.Unlock()

	if cb == nil {
		return fmt.Errorf("%w: peer has no callback", ErrNoHandler)
	}
	cb(env)
	return nil
}

// Adopt binds the peer to a controller operating in-process. It is the
// one-time ownership transfer: the host reference is discarded here and
// never used again. If Ready ran before adoption the deferred sentinel
// is sent now; if a handler was attached to the host before adoption it
// is reinstalled as the local callback.
func (p *Peer) Adopt(c *Controller) {
	p.mu.Lock()
	if p.adopted {
		p.mu.Unlock()
		return
	}
	p.adopted = true
	p.boots = c

	if p.hostHandler != nil && p.callback == nil {
		p.callback = p.hostHandler
	}
	p.hostHandler = nil
	p.host = nil

	needSentinel := p.ready && !p.sentReady
	var sends []outbound
	if needSentinel {
		p.sentReady = true
		p.pending.drain(func(m outbound) { sends = append(sends, m) })
	}
	p.mu.Unlock()

	if needSentinel {
		if err := c.DeliverLocal(sentinelEnvelope(), "", nil); err != nil {
			p.log.Warn("readiness sentinel dropped", zap.Error(err))
		}
		for _, m := range sends {
			if err := p.send(m); err != nil {
				p.log.Warn("queued message dropped", zap.Error(err))
			}
		}
	}
}

// OnTerminate registers fn to run when the peer is terminated. This is
// meaningful in bridge mode only: a remote worker is torn down from the
// outside by the controller's Terminate.
func (p *Peer) OnTerminate(fn func()) {
	p.mu.Lock()
	p.onTerminate = fn
	p.mu.Unlock()
}

// Terminate runs the registered termination callback, if any, and shuts
// the host down when it is still owned and supports termination. Safe to
// call with neither present.
func (p *Peer) Terminate() error {
	p.mu.Lock()
	fn := p.onTerminate
	host := p.host
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
	if t, ok := host.(Terminator); ok {
		return t.Terminate()
	}
	return nil
}
