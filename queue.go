// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
)

// outbound is one queued send: the full argument tuple of a PostMessage
// call captured before the channel was ready.
type outbound struct {
	payload  any
	origin   string
	transfer []any
}

// pendingQueue holds sends made before readiness. It is append-only until
// drained; the drain happens exactly once, in FIFO order, and the queue
// never accepts items afterward. Callers hold their own lock around it.
type pendingQueue struct {
	q       *linkedlistqueue.Queue
	drained bool
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: linkedlistqueue.New()}
}

// push appends one tuple. It reports false once the queue has drained:
// post-drain sends must go straight to the channel instead.
func (p *pendingQueue) push(m outbound) bool {
	if p.drained {
		return false
	}
	p.q.Enqueue(m)
	return true
}

// drain hands every queued tuple to fn in insertion order, empties the
// queue, and seals it. Repeat calls are no-ops.
func (p *pendingQueue) drain(fn func(outbound)) {
	if p.drained {
		return
	}
	p.drained = true
	for {
		v, ok := p.q.Dequeue()
		if !ok {
			return
		}
		fn(v.(outbound))
	}
}

func (p *pendingQueue) size() int {
	return p.q.Size()
}

// inbox buffers inbound envelopes until a handler is installed and
// replays them in arrival order. Envelopes dispatched while a replay is
// in flight join the backlog instead of being delivered directly, so a
// late frame can never overtake an earlier buffered one.
type inbox struct {
	mu        sync.Mutex
	handler   func(Envelope)
	backlog   []Envelope
	replaying bool
}

// set installs fn, replacing any previous handler, and drains the
// backlog to it. It returns only once every buffered envelope,
// including any that arrived mid-replay, has been delivered.
func (b *inbox) set(fn func(Envelope)) {
	b.mu.Lock()
	b.handler = fn
	for len(b.backlog) > 0 {
		replay := b.backlog
		b.backlog = nil
		b.replaying = true
		b.mu.Unlock()
		for _, env := range replay {
			fn(env)
		}
		b.mu.Lock()
		b.replaying = false
	}
	b.mu.Unlock()
}

// dispatch delivers one envelope, buffering it while no handler is
// installed or a replay is running.
func (b *inbox) dispatch(env Envelope) {
	b.mu.Lock()
	if b.handler == nil || b.replaying {
		b.backlog = append(b.backlog, env)
		b.mu.Unlock()
		return
	}
	fn := b.handler
	b.mu.Unlock()
	fn(env)
}
