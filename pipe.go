// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import "sync"

const pipeDepth = 64

// PipeEnd is one side of an in-memory channel pair. It supports both
// subscription styles, so either side of a relay channel can sit on it.
// Delivery is asynchronous and order-preserving per direction, matching
// what a worker event loop provides.
type PipeEnd struct {
	in    chan Envelope
	other *PipeEnd

	mu           sync.RWMutex
	handler      func(Envelope)
	handlerOnce  sync.Once
	handlerReady chan struct{}

	done      chan struct{}
	closeOnce *sync.Once // shared: terminating either end stops both
}

// Pipe creates two linked ends. Envelopes posted on one end are delivered
// to the handler installed on the other.
func Pipe() (*PipeEnd, *PipeEnd) {
	done := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{in: make(chan Envelope, pipeDepth), handlerReady: make(chan struct{}), done: done, closeOnce: once}
	b := &PipeEnd{in: make(chan Envelope, pipeDepth), handlerReady: make(chan struct{}), done: done, closeOnce: once}
	a.other, b.other = b, a
	go a.deliver()
	go b.deliver()
	return a, b
}

// Post sends toward the opposite end. Transfer items are in-process and
// pass through untouched inside the envelope payload.
func (e *PipeEnd) Post(payload any, transfer []any) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	env := wrap(payload)
	select {
	case e.other.in <- env:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// SetHandler installs the delivery handler (assignable-slot style).
func (e *PipeEnd) SetHandler(fn func(Envelope)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
	e.handlerOnce.Do(func() { close(e.handlerReady) })
}

// On installs the delivery handler (emitter style); only the "message"
// event is recognized.
func (e *PipeEnd) On(event string, fn func(Envelope)) {
	if event == "message" {
		e.SetHandler(fn)
	}
}

// Terminate stops both ends. Idempotent.
func (e *PipeEnd) Terminate() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func (e *PipeEnd) deliver() {
	for {
		select {
		case env := <-e.in:
			select {
			case <-e.handlerReady:
			case <-e.done:
				return
			}
			e.mu.RLock()
			fn := e.handler
			e.mu.RUnlock()
			fn(env)
		case <-e.done:
			return
		}
	}
}
