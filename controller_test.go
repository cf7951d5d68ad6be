// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingFactory(string) (Handle, error) {
	return nil, errors.New("no worker facility")
}

func TestMissingDescriptor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := New("")

	_, err := c.Ready(ctx)
	require.ErrorIs(t, err, ErrNoDescriptor)

	// Every subsequent Ready reports the same failure.
	_, err = c.Ready(ctx)
	require.ErrorIs(t, err, ErrNoDescriptor)

	// Remaining operations are safe no-ops.
	assert.NoError(t, c.Post("dropped"))
	assert.NoError(t, c.Terminate())
	assert.NoError(t, c.Terminate())
}

func TestBridgeEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := fmt.Sprintf("bridge-echo-%d", time.Now().UnixNano())
	RegisterModule(desc, func() *Peer {
		p := NewPeer(nil)
		p.OnMessage(func(env Envelope) {
			data := env.Data.(map[string]int)
			p.Post(map[string]int{"elite": data["elite"]})
		})
		p.Ready()
		return p
	})

	c := New(desc, WithFactory(failingFactory))
	defer c.Terminate()

	got := make(chan Envelope, 1)
	c.OnMessage(func(env Envelope) { got <- env })

	_, err := c.Ready(ctx)
	require.NoError(t, err, "factory failure must degrade, not reject")

	require.NoError(t, c.Post(map[string]int{"elite": 313370}))

	select {
	case env := <-got:
		require.False(t, env.IsSentinel())
		assert.Equal(t, 313370, env.Data.(map[string]int)["elite"])
	case <-ctx.Done():
		t.Fatal("no bridge echo before timeout")
	}
}

func TestLoaderFailureDegradesToStandIn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New("never-registered-module", WithFactory(failingFactory))
	defer c.Terminate()

	_, err := c.Ready(ctx)
	require.NoError(t, err, "loader failure must degrade, not reject")

	// The stand-in peer swallows deliveries instead of erroring.
	assert.NoError(t, c.Post("into the void"))
	assert.NoError(t, c.Terminate())
}

func TestCustomLoader(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	loader := func(ctx context.Context, descriptor string) (*Peer, error) {
		p := NewPeer(nil)
		p.OnMessage(func(env Envelope) { p.Post(env.Data) })
		p.Ready()
		return p, nil
	}

	c := New("custom", WithFactory(failingFactory), WithLoader(loader))
	defer c.Terminate()

	got := make(chan any, 1)
	c.OnMessage(func(env Envelope) { got <- env.Data })

	_, err := c.Ready(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Post("ping"))

	select {
	case v := <-got:
		assert.Equal(t, "ping", v)
	case <-ctx.Done():
		t.Fatal("no echo before timeout")
	}
}

func TestBridgePreReadyPostsKeepOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	loader := func(ctx context.Context, descriptor string) (*Peer, error) {
		<-release
		p := NewPeer(nil)
		p.OnMessage(func(env Envelope) { p.Post(env.Data) })
		p.Ready()
		return p, nil
	}

	c := New("slow-module", WithFactory(failingFactory), WithLoader(loader))
	defer c.Terminate()

	var order []int
	done := make(chan struct{})
	c.OnMessage(func(env Envelope) {
		order = append(order, env.Data.(map[string]int)["n"])
		if len(order) == 5 {
			close(done)
		}
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, c.PostMessage(map[string]int{"n": i}, "", nil))
	}
	close(release)

	_, err := c.Ready(ctx)
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
	case <-ctx.Done():
		t.Fatalf("only %d of 5 echoes arrived", len(order))
	}
}

func TestTerminateIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	terminations := 0
	a, b := Pipe()
	handle := countingHandle{Handle: a, n: &terminations}

	p := NewPeer(b)
	p.Ready()

	c := New("term-worker", WithFactory(fixedFactory(handle)))
	_, err := c.Ready(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())
	assert.Equal(t, 1, terminations, "underlying terminate must run once")
}

type countingHandle struct {
	Handle
	n *int
}

func (h countingHandle) Terminate() error {
	*h.n += 1
	return h.Handle.Terminate()
}

func (h countingHandle) SetHandler(fn func(Envelope)) {
	h.Handle.(HandlerSlot).SetHandler(fn)
}

func TestEmitterStyleHandle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, b := Pipe()
	p := NewPeer(b)
	p.OnMessage(func(env Envelope) { p.Post(env.Data) })
	p.Ready()

	c := New("emitter-worker", WithFactory(fixedFactory(emitterOnly{a})))
	defer c.Terminate()

	got := make(chan any, 1)
	c.OnMessage(func(env Envelope) { got <- env.Data })

	_, err := c.Ready(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Post("via emitter"))

	select {
	case v := <-got:
		assert.Equal(t, "via emitter", v)
	case <-ctx.Done():
		t.Fatal("no echo before timeout")
	}
}

// emitterOnly hides the pipe's handler slot so subscription goes through
// the emitter mechanism.
type emitterOnly struct {
	end *PipeEnd
}

func (e emitterOnly) Post(payload any, transfer []any) error { return e.end.Post(payload, transfer) }
func (e emitterOnly) Terminate() error                       { return e.end.Terminate() }
func (e emitterOnly) On(event string, fn func(Envelope))     { e.end.On(event, fn) }

func TestCallbackPanicIsIsolated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle := startPipeWorker(func(p *Peer, env Envelope) { p.Post(env.Data) })

	c := New("panic-worker", WithFactory(fixedFactory(handle)))
	defer c.Terminate()

	got := make(chan any, 2)
	c.OnMessage(func(env Envelope) {
		if env.Data == "boom" {
			panic("application bug")
		}
		got <- env.Data
	})

	_, err := c.Ready(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Post("boom"))
	require.NoError(t, c.Post("after"))

	select {
	case v := <-got:
		assert.Equal(t, "after", v, "delivery must continue past a panicking callback")
	case <-ctx.Done():
		t.Fatal("channel died after callback panic")
	}
}

func TestZeroValueDeliverLocalFailsLoudly(t *testing.T) {
	var c Controller
	err := c.DeliverLocal(Envelope{Data: "x"}, "", nil)
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestDeliverLocalRequiresCallbackWhenReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New("no-callback-module", WithFactory(failingFactory))
	defer c.Terminate()

	_, err := c.Ready(ctx)
	require.NoError(t, err)

	// Ready channel, no OnMessage: delivery must fail loudly instead of
	// silently queueing.
	err = c.DeliverLocal(Envelope{Data: "x"}, "", nil)
	require.ErrorIs(t, err, ErrNoHandler)

	// The sentinel is consumed by the channel, never by a callback, so
	// it does not trip the invariant.
	assert.NoError(t, c.DeliverLocal(sentinelEnvelope(), "", nil))

	// Once a callback is installed, delivery resumes.
	got := make(chan any, 1)
	c.OnMessage(func(env Envelope) { got <- env.Data })
	require.NoError(t, c.DeliverLocal(Envelope{Data: "y"}, "", nil))

	select {
	case v := <-got:
		assert.Equal(t, "y", v)
	case <-ctx.Done():
		t.Fatal("no delivery after callback install")
	}
}

// recordHandle exposes a recording port as a worker handle with no
// subscription mechanism of its own.
type recordHandle struct {
	*recordPort
}

func (recordHandle) Terminate() error { return nil }

func TestQueuedSendsFlushBeforeReadyReturns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host := &recordPort{}
	c := New("flush-worker", WithFactory(fixedFactory(recordHandle{host})))
	defer c.Terminate()
	c.OnMessage(func(Envelope) {})

	require.NoError(t, c.Post("q1"))
	require.NoError(t, c.DeliverLocal(sentinelEnvelope(), "", nil))

	_, err := c.Ready(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Post("q2"))

	// Ready may not return before the pre-ready queue reached the wire,
	// so the post made right after it cannot overtake q1.
	got := host.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "q1", got[0].Data)
	assert.Equal(t, "q2", got[1].Data)
}

func TestTerminateDuringFallbackTearsDownLoadedPeer(t *testing.T) {
	release := make(chan struct{})
	terminated := make(chan struct{})
	loader := func(context.Context, string) (*Peer, error) {
		<-release
		p := NewPeer(nil)
		p.OnMessage(func(Envelope) {})
		p.OnTerminate(func() { close(terminated) })
		p.Ready()
		return p, nil
	}

	c := New("late-module", WithFactory(failingFactory), WithLoader(loader))
	require.NoError(t, c.Terminate())
	close(release)

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatal("peer loaded after Terminate was never torn down")
	}
}
