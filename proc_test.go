// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"data":"hello"}`)

	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, nil); err == nil {
		t.Error("empty frame accepted")
	}

	// A zero length prefix is rejected on the read side too.
	if _, err := readFrame(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Error("zero-length frame accepted")
	}
}

// testHandle turns a bare frameConn into a worker Handle.
type testHandle struct {
	*frameConn
}

func (h testHandle) Terminate() error {
	h.close()
	return nil
}

func TestFramedWorkerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	controllerIn, workerOut := io.Pipe()
	workerIn, controllerOut := io.Pipe()

	// Worker side: a peer on a stdio-shaped host.
	host := NewIOHost(workerIn, workerOut)
	p := NewPeer(host)
	p.OnMessage(func(env Envelope) {
		var req struct {
			Elite int `json:"elite"`
		}
		if err := json.Unmarshal(env.Data.(json.RawMessage), &req); err != nil {
			t.Errorf("worker decode: %v", err)
			return
		}
		p.Post(map[string]int{"elite": req.Elite})
	})
	// Controller side: the same framing over the reverse pipe pair. The
	// controller-side read loop must exist before p.Ready() writes its
	// sentinel, because io.Pipe writes block until read.
	fc := newFrameConn(controllerIn, controllerOut, defaultCodec, zap.NewNop())
	c := New("framed-worker", WithFactory(fixedFactory(testHandle{fc})))
	defer c.Terminate()

	p.Ready()
	go host.Run(ctx)

	got := make(chan Envelope, 1)
	c.OnMessage(func(env Envelope) { got <- env })

	if _, err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := c.Post(map[string]int{"elite": 313370}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case env := <-got:
		var resp struct {
			Elite int `json:"elite"`
		}
		if err := json.Unmarshal(env.Data.(json.RawMessage), &resp); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if resp.Elite != 313370 {
			t.Errorf("got %d, want 313370", resp.Elite)
		}
	case <-ctx.Done():
		t.Fatal("no framed echo before timeout")
	}
}

func TestIOHostTerminateUnblocksRun(t *testing.T) {
	r, w := io.Pipe()
	host := NewIOHost(r, w)

	done := make(chan error, 1)
	go func() { done <- host.Run(context.Background()) }()

	if err := host.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Terminate")
	}

	if err := host.Terminate(); err != nil {
		t.Errorf("repeat Terminate: %v", err)
	}
}

func TestSpawnProcMissingBinary(t *testing.T) {
	_, err := spawnProc("/definitely/not/a/binary-313370", newOptions(nil))
	if err == nil {
		t.Fatal("spawn of a missing binary succeeded")
	}
}

func TestDefaultTransportDegrades(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The proc factory fails, no module is registered: the channel must
	// still come up as a stand-in rather than hang or reject.
	c := New("/definitely/not/a/binary-313370")
	defer c.Terminate()

	if _, err := c.Ready(ctx); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if err := c.Post("dropped"); err != nil {
		t.Errorf("Post: %v", err)
	}
}
