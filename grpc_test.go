//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGRPCRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	host := NewGRPCHost()
	defer host.Terminate()
	go host.Serve(lis)

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
	require.NoError(t, p.Ready())

	c := New(lis.Addr().String(), WithTransport(TransportGRPC))
	defer c.Terminate()

	got := make(chan Envelope, 1)
	c.OnMessage(func(env Envelope) { got <- env })

	_, err = c.Ready(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Post(map[string]int{"elite": 313370}))

	select {
	case env := <-got:
		var resp struct {
			Elite int `json:"elite"`
		}
		require.NoError(t, json.Unmarshal(env.Data.(json.RawMessage), &resp))
		assert.Equal(t, 313370, resp.Elite)
	case <-ctx.Done():
		t.Fatal("no grpc echo before timeout")
	}
}

func TestGRPCHostQueuesUntilConnected(t *testing.T) {
	host := NewGRPCHost()
	defer host.Terminate()

	require.NoError(t, host.Post("early", nil))

	host.mu.Lock()
	queued := len(host.outbox)
	host.mu.Unlock()
	assert.Equal(t, 1, queued)
}
