// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package relay provides a 1:1 message channel between a controller and
// a background worker.
//
// # Transport Selection
//
// The proc transport (a subprocess speaking length-prefixed frames over
// stdio) is the default. The http transport is always available. Use
// build tags to enable alternatives:
//
//	go build              # proc + http
//	go build -tags grpc   # Enable gRPC transport
//	go build -tags ws     # Enable WebSocket transport
//
// When the selected transport cannot produce a worker (the binary is
// missing, the build has no worker facility, the transport is unknown),
// the controller transparently degrades to running the companion peer
// in-process and relaying through direct calls.
//
// # Usage
//
// Controller side:
//
//	c := relay.New("bin/wordcount-worker")
//	c.OnMessage(func(env relay.Envelope) {
//	    // every delivery arrives in envelope shape
//	})
//	if _, err := c.Ready(ctx); err != nil {
//	    log.Fatal(err) // only a missing descriptor fails Ready
//	}
//	c.Post(map[string]any{"text": "..."})
//	defer c.Terminate()
//
// Worker side (proc transport):
//
//	host := relay.NewStdioHost()
//	peer := relay.NewPeer(host)
//	peer.OnMessage(func(env relay.Envelope) {
//	    peer.Post(process(env.Data))
//	})
//	peer.Ready()
//	host.Run(context.Background())
//
// In-process fallback module, picked up when the worker cannot start:
//
//	relay.RegisterModule("bin/wordcount-worker", func() *relay.Peer {
//	    peer := relay.NewPeer(nil)
//	    peer.OnMessage(func(env relay.Envelope) {
//	        peer.Post(process(env.Data))
//	    })
//	    peer.Ready()
//	    return peer
//	})
//
// # Readiness
//
// The channel is ready once the peer's readiness sentinel has crossed
// it. Messages posted on either side before that moment are queued and
// flushed in order afterward; the sentinel itself is consumed by the
// channel and never reaches an application callback.
//
// # Architecture
//
// The package separates concerns:
//
//   - relay.go: Port/Handle/Factory/Loader contracts and options
//   - controller.go: caller-side lifecycle, fallback, delivery
//   - peer.go: worker-side lifecycle, adoption, delivery
//   - envelope.go: the {data} wire shape and readiness sentinel
//   - queue.go: pre-readiness FIFO queues
//   - transport.go: transport and module registries
//   - proc.go, host.go: framed-stdio subprocess transport (default)
//   - http.go: JSON-RPC long-poll transport
//   - grpc.go: gRPC stream transport (requires -tags grpc)
//   - ws.go: WebSocket transport (requires -tags ws)
//   - pipe.go: in-memory port pair for tests and loopback
//
// Application code should only depend on the Controller and Peer
// surfaces, making transport selection a deployment decision rather than
// a code change.
package relay
