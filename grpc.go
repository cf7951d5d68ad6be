//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC, dialGRPC)
}

const relayChannelMethod = "/relay.Relay/Channel"

// rawFrame is one pre-encoded envelope moving through the stream.
type rawFrame []byte

// rawCodec keeps grpc out of the payload: frames are already encoded by
// the relay codec.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("relay: raw grpc codec got %T", v)
	}
	return *f, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("relay: raw grpc codec got %T", v)
	}
	*f = data
	return nil
}

func (rawCodec) Name() string { return "relay-raw" }

// grpcHandle is the controller-side handle: one bidirectional byte
// stream per channel.
type grpcHandle struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	codec  Codec
	log    *zap.Logger
	cancel context.CancelFunc
	in     inbox

	sendMu sync.Mutex
	closed atomic.Bool
}

// dialGRPC is the grpc transport factory; the descriptor is the worker's
// listen address.
func dialGRPC(descriptor string, o *options) (Handle, error) {
	conn, err := grpc.NewClient(descriptor,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	desc := &grpc.StreamDesc{
		StreamName:    "Channel",
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := conn.NewStream(ctx, desc, relayChannelMethod,
		grpc.ForceCodec(rawCodec{}), grpc.WaitForReady(true))
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("grpc stream: %w", err)
	}

	h := &grpcHandle{
		conn:   conn,
		stream: stream,
		codec:  codecFor(o),
		log:    o.logger,
		cancel: cancel,
	}
	go h.readLoop()
	return h, nil
}

func (h *grpcHandle) Post(payload any, transfer []any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	data, err := h.codec.Encode(wrap(payload))
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	f := rawFrame(data)
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return h.stream.SendMsg(&f)
}

func (h *grpcHandle) SetHandler(fn func(Envelope)) {
	h.in.set(fn)
}

func (h *grpcHandle) readLoop() {
	for {
		var f rawFrame
		if err := h.stream.RecvMsg(&f); err != nil {
			if !h.closed.Load() {
				h.log.Debug("grpc stream closed", zap.Error(err))
			}
			return
		}
		env, err := h.codec.Decode(f)
		if err != nil {
			h.log.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		h.in.dispatch(env)
	}
}

func (h *grpcHandle) Terminate() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.stream.CloseSend()
	h.cancel()
	return h.conn.Close()
}

// GRPCHost serves a worker's end of the channel over a bidirectional
// gRPC stream. Hand the host to NewPeer, then block on Serve.
type GRPCHost struct {
	log    *zap.Logger
	codec  Codec
	server *grpc.Server
	in     inbox

	sendMu sync.Mutex
	mu     sync.Mutex
	stream grpc.ServerStream
	outbox []rawFrame // posts made before a controller connects

	closed atomic.Bool
}

// NewGRPCHost creates a gRPC worker host.
func NewGRPCHost(opts ...Option) *GRPCHost {
	o := newOptions(opts)
	h := &GRPCHost{
		log:   o.logger,
		codec: codecFor(o),
	}
	h.server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	h.server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "relay.Relay",
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Channel",
			Handler:       h.channel,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, h)
	return h
}

// Serve accepts controller connections until Terminate.
func (h *GRPCHost) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

func (h *GRPCHost) channel(srv any, stream grpc.ServerStream) error {
	h.mu.Lock()
	h.stream = stream
	flush := h.outbox
	h.outbox = nil
	h.mu.Unlock()

	for i := range flush {
		h.sendMu.Lock()
		err := stream.SendMsg(&flush[i])
		h.sendMu.Unlock()
		if err != nil {
			return err
		}
	}

	for {
		var f rawFrame
		if err := stream.RecvMsg(&f); err != nil {
			return err
		}
		env, err := h.codec.Decode(f)
		if err != nil {
			h.log.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		h.in.dispatch(env)
	}
}

// Post sends one envelope toward the controller, queuing until one is
// connected.
func (h *GRPCHost) Post(payload any, transfer []any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	data, err := h.codec.Encode(wrap(payload))
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	f := rawFrame(data)

	h.mu.Lock()
	stream := h.stream
	if stream == nil {
		h.outbox = append(h.outbox, f)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return stream.SendMsg(&f)
}

// SetHandler installs the message handler. Envelopes received before the
// first handler are replayed in order.
func (h *GRPCHost) SetHandler(fn func(Envelope)) {
	h.in.set(fn)
}

// Terminate stops the server. Idempotent.
func (h *GRPCHost) Terminate() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.server.Stop()
	return nil
}
