// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"context"
	"fmt"
	"sync"
)

// Transport types
const (
	TransportProc = "proc" // subprocess over framed stdio, default
	TransportHTTP = "http" // JSON-RPC over HTTP long-poll
	TransportGRPC = "grpc" // bidirectional gRPC stream, requires build tag
	TransportWS   = "ws"   // WebSocket, requires build tag
)

// DefaultTransport is the transport used when none is selected.
const DefaultTransport = TransportProc

type transportFactory func(descriptor string, o *options) (Handle, error)

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportFactory{
		TransportProc: spawnProc,
		TransportHTTP: dialHTTP,
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, f transportFactory) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = f
}

// AvailableTransports returns the list of available transport types.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	return result
}

// HasTransport checks if a transport is available.
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}

// factoryFor resolves the configured transport into a handle factory. An
// unknown transport yields a failing factory, which sends the controller
// down the in-process fallback path.
func factoryFor(o *options) Factory {
	transportsMu.RLock()
	f, ok := transports[o.transport]
	transportsMu.RUnlock()
	if !ok {
		name := o.transport
		return func(string) (Handle, error) {
			return nil, fmt.Errorf("relay: unknown transport: %s", name)
		}
	}
	return func(descriptor string) (Handle, error) {
		return f(descriptor, o)
	}
}

var (
	modulesMu sync.RWMutex
	modules   = map[string]func() *Peer{}
)

// RegisterModule registers an in-process worker module under a
// descriptor. The default loader resolves fallback descriptors here,
// standing in for the dynamic module loading a worker runtime would
// provide.
func RegisterModule(descriptor string, build func() *Peer) {
	modulesMu.Lock()
	defer modulesMu.Unlock()
	modules[descriptor] = build
}

// loadModule is the default Loader.
func loadModule(ctx context.Context, descriptor string) (*Peer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	modulesMu.RLock()
	build, ok := modules[descriptor]
	modulesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("relay: no module registered for %q", descriptor)
	}
	return build(), nil
}
