// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gorillarpc "github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	defaultPollWait = 10 * time.Second
	maxPollWait     = 30 * time.Second
)

// Wire shapes of the http transport. Exported because the gorilla/rpc
// server resolves them by reflection.

// PostArgs carries one envelope toward the worker.
type PostArgs struct {
	Envelope Envelope `json:"envelope"`
}

// PostReply is the (empty) acknowledgment of a Post.
type PostReply struct{}

// PollArgs asks the worker for pending envelopes, blocking up to WaitMS.
type PollArgs struct {
	WaitMS int `json:"wait_ms"`
}

// PollReply returns worker-to-controller envelopes in send order.
type PollReply struct {
	Envelopes []Envelope `json:"envelopes"`
}

// newHTTPClient creates a fresh HTTP client with disabled connection
// reuse. This avoids EOF errors that can occur with connection pooling in
// complex process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") {
		return true
	}
	return false
}

func sendJSONRequest(ctx context.Context, uri *url.URL, method string, args, reply any) error {
	requestBodyBytes, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 500ms, 1s, 2s
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create a fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			uri.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return CleanlyCloseBody(resp.Body)
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// httpHandle is the controller-side handle of the http transport: posts
// are JSON-RPC calls, inbound envelopes arrive through a long-poll loop.
type httpHandle struct {
	uri *url.URL
	log *zap.Logger
	in  inbox

	cancel context.CancelFunc
	closed atomic.Bool
}

// dialHTTP is the http transport factory; the descriptor is the worker's
// relay endpoint URL.
func dialHTTP(descriptor string, o *options) (Handle, error) {
	uri, err := url.Parse(descriptor)
	if err != nil {
		return nil, fmt.Errorf("relay: bad endpoint %q: %w", descriptor, err)
	}
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return nil, fmt.Errorf("relay: bad endpoint %q: not an http url", descriptor)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &httpHandle{uri: uri, log: o.logger, cancel: cancel}
	go h.pollLoop(ctx)
	return h, nil
}

func (h *httpHandle) Post(payload any, transfer []any) error {
	if h.closed.Load() {
		return ErrClosed
	}
	args := PostArgs{Envelope: wrap(payload)}
	var reply PostReply
	return sendJSONRequest(context.Background(), h.uri, "Relay.Post", &args, &reply)
}

func (h *httpHandle) SetHandler(fn func(Envelope)) {
	h.in.set(fn)
}

func (h *httpHandle) pollLoop(ctx context.Context) {
	args := PollArgs{WaitMS: int(defaultPollWait / time.Millisecond)}
	for ctx.Err() == nil {
		var reply PollReply
		if err := sendJSONRequest(ctx, h.uri, "Relay.Poll", &args, &reply); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Debug("poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBaseWait):
			}
			continue
		}
		for _, env := range reply.Envelopes {
			h.in.dispatch(env)
		}
	}
}

func (h *httpHandle) Terminate() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.cancel()
	return nil
}

// HTTPHost serves a worker's end of the channel over HTTP. Mount
// Handler() wherever the worker serves, hand the host to NewPeer, and
// point the controller's descriptor at the mounted URL.
type HTTPHost struct {
	log    *zap.Logger
	server *gorillarpc.Server
	in     inbox

	mu     sync.Mutex
	outbox []Envelope
	closed bool
	notify chan struct{}
}

// NewHTTPHost creates an HTTP worker host.
func NewHTTPHost(opts ...Option) *HTTPHost {
	o := newOptions(opts)
	h := &HTTPHost{
		log:    o.logger,
		notify: make(chan struct{}, 1),
	}
	s := gorillarpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	s.RegisterService(&relayService{host: h}, "Relay")
	h.server = s
	return h
}

// Handler returns the http.Handler that speaks the relay JSON-RPC
// surface.
func (h *HTTPHost) Handler() http.Handler {
	return h.server
}

// Post queues one envelope for the controller's next poll.
func (h *HTTPHost) Post(payload any, transfer []any) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.outbox = append(h.outbox, wrap(payload))
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

// SetHandler installs the message handler. Envelopes received before the
// first handler are replayed in order.
func (h *HTTPHost) SetHandler(fn func(Envelope)) {
	h.in.set(fn)
}

// Terminate unblocks pollers and rejects further posts.
func (h *HTTPHost) Terminate() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

// takeOutbox returns queued envelopes, or ok=false when the host is
// closed and empty.
func (h *HTTPHost) takeOutbox() (envs []Envelope, closed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	envs = h.outbox
	h.outbox = nil
	return envs, h.closed
}

// relayService is the reflection target for the gorilla/rpc server.
type relayService struct {
	host *HTTPHost
}

func (s *relayService) Post(r *http.Request, args *PostArgs, reply *PostReply) error {
	s.host.in.dispatch(args.Envelope)
	return nil
}

func (s *relayService) Poll(r *http.Request, args *PollArgs, reply *PollReply) error {
	wait := time.Duration(args.WaitMS) * time.Millisecond
	if wait <= 0 || wait > maxPollWait {
		wait = defaultPollWait
	}
	deadline := time.After(wait)

	for {
		envs, closed := s.host.takeOutbox()
		if len(envs) > 0 || closed {
			reply.Envelopes = envs
			return nil
		}
		select {
		case <-s.host.notify:
		case <-deadline:
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}
