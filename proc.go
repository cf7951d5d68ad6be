// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const maxFrameSize = 64 * 1024 * 1024 // 64MB max

// writeFrame writes one length-prefixed frame: [4 len][payload].
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 || len(payload) > maxFrameSize {
		return fmt.Errorf("relay: bad frame size %d", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 || msgLen > maxFrameSize {
		return nil, fmt.Errorf("relay: bad frame size %d", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// frameConn is one side of a framed byte channel: envelopes out through w,
// envelopes in from r via a read-loop goroutine. Frames that arrive
// before a handler is installed are buffered and replayed in order.
// Transfer lists are meaningless across a process boundary and are
// dropped here.
type frameConn struct {
	r     io.Reader
	w     io.Writer
	codec Codec
	log   *zap.Logger

	writeMu sync.Mutex
	in      inbox

	closed   atomic.Bool
	readDone chan struct{}
}

func newFrameConn(r io.Reader, w io.Writer, codec Codec, log *zap.Logger) *frameConn {
	fc := &frameConn{
		r:        r,
		w:        w,
		codec:    codec,
		log:      log,
		readDone: make(chan struct{}),
	}
	go fc.readLoop()
	return fc
}

func (fc *frameConn) Post(payload any, transfer []any) error {
	if fc.closed.Load() {
		return ErrClosed
	}
	data, err := fc.codec.Encode(wrap(payload))
	if err != nil {
		return fmt.Errorf("relay: encode frame: %w", err)
	}
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	return writeFrame(fc.w, data)
}

func (fc *frameConn) SetHandler(fn func(Envelope)) {
	fc.in.set(fn)
}

func (fc *frameConn) readLoop() {
	defer close(fc.readDone)
	for {
		msg, err := readFrame(fc.r)
		if err != nil {
			if !fc.closed.Load() && err != io.EOF {
				fc.log.Debug("frame read loop exiting", zap.Error(err))
			}
			return
		}
		env, err := fc.codec.Decode(msg)
		if err != nil {
			fc.log.Warn("undecodable frame dropped", zap.Error(err))
			continue
		}
		fc.in.dispatch(env)
	}
}

func (fc *frameConn) close() {
	fc.closed.Store(true)
}

// procHandle runs the worker as a subprocess and relays envelopes over
// its stdin/stdout.
type procHandle struct {
	*frameConn
	cmd   *exec.Cmd
	stdin io.Closer
	once  sync.Once
}

// spawnProc is the proc transport factory. The descriptor is the worker
// command line; spawn failure sends the controller down the fallback
// path.
func spawnProc(descriptor string, o *options) (Handle, error) {
	args := strings.Fields(descriptor)
	if len(args) == 0 {
		return nil, fmt.Errorf("relay: empty worker command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("relay: worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("relay: worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("relay: start worker: %w", err)
	}

	return &procHandle{
		frameConn: newFrameConn(stdout, stdin, codecFor(o), o.logger),
		cmd:       cmd,
		stdin:     stdin,
	}, nil
}

// Terminate shuts the worker process down. Repeat calls are no-ops.
func (h *procHandle) Terminate() error {
	h.once.Do(func() {
		h.close()
		h.stdin.Close()
		if h.cmd.Process != nil {
			h.cmd.Process.Kill()
		}
		go h.cmd.Wait() // reap
	})
	return nil
}
