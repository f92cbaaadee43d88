/*
 * Copyright 2025 The aibridge Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Segment file names inside a connection namespace. Each side creates
// the segment it reads from, so a crashed peer leaves behind a file
// its survivor can reclaim by generation.
const (
	serverSegmentName = "server.ring" // client writes, server reads
	clientSegmentName = "client.ring" // server writes, client reads
)

// openRetryInterval paces Accept's wait for the client segment file to
// appear after the handshake frame arrives.
const openRetryInterval = 5 * time.Millisecond

// Listener waits for one peer on a named connection. It owns the
// namespace directory and the server-side segment until Accept hands
// them to the Stream.
type Listener struct {
	ns     *Namespace
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	seg      *Segment
	accepted bool
	closed   bool
}

// Bind creates the namespace for name and the inbound segment, and
// returns a Listener ready to Accept. The namespace directory and
// segment file are private to the current user.
func Bind(name string, cfg Config, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ns, err := NewNamespace(name)
	if err != nil {
		return nil, err
	}
	if err := ns.Create(); err != nil {
		return nil, err
	}
	seg, err := CreateSegment(ns.SegmentPath(serverSegmentName), cfg.RingCapacity)
	if err != nil {
		ns.Remove()
		return nil, err
	}
	logger.Debug("listener bound", "conn", name, "dir", ns.Dir,
		"capacity", cfg.RingCapacity, "generation", seg.Generation())
	return &Listener{ns: ns, cfg: cfg, logger: logger, seg: seg}, nil
}

// Addr returns the namespace directory the listener is bound to.
func (l *Listener) Addr() string { return l.ns.Dir }

// Accept blocks until a client completes the handshake, then returns
// the established stream and the client's identity. A Listener carries
// a single connection; a second Accept fails.
func (l *Listener) Accept(ctx context.Context) (*Stream, PeerInfo, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, PeerInfo{}, ErrClosed
	}
	if l.accepted {
		l.mu.Unlock()
		return nil, PeerInfo{}, fmt.Errorf("shm: connection %s already accepted", l.ns.Name)
	}
	seg := l.seg
	l.mu.Unlock()

	peer, carry, err := l.awaitHandshake(ctx, seg)
	if err != nil {
		return nil, PeerInfo{}, err
	}

	out, err := l.openClientSegment(ctx)
	if err != nil {
		return nil, PeerInfo{}, err
	}

	local := localPeerInfo(l.cfg.Compression)
	if err := sendHandshakeFrame(out, MsgHandshakeAck, local); err != nil {
		out.Close()
		return nil, PeerInfo{}, err
	}

	compress := l.cfg.Compression && peer.Compression
	stream, err := newStream(l.ns.Name, out, seg, peer, l.cfg, compress, carry, l.logger)
	if err != nil {
		out.Close()
		return nil, PeerInfo{}, err
	}
	l.mu.Lock()
	l.accepted = true
	l.mu.Unlock()
	l.logger.Info("connection accepted", "conn", l.ns.Name,
		"peer_pid", peer.PID, "compression", compress)
	return stream, peer, nil
}

// awaitHandshake reads frames off the inbound ring until a valid
// handshake arrives. Anything else at this stage is a protocol error.
// It also returns the reader's leftover carry bytes: the client may
// send application frames right behind the handshake, and once read
// off the ring those bytes exist nowhere else.
func (l *Listener) awaitHandshake(ctx context.Context, seg *Segment) (PeerInfo, []byte, error) {
	codec, err := NewCodec(false)
	if err != nil {
		return PeerInfo{}, nil, err
	}
	reader := newFrameReader(seg.Ring(), codec, l.cfg.ChecksumFailureLimit, nil)
	msg, err := reader.next(ctx)
	if err != nil {
		return PeerInfo{}, nil, err
	}
	if msg.Type != MsgHandshake {
		return PeerInfo{}, nil, fmt.Errorf("shm: expected handshake, got %s: %w", msg.Type, ErrHandshake)
	}
	info, err := decodePeerInfo(msg.Payload)
	if err != nil {
		return PeerInfo{}, nil, err
	}
	if err := checkPeer(info); err != nil {
		return PeerInfo{}, nil, err
	}
	return info, reader.buf, nil
}

// openClientSegment opens the client-created return segment, waiting
// briefly for the file: the client creates it before sending the
// handshake, but the two steps are not atomic across processes.
func (l *Listener) openClientSegment(ctx context.Context) (*Segment, error) {
	path := l.ns.SegmentPath(clientSegmentName)
	for {
		seg, err := OpenSegment(path, 0)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openRetryInterval):
		}
	}
}

// Close releases the listener. The namespace directory is removed; an
// already-accepted stream keeps working over its established mappings
// and cleans up its own segments on Close.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var err error
	if !l.accepted && l.seg != nil {
		err = l.seg.Close()
	}
	if rerr := l.ns.Remove(); rerr != nil && !os.IsNotExist(rerr) {
		err = errors.Join(err, rerr)
	}
	return err
}

// Connect dials the named connection: it opens the listener's segment,
// creates the return segment, and runs the handshake. On success the
// returned stream is Connected.
func Connect(ctx context.Context, name string, cfg Config, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ns, err := NewNamespace(name)
	if err != nil {
		return nil, err
	}
	if err := ns.Verify(); err != nil {
		return nil, err
	}

	out, err := OpenSegment(ns.SegmentPath(serverSegmentName), 0)
	if err != nil {
		return nil, err
	}
	in, err := CreateSegment(ns.SegmentPath(clientSegmentName), cfg.RingCapacity)
	if err != nil {
		out.Close()
		return nil, err
	}
	cleanup := func() {
		out.Close()
		in.Close()
	}

	if err := sendHandshakeFrame(out, MsgHandshake, localPeerInfo(cfg.Compression)); err != nil {
		cleanup()
		return nil, err
	}

	codec, err := NewCodec(false)
	if err != nil {
		cleanup()
		return nil, err
	}
	reader := newFrameReader(in.Ring(), codec, cfg.ChecksumFailureLimit, nil)
	msg, err := reader.next(ctx)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: waiting for handshake ack: %w", err)
	}
	if msg.Type != MsgHandshakeAck {
		cleanup()
		return nil, fmt.Errorf("shm: expected handshake ack, got %s: %w", msg.Type, ErrHandshake)
	}
	peer, err := decodePeerInfo(msg.Payload)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := checkPeer(peer); err != nil {
		cleanup()
		return nil, err
	}

	compress := cfg.Compression && peer.Compression
	// The ack reader may have drained bytes past the ack frame; hand
	// them to the stream so nothing written behind the ack is lost.
	stream, err := newStream(name, out, in, peer, cfg, compress, reader.buf, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	logger.Info("connected", "conn", name, "peer_pid", peer.PID, "compression", compress)
	return stream, nil
}

// sendHandshakeFrame writes one uncompressed control frame. Handshake
// frames use message id 0, outside the application id space.
func sendHandshakeFrame(seg *Segment, t MessageType, info PeerInfo) error {
	payload, err := encodePeerInfo(info)
	if err != nil {
		return err
	}
	frame, err := EncodeMessage(t, payload, 0)
	if err != nil {
		return err
	}
	if err := seg.Ring().TryWrite(frame); err != nil {
		return fmt.Errorf("shm: send %s: %w", t, err)
	}
	return nil
}
