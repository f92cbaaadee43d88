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
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a Stream.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateClosing
	StateClosed
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Message is one decoded frame delivered to the caller.
type Message struct {
	Type    MessageType
	ID      uint64
	Payload []byte
}

// Stream is one end of an established connection: a pair of
// single-direction ring segments plus the frame codec over them.
//
// Within one direction frames are strictly FIFO. Writes are serialized
// by an internal mutex so concurrent senders interleave at frame
// granularity, never mid-frame. Reads are single-consumer: at most one
// goroutine may be in Recv at a time.
type Stream struct {
	name string
	out  *Segment // we produce
	in   *Segment // we consume
	peer PeerInfo

	cfg    Config
	codec  *Codec
	logger *slog.Logger

	wmu    sync.Mutex
	writer *backpressureWriter
	nextID atomic.Uint64

	rmu    sync.Mutex // serializes Recv, and Close against Recv
	reader *frameReader

	state atomic.Int32
	inGen uint32 // generation of the inbound segment at attach

	done      chan struct{}
	hbStopped chan struct{}
	closeOnce sync.Once

	framesSent atomic.Uint64
	framesRecv atomic.Uint64
	bytesSent  atomic.Uint64
	bytesRecv  atomic.Uint64
}

// newStream wires a stream over an established segment pair. compress
// is the negotiated compression setting, not the local preference.
// carry holds bytes the handshake reader pulled off the inbound ring
// beyond the handshake frame; the peer may send application frames the
// moment its side of the handshake completes, and those bytes are
// already out of the ring.
func newStream(name string, out, in *Segment, peer PeerInfo, cfg Config, compress bool, carry []byte, logger *slog.Logger) (*Stream, error) {
	codec, err := NewCodec(compress)
	if err != nil {
		return nil, err
	}
	writer, err := newBackpressureWriter(out.Ring(), cfg.Backoff, cfg.Blocking)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		name:   name,
		out:    out,
		in:     in,
		peer:   peer,
		cfg:    cfg,
		codec:  codec,
		logger: logger.With("conn", name, "peer_pid", peer.PID),
		writer: writer,
		inGen:     in.Generation(),
		done:      make(chan struct{}),
		hbStopped: make(chan struct{}),
	}
	s.reader = newFrameReader(in.Ring(), codec, cfg.ChecksumFailureLimit, s)
	s.reader.buf = append(s.reader.buf, carry...)
	s.state.Store(int32(StateConnected))
	s.out.Control().SetLastHeartbeat(uint64(time.Now().UnixNano()))
	go s.heartbeatLoop()
	return s, nil
}

// State returns the stream's lifecycle state.
func (s *Stream) State() ConnState { return ConnState(s.state.Load()) }

// Peer returns the identity the peer presented during the handshake.
func (s *Stream) Peer() PeerInfo { return s.peer }

func (s *Stream) markBroken(reason string) {
	if s.state.CompareAndSwap(int32(StateConnected), int32(StateBroken)) {
		s.logger.Warn("connection broken", "reason", reason)
	}
}

func (s *Stream) checkAlive() error {
	switch s.State() {
	case StateConnected:
		return nil
	case StateBroken:
		return ErrBroken
	default:
		return ErrClosed
	}
}

// Send encodes payload as one frame and writes it, returning the
// assigned message id. Message ids are per-stream, starting at 1.
func (s *Stream) Send(t MessageType, payload []byte) (uint64, error) {
	id := s.nextID.Add(1)
	return id, s.SendWithID(t, payload, id)
}

// SendWithID writes one frame with a caller-chosen message id. Callers
// mixing SendWithID and Send own the uniqueness of their ids.
func (s *Stream) SendWithID(t MessageType, payload []byte, id uint64) error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	frame, err := s.codec.Encode(t, payload, id)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	// Re-check under the lock: Close swaps the state before it takes
	// wmu, so a writer that gets here on a closing stream backs out
	// before touching the outbound mapping.
	if err := s.checkAlive(); err != nil {
		return err
	}
	if err := s.writer.write(frame); err != nil {
		if errors.Is(err, ErrRingClosed) {
			s.markBroken("outbound ring closed by peer")
			return ErrBroken
		}
		return err
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(frame)))
	return nil
}

// Write sends p as a data frame with an auto-assigned id. It satisfies
// the plain byte-oriented surface callers that do their own framing
// on top of whole messages use.
func (s *Stream) Write(p []byte) error {
	_, err := s.Send(MsgData, p)
	return err
}

// Flush retries the carried-over tail of a non-blocking write that
// returned ErrWouldBlock. It is a no-op when nothing is pending.
func (s *Stream) Flush() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.checkAlive(); err != nil {
		return err
	}
	return s.writer.flushPending()
}

// Recv blocks until the next application frame arrives. Control frames
// are handled internally: a disconnect from the peer surfaces as
// ErrClosed once buffered frames are drained.
func (s *Stream) Recv() (Message, error) {
	return s.RecvContext(context.Background())
}

// RecvContext is Recv bounded by ctx.
func (s *Stream) RecvContext(ctx context.Context) (Message, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if st := s.State(); st == StateBroken {
			return Message{}, ErrBroken
		} else if st == StateClosed || st == StateClosing {
			return Message{}, ErrClosed
		}
		msg, err := s.reader.next(ctx)
		if err != nil {
			return Message{}, err
		}
		if msg.Type == MsgDisconnect {
			s.logger.Debug("peer disconnected")
			s.transitionClosed()
			return Message{}, ErrClosed
		}
		if msg.Type == MsgHeartbeat {
			continue
		}
		s.framesRecv.Add(1)
		s.bytesRecv.Add(uint64(len(msg.Payload)))
		return msg, nil
	}
}

// heartbeatLoop publishes liveness into the outbound control block and
// watches the peer's. It runs until Close.
func (s *Stream) heartbeatLoop() {
	defer close(s.hbStopped)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.State() != StateConnected {
			continue
		}
		now := time.Now()
		s.out.Control().SetLastHeartbeat(uint64(now.UnixNano()))

		if gen := s.in.Generation(); gen != s.inGen {
			s.markBroken(fmt.Sprintf("inbound segment generation %d, attached at %d", gen, s.inGen))
			continue
		}
		if st := s.Stats(); st.Stalled() {
			s.logger.Warn("both rings full; each side must drain while it sends",
				"outbound_used", st.Outbound.Used, "inbound_used", st.Inbound.Used)
		}

		last := s.in.Control().LastHeartbeat()
		if last == 0 {
			continue
		}
		if age := now.Sub(time.Unix(0, int64(last))); age > s.cfg.HeartbeatTimeout {
			if !processAlive(int(s.in.Control().OwnerPID())) && !processAlive(int(s.in.Control().PeerPID())) {
				s.markBroken(fmt.Sprintf("peer silent for %v and not running", age))
			} else {
				s.markBroken(fmt.Sprintf("peer silent for %v", age))
			}
		}
	}
}

// Health reports whether the stream is currently usable, running the
// same checks the heartbeat loop does, on demand.
func (s *Stream) Health() error {
	if err := s.checkAlive(); err != nil {
		return err
	}
	if gen := s.in.Generation(); gen != s.inGen {
		s.markBroken(fmt.Sprintf("inbound segment generation %d, attached at %d", gen, s.inGen))
		return ErrBroken
	}
	if s.in.Ring().Closed() || s.out.Ring().Closed() {
		s.markBroken("ring closed")
		return ErrBroken
	}
	return nil
}

// Close shuts the stream down: it announces the disconnect to the
// peer, closes the outbound ring, waits out any in-flight Send or
// Recv, and unmaps the segments. Close is idempotent and safe to call
// from any state, including concurrently with Send and Recv.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		prev := ConnState(s.state.Swap(int32(StateClosing)))
		close(s.done)
		<-s.hbStopped

		s.wmu.Lock()
		if prev == StateConnected {
			// Best effort; the peer may already be gone.
			if frame, eerr := EncodeMessage(MsgDisconnect, nil, s.nextID.Add(1)); eerr == nil {
				s.out.Ring().TryWrite(frame)
			}
		}
		s.out.Ring().Close()
		s.wmu.Unlock()

		// Wake a parked Recv; it observes the state change and bails
		// out. The mappings go away only once rmu is ours, so an
		// in-flight Recv never touches unmapped memory.
		s.in.Ring().DataBell().Ring()
		s.rmu.Lock()
		err = errors.Join(s.out.Close(), s.in.Close())
		s.state.Store(int32(StateClosed))
		s.rmu.Unlock()
		s.logger.Debug("stream closed")
	})
	return err
}

func (s *Stream) transitionClosed() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
}

// StreamStats is a point-in-time snapshot of stream counters.
type StreamStats struct {
	State            ConnState
	FramesSent       uint64
	FramesReceived   uint64
	BytesSent        uint64
	BytesReceived    uint64
	ChecksumFailures uint64
	ResyncSkips      uint64
	Backpressure     BackpressureStats
	Outbound         RingState
	Inbound          RingState
}

// Stats snapshots the stream's counters and, while the stream is still
// mapped, its ring states.
func (s *Stream) Stats() StreamStats {
	stats := StreamStats{
		State:            s.State(),
		FramesSent:       s.framesSent.Load(),
		FramesReceived:   s.framesRecv.Load(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesRecv.Load(),
		ChecksumFailures: s.reader.checksumFailures.Load(),
		ResyncSkips:      s.reader.resyncSkips.Load(),
		Backpressure:     s.writer.stats.snapshot(),
	}
	if stats.State != StateClosed {
		stats.Outbound = s.out.Ring().State()
		stats.Inbound = s.in.Ring().State()
	}
	return stats
}

// Stalled reports whether both rings are full, meaning each side is
// blocked writing while neither is reading. A request/response protocol
// that writes large messages from both ends at once can wedge this way;
// the cure is to keep draining while sending.
func (st StreamStats) Stalled() bool {
	full := func(r RingState) bool {
		return r.Capacity > 0 && r.Used == r.Capacity
	}
	return full(st.Outbound) && full(st.Inbound)
}
