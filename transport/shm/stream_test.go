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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestStreamEcho(t *testing.T) {
	server, client := connectedPair(t, testConfig())

	id, err := client.Send(MsgData, []byte("ping"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 1 {
		t.Fatalf("first message id = %d, want 1", id)
	}

	msg := recvWithin(t, server, 2*time.Second)
	if msg.Type != MsgData || msg.ID != 1 || !bytes.Equal(msg.Payload, []byte("ping")) {
		t.Fatalf("received type=%v id=%d payload=%q", msg.Type, msg.ID, msg.Payload)
	}

	// And the other direction.
	if err := server.SendWithID(MsgResponse, []byte("pong"), msg.ID); err != nil {
		t.Fatalf("SendWithID: %v", err)
	}
	reply := recvWithin(t, client, 2*time.Second)
	if reply.Type != MsgResponse || reply.ID != 1 || string(reply.Payload) != "pong" {
		t.Fatalf("reply type=%v id=%d payload=%q", reply.Type, reply.ID, reply.Payload)
	}
}

func TestStreamPeerInfo(t *testing.T) {
	server, client := connectedPair(t, testConfig())
	pid := os.Getpid()
	if server.Peer().PID != pid || client.Peer().PID != pid {
		t.Fatalf("peer pids = %d/%d, want %d", server.Peer().PID, client.Peer().PID, pid)
	}
	if server.State() != StateConnected || client.State() != StateConnected {
		t.Fatalf("states = %v/%v", server.State(), client.State())
	}
}

func TestStreamFIFOWithinDirection(t *testing.T) {
	server, client := connectedPair(t, testConfig())

	const count = 200
	go func() {
		for i := 0; i < count; i++ {
			client.Send(MsgData, []byte{byte(i)})
		}
	}()
	for i := 0; i < count; i++ {
		msg := recvWithin(t, server, 5*time.Second)
		if msg.ID != uint64(i+1) || msg.Payload[0] != byte(i) {
			t.Fatalf("message %d arrived as id=%d payload=%d", i, msg.ID, msg.Payload[0])
		}
	}
}

func TestStreamLargeMessageExceedsRing(t *testing.T) {
	// A frame bigger than the ring streams through in chunks while the
	// receiver drains concurrently.
	cfg := testConfig()
	cfg.RingCapacity = 4096
	server, client := connectedPair(t, cfg)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := client.Send(MsgData, payload)
		errc <- err
	}()

	msg := recvWithin(t, server, 5*time.Second)
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("large payload corrupted in transit")
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestStreamRejectsOversizedPayload(t *testing.T) {
	_, client := connectedPair(t, testConfig())
	payload := make([]byte, 11*1024*1024)
	if _, err := client.Send(MsgData, payload); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send(11MB) = %v, want ErrPayloadTooLarge", err)
	}
}

func TestStreamNonBlockingBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 1024
	cfg.Blocking = false
	cfg.Backoff.MaxRetries = 0
	server, client := connectedPair(t, cfg)
	_ = server

	// Nothing drains, so a payload larger than the ring exhausts the
	// zero-retry budget immediately.
	_, err := client.Send(MsgData, make([]byte, 2000))
	if !errors.Is(err, ErrBackpressureExhausted) {
		t.Fatalf("Send = %v, want ErrBackpressureExhausted", err)
	}
	if stats := client.Stats(); stats.Backpressure.Exhausted != 1 {
		t.Errorf("Exhausted = %d, want 1", stats.Backpressure.Exhausted)
	}
}

func TestStreamBackpressureKeepsFramingAfterExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.RingCapacity = 1024
	cfg.Blocking = false
	cfg.Backoff.MaxRetries = 0
	server, client := connectedPair(t, cfg)

	big := make([]byte, 2000)
	for i := range big {
		big[i] = byte(i * 3)
	}
	_, err := client.Send(MsgData, big)
	var bpe *BackpressureError
	if !errors.As(err, &bpe) || !bpe.Committed {
		t.Fatalf("Send = %v, want BackpressureError with Committed", err)
	}

	// The frame's head sits in the ring. Later sends must complete it
	// before their own frame, and the receiver must see both intact.
	type recvResult struct {
		msg Message
		err error
	}
	results := make(chan recvResult, 2)
	go func() {
		for i := 0; i < 2; i++ {
			msg, err := server.Recv()
			results <- recvResult{msg, err}
		}
	}()

	small := []byte("after the stall")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.Send(MsgData, small); err == nil {
			break
		} else if !errors.Is(err, ErrBackpressureExhausted) && !errors.Is(err, ErrWouldBlock) {
			t.Fatalf("Send after exhaustion: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("send never succeeded while the receiver drained")
		}
		time.Sleep(time.Millisecond)
	}

	for i, want := range [][]byte{big, small} {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("Recv %d: %v", i, res.err)
			}
			if !bytes.Equal(res.msg.Payload, want) {
				t.Fatalf("frame %d: got %d bytes, want %d", i, len(res.msg.Payload), len(want))
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
	if st := server.Stats(); st.ChecksumFailures != 0 || st.ResyncSkips != 0 {
		t.Fatalf("stream misframed: checksum failures=%d resync skips=%d",
			st.ChecksumFailures, st.ResyncSkips)
	}
}

func TestHandshakeCarryDeliversEarlyFrames(t *testing.T) {
	out := createTestSegment(t, 64*1024)
	in := createTestSegment(t, 64*1024)

	// The peer's ack and an application frame land together, so the ack
	// read drains both off the ring in one fill.
	info := localPeerInfo(false)
	payload, err := encodePeerInfo(info)
	if err != nil {
		t.Fatalf("encodePeerInfo: %v", err)
	}
	ackFrame, err := EncodeMessage(MsgHandshakeAck, payload, 0)
	if err != nil {
		t.Fatalf("EncodeMessage(ack): %v", err)
	}
	early := []byte("right behind the ack")
	dataFrame, err := EncodeMessage(MsgData, early, 1)
	if err != nil {
		t.Fatalf("EncodeMessage(data): %v", err)
	}
	if err := in.Ring().TryWrite(append(ackFrame, dataFrame...)); err != nil {
		t.Fatalf("TryWrite: %v", err)
	}

	codec, err := NewCodec(false)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	reader := newFrameReader(in.Ring(), codec, DefaultConfig().ChecksumFailureLimit, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := reader.next(ctx)
	if err != nil || msg.Type != MsgHandshakeAck {
		t.Fatalf("ack read = %v type=%v", err, msg.Type)
	}
	if len(reader.buf) == 0 {
		t.Fatal("ack read drained nothing past the ack")
	}

	// Those carried bytes exist nowhere else; the stream must inherit
	// them or the frame is lost.
	stream, err := newStream("carry", out, in, info, testConfig(), false, reader.buf, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newStream: %v", err)
	}
	t.Cleanup(func() { stream.Close() })

	got := recvWithin(t, stream, 2*time.Second)
	if got.ID != 1 || !bytes.Equal(got.Payload, early) {
		t.Fatalf("carried frame = id %d payload %q", got.ID, got.Payload)
	}
}

func TestStreamCloseUnblocksPeer(t *testing.T) {
	server, client := connectedPair(t, testConfig())

	errc := make(chan error, 1)
	go func() {
		_, err := server.Recv()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Recv after peer close = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not observe peer close")
	}

	if err := client.Health(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Health after Close = %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestStreamSendAfterClose(t *testing.T) {
	_, client := connectedPair(t, testConfig())
	client.Close()
	if _, err := client.Send(MsgData, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestStreamGenerationMismatchBreaks(t *testing.T) {
	server, client := connectedPair(t, testConfig())
	_ = client

	// Simulate a stale-segment takeover: the generation the stream
	// attached at no longer matches the control block.
	server.in.Control().SetGeneration(server.inGen + 1)

	if err := server.Health(); !errors.Is(err, ErrBroken) {
		t.Fatalf("Health = %v, want ErrBroken", err)
	}
	if server.State() != StateBroken {
		t.Fatalf("state = %v, want broken", server.State())
	}
	if _, err := server.Recv(); !errors.Is(err, ErrBroken) {
		t.Fatalf("Recv on broken stream = %v, want ErrBroken", err)
	}
}

func TestStreamHeartbeatDetectsSilentPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	server, client := connectedPair(t, cfg)

	// Silence the client without an orderly close: knock it out of
	// Connected so its heartbeat loop stops publishing, then freeze its
	// published timestamp in the past.
	client.state.Store(int32(StateBroken))
	client.out.Control().SetLastHeartbeat(uint64(time.Now().Add(-time.Minute).UnixNano()))

	deadline := time.After(5 * time.Second)
	for server.State() != StateBroken {
		select {
		case <-deadline:
			t.Fatal("server never noticed the silent peer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamStats(t *testing.T) {
	server, client := connectedPair(t, testConfig())

	payload := []byte("counted")
	if _, err := client.Send(MsgData, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvWithin(t, server, 2*time.Second)

	cs := client.Stats()
	if cs.FramesSent != 1 || cs.BytesSent != uint64(FrameHeaderSize+len(payload)) {
		t.Errorf("client stats = sent %d frames %d bytes", cs.FramesSent, cs.BytesSent)
	}
	ss := server.Stats()
	if ss.FramesReceived != 1 || ss.BytesReceived != uint64(len(payload)) {
		t.Errorf("server stats = recv %d frames %d bytes", ss.FramesReceived, ss.BytesReceived)
	}
	if cs.Stalled() {
		t.Error("Stalled() on an idle pair")
	}
}

func TestStreamStatsStalled(t *testing.T) {
	full := RingState{Capacity: 1024, Used: 1024}
	empty := RingState{Capacity: 1024, Used: 0}

	cases := []struct {
		name    string
		out, in RingState
		want    bool
	}{
		{"both full", full, full, true},
		{"outbound only", full, empty, false},
		{"inbound only", empty, full, false},
		{"unmapped", RingState{}, RingState{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := StreamStats{Outbound: tc.out, Inbound: tc.in}
			if got := st.Stalled(); got != tc.want {
				t.Errorf("Stalled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestStreamCompressionNegotiated(t *testing.T) {
	cfg := testConfig()
	cfg.Compression = true
	server, client := connectedPair(t, cfg)

	payload := bytes.Repeat([]byte("compress me "), 1024)
	if _, err := client.Send(MsgData, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvWithin(t, server, 2*time.Second)
	if !bytes.Equal(msg.Payload, payload) {
		t.Fatal("compressed payload corrupted")
	}
	// The wire carried fewer bytes than the payload.
	if sent := client.Stats().BytesSent; sent >= uint64(len(payload)) {
		t.Errorf("wire bytes %d, expected compression below %d", sent, len(payload))
	}
}

func TestConnectWithoutListener(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Connect(ctx, "nobody", testConfig(), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect = %v, want ErrNotFound", err)
	}
}

func TestListenerSecondAcceptFails(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())
	listener, err := Bind("once", testConfig(), nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan *Stream, 1)
	go func() {
		s, _, _ := listener.Accept(ctx)
		done <- s
	}()
	client, err := Connect(ctx, "once", testConfig(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()
	if accepted := <-done; accepted != nil {
		defer accepted.Close()
	}

	if _, _, err := listener.Accept(ctx); err == nil {
		t.Fatal("second Accept succeeded")
	}
}
