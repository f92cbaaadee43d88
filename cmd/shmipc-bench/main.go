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

// shmipc-bench measures transport throughput and round-trip latency.
//
// Run the echo side first, then the measuring side, or use --loopback
// to run both in one process:
//
//	shmipc-bench --mode serve --name bench
//	shmipc-bench --mode run --name bench --count 100000 --size 4096
//	shmipc-bench --loopback --count 100000 --size 4096
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"time"

	"github.com/spf13/pflag"

	"github.com/aibridge/shmipc/transport/shm"
)

func main() {
	var (
		mode     = pflag.String("mode", "run", "serve (echo peer) or run (measure)")
		loopback = pflag.Bool("loopback", false, "run both ends in this process")
		name     = pflag.String("name", "bench", "connection name")
		count    = pflag.Int("count", 10000, "messages to send")
		size     = pflag.Int("size", 1024, "payload bytes per message")
		capacity = pflag.Uint64("capacity", shm.DefaultRingCapacity, "ring capacity in bytes")
		compress = pflag.Bool("compress", false, "offer zstd payload compression")
		config   = pflag.String("config", "", "YAML config file, overrides other flags")
		verbose  = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := shm.DefaultConfig()
	if *config != "" {
		var err error
		if cfg, err = shm.LoadConfig(*config); err != nil {
			fatal(err)
		}
	} else {
		cfg.RingCapacity = *capacity
		cfg.Compression = *compress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *loopback:
		if err := runLoopback(ctx, *name, cfg, logger, *count, *size); err != nil {
			fatal(err)
		}
	case *mode == "serve":
		if err := serve(ctx, *name, cfg, logger); err != nil {
			fatal(err)
		}
	case *mode == "run":
		stream, err := shm.Connect(ctx, *name, cfg, logger)
		if err != nil {
			fatal(err)
		}
		defer stream.Close()
		if err := measure(ctx, stream, *count, *size); err != nil {
			fatal(err)
		}
	default:
		fatal(fmt.Errorf("unknown mode %q", *mode))
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "shmipc-bench: %v\n", err)
	os.Exit(1)
}

// serve echoes every data frame back with the same message id.
func serve(ctx context.Context, name string, cfg shm.Config, logger *slog.Logger) error {
	listener, err := shm.Bind(name, cfg, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	stream, peer, err := listener.Accept(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()
	logger.Info("echo serving", "peer_pid", peer.PID)

	return echo(ctx, stream)
}

func echo(ctx context.Context, stream *shm.Stream) error {
	for {
		msg, err := stream.RecvContext(ctx)
		if err != nil {
			if errors.Is(err, shm.ErrClosed) {
				return nil
			}
			return err
		}
		if err := stream.SendWithID(msg.Type, msg.Payload, msg.ID); err != nil {
			return err
		}
	}
}

// measure drives count round trips of size-byte payloads and prints
// throughput and latency percentiles.
func measure(ctx context.Context, stream *shm.Stream, count, size int) error {
	payload := make([]byte, size)
	rand.Read(payload)

	latencies := make([]time.Duration, 0, count)
	start := time.Now()
	for i := 0; i < count; i++ {
		sent := time.Now()
		id, err := stream.Send(shm.MsgData, payload)
		if err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		msg, err := stream.RecvContext(ctx)
		if err != nil {
			return fmt.Errorf("recv %d: %w", i, err)
		}
		if msg.ID != id {
			return fmt.Errorf("echo id %d, sent %d", msg.ID, id)
		}
		latencies = append(latencies, time.Since(sent))
	}
	elapsed := time.Since(start)

	report(count, size, elapsed, latencies)
	stats := stream.Stats()
	fmt.Printf("backpressure: stalls=%d retries=%d waited=%v\n",
		stats.Backpressure.Stalls, stats.Backpressure.Retries, stats.Backpressure.TotalWait)
	return nil
}

func runLoopback(ctx context.Context, name string, cfg shm.Config, logger *slog.Logger, count, size int) error {
	listener, err := shm.Bind(name, cfg, logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	errc := make(chan error, 1)
	go func() {
		stream, _, err := listener.Accept(ctx)
		if err != nil {
			errc <- err
			return
		}
		defer stream.Close()
		errc <- echo(ctx, stream)
	}()

	stream, err := shm.Connect(ctx, name, cfg, logger)
	if err != nil {
		return err
	}
	if err := measure(ctx, stream, count, size); err != nil {
		stream.Close()
		return err
	}
	stream.Close()
	return <-errc
}

func report(count, size int, elapsed time.Duration, latencies []time.Duration) {
	totalBytes := float64(count) * float64(size)
	fmt.Printf("%d round trips of %d bytes in %v\n", count, size, elapsed.Round(time.Millisecond))
	fmt.Printf("throughput: %.1f msg/s, %.1f MB/s\n",
		float64(count)/elapsed.Seconds(), totalBytes/elapsed.Seconds()/(1<<20))
	fmt.Printf("latency: p50=%v p99=%v max=%v\n",
		percentile(latencies, 0.50), percentile(latencies, 0.99), percentile(latencies, 1.0))
}

// percentile picks by nearest-rank on a sorted copy.
func percentile(d []time.Duration, p float64) time.Duration {
	if len(d) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(d))
	copy(sorted, d)
	slices.Sort(sorted)
	idx := int(p*float64(len(sorted))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
