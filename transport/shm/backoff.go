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
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// Backoff defaults. A full ring normally drains within microseconds;
// the ceiling keeps a wedged reader from inflating per-write latency
// past one scheduling quantum.
const (
	DefaultInitialBackoff = 100 * time.Microsecond
	DefaultMaxBackoff     = 10 * time.Millisecond
	DefaultMultiplier     = 2.0
	DefaultMaxRetries     = 50
)

// BackoffConfig shapes the retry schedule used when a write finds the
// ring full.
type BackoffConfig struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the delay; the schedule saturates here.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Multiplier grows the delay per attempt; must be >= 1.
	Multiplier float64 `yaml:"multiplier"`
	// Jitter, in [0,1], randomizes each delay by up to that fraction
	// to avoid lock-step retries. 0 disables jitter.
	Jitter float64 `yaml:"jitter"`
	// MaxRetries bounds retries per write before giving up with
	// BackpressureExhausted. 0 means fail on the first full ring.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultBackoff returns the stock retry schedule.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
		Jitter:         0.1,
		MaxRetries:     DefaultMaxRetries,
	}
}

func (c *BackoffConfig) validate() error {
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("shm: initial backoff %v must be positive", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("shm: max backoff %v below initial %v", c.MaxBackoff, c.InitialBackoff)
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("shm: multiplier %v must be >= 1", c.Multiplier)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("shm: jitter %v must be in [0,1]", c.Jitter)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("shm: max retries %d must be >= 0", c.MaxRetries)
	}
	return nil
}

// Delay returns the deterministic delay before retry number attempt
// (zero-based), before jitter. The schedule is nondecreasing in attempt
// and saturates at MaxBackoff.
func (c *BackoffConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff)
	maxf := float64(c.MaxBackoff)
	for i := 0; i < attempt; i++ {
		d *= c.Multiplier
		if d >= maxf {
			return c.MaxBackoff
		}
	}
	if d > maxf {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// JitteredDelay is Delay with the configured jitter applied: a uniform
// draw from [d*(1-Jitter), d*(1+Jitter)], still capped at MaxBackoff.
func (c *BackoffConfig) JitteredDelay(attempt int) time.Duration {
	d := c.Delay(attempt)
	if c.Jitter == 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	j := time.Duration(float64(d) - spread + 2*spread*rand.Float64())
	if j > c.MaxBackoff {
		return c.MaxBackoff
	}
	if j <= 0 {
		return time.Microsecond
	}
	return j
}

// BackpressureStats counts retry activity on one writer. All fields are
// cumulative and safe to read concurrently via Snapshot.
type BackpressureStats struct {
	// Stalls counts writes that found the ring full at least once.
	Stalls uint64
	// Retries counts individual retry waits.
	Retries uint64
	// Exhausted counts writes that gave up after MaxRetries.
	Exhausted uint64
	// TotalWait is the cumulative time spent waiting for space.
	TotalWait time.Duration
	// MaxBackoff is the longest single delay handed to a waiter.
	MaxBackoff time.Duration
	// RetryHist buckets stalled writes by how many retries they
	// needed: bucket i counts writes resolved after i retries, with
	// the last bucket absorbing everything beyond.
	RetryHist [retryHistBuckets]uint64
}

const retryHistBuckets = 8

type backpressureCounters struct {
	stalls       atomic.Uint64
	retries      atomic.Uint64
	exhausted    atomic.Uint64
	waitNanos    atomic.Int64
	maxBackoffNs atomic.Int64
	hist         [retryHistBuckets]atomic.Uint64
}

func (b *backpressureCounters) observeDelay(d time.Duration) {
	for {
		cur := b.maxBackoffNs.Load()
		if int64(d) <= cur || b.maxBackoffNs.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (b *backpressureCounters) observeResolved(attempts int) {
	if attempts >= retryHistBuckets {
		attempts = retryHistBuckets - 1
	}
	b.hist[attempts].Add(1)
}

func (b *backpressureCounters) snapshot() BackpressureStats {
	s := BackpressureStats{
		Stalls:     b.stalls.Load(),
		Retries:    b.retries.Load(),
		Exhausted:  b.exhausted.Load(),
		TotalWait:  time.Duration(b.waitNanos.Load()),
		MaxBackoff: time.Duration(b.maxBackoffNs.Load()),
	}
	for i := range b.hist {
		s.RetryHist[i] = b.hist[i].Load()
	}
	return s
}

// backpressureWriter layers the retry schedule over a ring's
// non-blocking writes. It is single-producer, like the ring itself.
type backpressureWriter struct {
	ring     *Ring
	cfg      BackoffConfig
	blocking bool
	stats    backpressureCounters

	// pending holds the unwritten remainder of a frame between calls,
	// with attempts tracking the retry budget already spent on it.
	// committed means the frame's head is already in the ring; the
	// remainder must then reach the ring before any other frame, or the
	// byte stream misframes everything after it.
	pending   []byte
	attempts  int
	committed bool
}

func newBackpressureWriter(ring *Ring, cfg BackoffConfig, blocking bool) (*backpressureWriter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &backpressureWriter{ring: ring, cfg: cfg, blocking: blocking}, nil
}

// write pushes buf into the ring, applying backpressure when full.
//
// Blocking mode waits on the space doorbell between attempts, using the
// backoff delay as the wait timeout, and returns only on success, a
// closed ring, or an exhausted retry budget.
//
// Non-blocking mode never sleeps. On a full ring it returns
// ErrWouldBlock and keeps the unwritten remainder; the next call
// resumes it, carrying the retry count forward until the budget is
// spent. An exhausted frame with no bytes in the ring yet is dropped
// cleanly (BackpressureError with Committed false); a frame whose head
// is already committed is never dropped — its tail stays pending, the
// error reports Committed, and subsequent writes complete the frame
// before starting another.
func (w *backpressureWriter) write(buf []byte) error {
	if len(w.pending) > 0 {
		// A previous partial frame must complete first to preserve
		// frame boundaries in the byte stream.
		if err := w.flushPending(); err != nil {
			return err
		}
	}
	return w.push(buf, 0, false)
}

// flushPending retries the carried-over remainder of an earlier frame.
func (w *backpressureWriter) flushPending() error {
	if len(w.pending) == 0 {
		return nil
	}
	return w.push(w.pending, w.attempts, w.committed)
}

func (w *backpressureWriter) push(buf []byte, attempts int, committed bool) error {
	stalled := false
	for {
		if !committed && uint64(len(buf)) <= w.ring.Capacity() {
			// A frame that fits goes in whole or not at all, so an
			// abandoned frame never leaves a truncated head in the ring.
			switch err := w.ring.TryWrite(buf); {
			case err == nil:
				buf = nil
			case err != ErrWouldBlock:
				return err
			}
		} else {
			// Frames larger than the ring can only stream through in
			// chunks; the first committed chunk obligates the rest.
			n, err := w.ring.TryWriteSome(buf)
			if n > 0 {
				committed = true
			}
			buf = buf[n:]
			if err != nil && err != ErrWouldBlock {
				return err
			}
		}
		if len(buf) == 0 {
			w.pending = nil
			w.attempts = 0
			w.committed = false
			if stalled || attempts > 0 {
				w.stats.observeResolved(attempts)
			}
			return nil
		}
		if !stalled {
			stalled = true
			w.stats.stalls.Add(1)
		}
		if attempts >= w.cfg.MaxRetries {
			w.stats.exhausted.Add(1)
			if committed {
				// The head is in the ring; the tail must follow
				// eventually. Keep it pending with a fresh budget and
				// report the frame as undelivered rather than dropped.
				w.pending = buf
				w.attempts = 0
				w.committed = true
			} else {
				w.pending = nil
				w.attempts = 0
				w.committed = false
			}
			return &BackpressureError{
				Attempts:    attempts,
				LastBackoff: w.cfg.Delay(attempts),
				BytesShort:  len(buf),
				Committed:   committed,
			}
		}
		delay := w.cfg.JitteredDelay(attempts)
		w.stats.observeDelay(delay)
		attempts++
		if !w.blocking {
			w.pending = buf
			w.attempts = attempts
			w.committed = committed
			return ErrWouldBlock
		}
		w.stats.retries.Add(1)
		start := time.Now()
		// The doorbell cuts the wait short the moment the reader frees
		// space; the delay only bounds how long a lost wake can hurt.
		w.ring.spaceBell.Wait(delay)
		w.stats.waitNanos.Add(int64(time.Since(start)))
	}
}
