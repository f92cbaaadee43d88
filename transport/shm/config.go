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
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables of a connection endpoint. The zero value
// is not usable; start from DefaultConfig.
type Config struct {
	// RingCapacity is the byte capacity of each direction's ring.
	// Must be a power of two, at least MinRingCapacity.
	RingCapacity uint64 `yaml:"ring_capacity"`
	// Backoff shapes retries when a write finds the ring full.
	Backoff BackoffConfig `yaml:"backoff"`
	// Blocking selects blocking writes. Non-blocking writes return
	// ErrWouldBlock to the caller instead of sleeping.
	Blocking bool `yaml:"blocking"`
	// Compression offers zstd payload compression to the peer. It is
	// used only when both sides offer it.
	Compression bool `yaml:"compression"`
	// HeartbeatInterval is how often liveness is published while the
	// connection is open.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is how long a silent peer is tolerated before
	// the connection is marked broken.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// ChecksumFailureLimit breaks the connection after this many
	// consecutive corrupt frames.
	ChecksumFailureLimit int `yaml:"checksum_failure_limit"`
}

// DefaultConfig returns the stock endpoint configuration.
func DefaultConfig() Config {
	return Config{
		RingCapacity:         DefaultRingCapacity,
		Backoff:              DefaultBackoff(),
		Blocking:             true,
		Compression:          false,
		HeartbeatInterval:    time.Second,
		HeartbeatTimeout:     5 * time.Second,
		ChecksumFailureLimit: 3,
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if !IsPowerOfTwo(c.RingCapacity) || c.RingCapacity < MinRingCapacity {
		return fmt.Errorf("shm: ring capacity %d must be a power of two >= %d",
			c.RingCapacity, MinRingCapacity)
	}
	if err := c.Backoff.validate(); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("shm: heartbeat interval %v must be positive", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("shm: heartbeat timeout %v must be at least twice the interval %v",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.ChecksumFailureLimit < 1 {
		return fmt.Errorf("shm: checksum failure limit %d must be >= 1", c.ChecksumFailureLimit)
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults: fields absent
// from the file keep their default values. Durations are written as Go
// duration strings ("100us", "10ms").
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("shm: read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("shm: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("shm: config %s: %w", path, err)
	}
	return cfg, nil
}

// duration parses YAML duration strings ("1s", "100us") as well as
// bare integers, which are taken as nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("shm: bad duration %q: %w", v, err)
		}
		*d = duration(parsed)
	case int:
		*d = duration(v)
	default:
		return fmt.Errorf("shm: bad duration value %v", raw)
	}
	return nil
}

// UnmarshalYAML decodes durations via the string form.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		RingCapacity         *uint64        `yaml:"ring_capacity"`
		Backoff              *BackoffConfig `yaml:"backoff"`
		Blocking             *bool          `yaml:"blocking"`
		Compression          *bool          `yaml:"compression"`
		HeartbeatInterval    *duration      `yaml:"heartbeat_interval"`
		HeartbeatTimeout     *duration      `yaml:"heartbeat_timeout"`
		ChecksumFailureLimit *int           `yaml:"checksum_failure_limit"`
	}
	// Backoff is pre-seeded with the current value so a backoff block
	// decodes over it in place and a partial block keeps the defaults of
	// fields it omits; an absent block leaves it untouched.
	r := raw{Backoff: &c.Backoff}
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.RingCapacity != nil {
		c.RingCapacity = *r.RingCapacity
	}
	if r.Blocking != nil {
		c.Blocking = *r.Blocking
	}
	if r.Compression != nil {
		c.Compression = *r.Compression
	}
	if r.HeartbeatInterval != nil {
		c.HeartbeatInterval = time.Duration(*r.HeartbeatInterval)
	}
	if r.HeartbeatTimeout != nil {
		c.HeartbeatTimeout = time.Duration(*r.HeartbeatTimeout)
	}
	if r.ChecksumFailureLimit != nil {
		c.ChecksumFailureLimit = *r.ChecksumFailureLimit
	}
	return nil
}

// UnmarshalYAML decodes durations via the string form. Fields absent
// from the document keep their prior values, so defaults survive a
// partial file.
func (c *BackoffConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		InitialBackoff *duration `yaml:"initial_backoff"`
		MaxBackoff     *duration `yaml:"max_backoff"`
		Multiplier     *float64  `yaml:"multiplier"`
		Jitter         *float64  `yaml:"jitter"`
		MaxRetries     *int      `yaml:"max_retries"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.InitialBackoff != nil {
		c.InitialBackoff = time.Duration(*r.InitialBackoff)
	}
	if r.MaxBackoff != nil {
		c.MaxBackoff = time.Duration(*r.MaxBackoff)
	}
	if r.Multiplier != nil {
		c.Multiplier = *r.Multiplier
	}
	if r.Jitter != nil {
		c.Jitter = *r.Jitter
	}
	if r.MaxRetries != nil {
		c.MaxRetries = *r.MaxRetries
	}
	return nil
}
