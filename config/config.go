// Package config defines the tunables for the consensus core, the
// delivery pipeline, and the admin surface, following the
// builder-with-validation pattern used across the corpus's consensus
// configuration packages.
package config

import (
	"fmt"
	"time"
)

// Config holds every tunable named non-normatively in spec §4.1-§4.5.
type Config struct {
	// NodeID is this node's stable identity.
	NodeID string

	// Election timeout is randomised uniformly in
	// [ElectionTimeoutMin, ElectionTimeoutMax].
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the leader's AppendEntries heartbeat cadence.
	HeartbeatInterval time.Duration

	// FaultTolerance f: the node tolerates up to f crash faults and
	// requires N-f signed acks to commit.
	FaultTolerance int

	// PendingVoteRetention bounds how long votes for an unseen
	// approvalID are held before being garbage-collected.
	PendingVoteRetention time.Duration
	// PendingVoteCacheSize bounds the LRU holding those votes.
	PendingVoteCacheSize int

	// Delivery tuning.
	DeliveryPartitions      int
	DeliveryWorkerPoolSize  int
	DeliveryConnectTimeout  time.Duration
	DeliveryPOSTTimeout     time.Duration
	DeliveryNonPOSTTimeout  time.Duration
	DeliveryBackoffCap      time.Duration
	DeliveryBackoffJitter   float64
	DeliveryDefaultLeaseExt time.Duration

	// AdminListenAddr is the address the admin/query HTTP surface binds.
	AdminListenAddr string
	// RaftListenAddr is the address the consensus gRPC transport binds.
	RaftListenAddr string
}

// NewDefault returns a Config with the non-normative defaults named in
// spec.md §4.1 and §4.5.
func NewDefault(nodeID string) *Config {
	return &Config{
		NodeID:                  nodeID,
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		HeartbeatInterval:       50 * time.Millisecond,
		FaultTolerance:          1,
		PendingVoteRetention:    10 * time.Minute,
		PendingVoteCacheSize:    4096,
		DeliveryPartitions:      8,
		DeliveryWorkerPoolSize:  4,
		DeliveryConnectTimeout:  30 * time.Second,
		DeliveryPOSTTimeout:     30 * time.Second,
		DeliveryNonPOSTTimeout:  10 * time.Second,
		DeliveryBackoffCap:      300 * time.Second,
		DeliveryBackoffJitter:   0.10,
		DeliveryDefaultLeaseExt: 5 * time.Second,
		AdminListenAddr:         ":8080",
		RaftListenAddr:          ":8090",
	}
}

// Validate checks internal consistency of the configuration.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: NodeID must not be empty")
	}
	if c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("config: ElectionTimeoutMax must be >= ElectionTimeoutMin")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: HeartbeatInterval must be positive")
	}
	if c.HeartbeatInterval*3 > c.ElectionTimeoutMin {
		return fmt.Errorf("config: HeartbeatInterval must be well under ElectionTimeoutMin")
	}
	if c.FaultTolerance < 0 {
		return fmt.Errorf("config: FaultTolerance must be >= 0")
	}
	if c.DeliveryPartitions <= 0 {
		return fmt.Errorf("config: DeliveryPartitions must be > 0")
	}
	if c.DeliveryWorkerPoolSize <= 0 {
		return fmt.Errorf("config: DeliveryWorkerPoolSize must be > 0")
	}
	return nil
}

// Builder assembles a Config with chainable overrides, mirroring the
// corpus's config.Builder pattern for tests that need non-default
// timings.
type Builder struct {
	cfg *Config
}

// NewBuilder starts from the defaults for nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{cfg: NewDefault(nodeID)}
}

func (b *Builder) WithElectionTimeout(min, max time.Duration) *Builder {
	b.cfg.ElectionTimeoutMin = min
	b.cfg.ElectionTimeoutMax = max
	return b
}

func (b *Builder) WithHeartbeatInterval(d time.Duration) *Builder {
	b.cfg.HeartbeatInterval = d
	return b
}

func (b *Builder) WithFaultTolerance(f int) *Builder {
	b.cfg.FaultTolerance = f
	return b
}

func (b *Builder) WithDeliveryPartitions(p int) *Builder {
	b.cfg.DeliveryPartitions = p
	return b
}

func (b *Builder) WithDeliveryWorkerPoolSize(n int) *Builder {
	b.cfg.DeliveryWorkerPoolSize = n
	return b
}

func (b *Builder) WithAdminListenAddr(addr string) *Builder {
	b.cfg.AdminListenAddr = addr
	return b
}

func (b *Builder) WithRaftListenAddr(addr string) *Builder {
	b.cfg.RaftListenAddr = addr
	return b
}

// Build validates and returns the assembled Config.
func (b *Builder) Build() (*Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}
	cfg := *b.cfg
	return &cfg, nil
}
