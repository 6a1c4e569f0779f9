package raft_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage/memstore"
)

// loopbackTransport dispatches RPCs directly to in-process peer
// Nodes, standing in for the gRPC transport in tests.
type loopbackTransport struct {
	mu    sync.RWMutex
	nodes map[raft.NodeID]*raft.Node
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{nodes: make(map[raft.NodeID]*raft.Node)}
}

func (t *loopbackTransport) register(id raft.NodeID, n *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

func (t *loopbackTransport) peer(id raft.NodeID) *raft.Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

func (t *loopbackTransport) SendRequestVote(ctx context.Context, target raft.NodeID, msg *raft.RequestVote) (*raft.RequestVoteReply, error) {
	n := t.peer(target)
	if n == nil {
		return nil, context.DeadlineExceeded
	}
	return n.HandleRequestVote(msg), nil
}

func (t *loopbackTransport) SendAppendEntries(ctx context.Context, target raft.NodeID, msg *raft.AppendEntries) (*raft.AppendEntriesReply, error) {
	n := t.peer(target)
	if n == nil {
		return nil, context.DeadlineExceeded
	}
	return n.HandleAppendEntries(msg), nil
}

func (t *loopbackTransport) SendInstallSnapshot(ctx context.Context, target raft.NodeID, msg *raft.InstallSnapshot) (*raft.InstallSnapshotReply, error) {
	n := t.peer(target)
	if n == nil {
		return nil, context.DeadlineExceeded
	}
	return n.HandleInstallSnapshot(msg, nil), nil
}

type testCluster struct {
	nodes     map[raft.NodeID]*raft.Node
	transport *loopbackTransport
}

func newTestCluster(ids []raft.NodeID, cfgFn func(id raft.NodeID) *config.Config) *testCluster {
	transport := newLoopbackTransport()
	pubKeys := make(map[raft.NodeID]ed25519.PublicKey)
	privKeys := make(map[raft.NodeID]ed25519.PrivateKey)
	for _, id := range ids {
		pub, priv, _ := ed25519.GenerateKey(nil)
		pubKeys[id] = pub
		privKeys[id] = priv
	}

	cluster := &testCluster{nodes: make(map[raft.NodeID]*raft.Node), transport: transport}
	for _, id := range ids {
		var peers []raft.NodeID
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		signer := raft.NewEd25519Signer(id, privKeys[id], pubKeys)
		n, err := raft.New(id, peers, cfgFn(id), memstore.NewLogStore(), signer, clock.NewReal(), transport, discardLogger())
		if err != nil {
			panic(err)
		}
		transport.register(id, n)
		cluster.nodes[id] = n
	}
	return cluster
}

func (c *testCluster) startAll() {
	for _, n := range c.nodes {
		n.Start()
	}
}

func (c *testCluster) stopAll() {
	for _, n := range c.nodes {
		n.Stop()
	}
}

func (c *testCluster) leader(timeout time.Duration) *raft.Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.Role() == raft.Leader {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}
