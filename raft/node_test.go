package raft_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/raft"
)

func fastConfig(id raft.NodeID) *config.Config {
	cfg, err := config.NewBuilder(string(id)).
		WithElectionTimeout(60*time.Millisecond, 120*time.Millisecond).
		WithHeartbeatInterval(20 * time.Millisecond).
		WithFaultTolerance(1).
		Build()
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestElectsExactlyOneLeader(t *testing.T) {
	ids := []raft.NodeID{"n1", "n2", "n3"}
	cluster := newTestCluster(ids, fastConfig)
	cluster.startAll()
	defer cluster.stopAll()

	leader := cluster.leader(2 * time.Second)
	require.NotNil(t, leader, "expected a leader to be elected")
}

func TestProposeCommitsAndIsIdempotent(t *testing.T) {
	ids := []raft.NodeID{"n1", "n2", "n3"}
	cluster := newTestCluster(ids, fastConfig)
	cluster.startAll()
	defer cluster.stopAll()

	leader := cluster.leader(2 * time.Second)
	require.NotNil(t, leader)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	idx1, term1, err := leader.Propose(ctx, []byte("payload"), raft.Command, "req-1")
	require.NoError(t, err)

	idx2, term2, err := leader.Propose(ctx, []byte("different-payload"), raft.Command, "req-1")
	require.NoError(t, err)
	require.Equal(t, idx1, idx2, "duplicate clientRequestID must return the original index")
	require.Equal(t, term1, term2)

	entry, err := leader.ReadCommitted(idx1)
	require.NoError(t, err)
	require.Equal(t, "payload", string(entry.Payload))
}

func TestNonLeaderReturnsNotLeader(t *testing.T) {
	ids := []raft.NodeID{"n1", "n2", "n3"}
	cluster := newTestCluster(ids, fastConfig)
	cluster.startAll()
	defer cluster.stopAll()

	leader := cluster.leader(2 * time.Second)
	require.NotNil(t, leader)

	var follower *raft.Node
	for _, n := range cluster.nodes {
		if n.Role() != raft.Leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := follower.Propose(ctx, []byte("x"), raft.Command, "")
	require.Error(t, err)
	var notLeader *raft.NotLeaderError
	require.ErrorAs(t, err, &notLeader)
}
