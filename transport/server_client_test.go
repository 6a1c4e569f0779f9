package transport_test

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
	"github.com/hyperraft/ledger/raft"
	"github.com/hyperraft/ledger/storage/memstore"
	"github.com/hyperraft/ledger/transport"
)

type noopTransport struct{}

func (noopTransport) SendRequestVote(context.Context, raft.NodeID, *raft.RequestVote) (*raft.RequestVoteReply, error) {
	return nil, context.DeadlineExceeded
}
func (noopTransport) SendAppendEntries(context.Context, raft.NodeID, *raft.AppendEntries) (*raft.AppendEntriesReply, error) {
	return nil, context.DeadlineExceeded
}
func (noopTransport) SendInstallSnapshot(context.Context, raft.NodeID, *raft.InstallSnapshot) (*raft.InstallSnapshotReply, error) {
	return nil, context.DeadlineExceeded
}

// startServerNode brings up a *raft.Node behind a real gRPC listener,
// trusting every public key in roster (so RPCs signed by any of them
// verify), and returns the client address to dial it at.
func startServerNode(t *testing.T, id raft.NodeID, roster map[raft.NodeID]ed25519.PublicKey, priv ed25519.PrivateKey) (addr string, stop func()) {
	t.Helper()
	cfg, err := config.NewBuilder(string(id)).
		WithElectionTimeout(time.Hour, 2*time.Hour). // never self-elect during this test
		WithHeartbeatInterval(time.Millisecond).
		Build()
	require.NoError(t, err)

	signer := raft.NewEd25519Signer(id, priv, roster)
	node, err := raft.New(id, nil, cfg, memstore.NewLogStore(), signer, clock.NewReal(), noopTransport{}, zerolog.Nop())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpc.NewServer()
	transport.NewServer(node).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	return lis.Addr().String(), gs.Stop
}

func TestRequestVoteRoundTripsOverRealGRPC(t *testing.T) {
	serverID, candidateID := raft.NodeID("n1"), raft.NodeID("n2")
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	candidatePub, candidatePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	roster := map[raft.NodeID]ed25519.PublicKey{serverID: serverPub, candidateID: candidatePub}

	addr, stop := startServerNode(t, serverID, roster, serverPriv)
	defer stop()

	client := transport.NewClient(map[raft.NodeID]string{serverID: addr})
	defer client.Close()

	candidateSigner := raft.NewEd25519Signer(candidateID, candidatePriv, roster)
	content := make([]byte, 16) // LastLogIndex, LastLogTerm, both zero
	body := raft.ContentHash("RequestVote", uint64(1), candidateID, content)
	sig, err := candidateSigner.Sign(body)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.SendRequestVote(ctx, serverID, &raft.RequestVote{
		Term: 1, CandidateID: candidateID, LastLogIndex: 0, LastLogTerm: 0,
		SenderID: candidateID, Signature: sig,
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	require.True(t, reply.VoteGranted)
}

func TestRequestVoteRejectsBadSignatureOverGRPC(t *testing.T) {
	serverID, candidateID := raft.NodeID("n1"), raft.NodeID("n2")
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	candidatePub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	roster := map[raft.NodeID]ed25519.PublicKey{serverID: serverPub, candidateID: candidatePub}

	addr, stop := startServerNode(t, serverID, roster, serverPriv)
	defer stop()

	client := transport.NewClient(map[raft.NodeID]string{serverID: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.SendRequestVote(ctx, serverID, &raft.RequestVote{
		Term: 1, CandidateID: candidateID, LastLogIndex: 0, LastLogTerm: 0,
		SenderID: candidateID, Signature: []byte("not-a-real-signature"),
	})
	require.Error(t, err)
}
