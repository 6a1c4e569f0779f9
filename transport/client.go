package transport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperraft/ledger/raft"
)

// Client implements raft.Transport over gRPC, dialing peers lazily
// and caching one *grpc.ClientConn per NodeID.
type Client struct {
	mu    sync.Mutex
	addrs map[raft.NodeID]string
	conns map[raft.NodeID]*grpc.ClientConn
}

// NewClient builds a Client that dials peers at the given addresses
// (e.g. "10.0.0.1:8090") on first use.
func NewClient(addrs map[raft.NodeID]string) *Client {
	return &Client{addrs: addrs, conns: make(map[raft.NodeID]*grpc.ClientConn)}
}

func (c *Client) connFor(target raft.NodeID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[target]; ok {
		return conn, nil
	}
	addr, ok := c.addrs[target]
	if !ok {
		return nil, fmt.Errorf("transport: no address registered for node %q", target)
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conns[target] = conn
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, target raft.NodeID, method string, req *structpb.Struct) (*structpb.Struct, error) {
	conn, err := c.connFor(target)
	if err != nil {
		return nil, err
	}
	reply := new(structpb.Struct)
	fullMethod := "/" + serviceName + "/" + method
	if err := conn.Invoke(ctx, fullMethod, req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) SendRequestVote(ctx context.Context, target raft.NodeID, msg *raft.RequestVote) (*raft.RequestVoteReply, error) {
	reply, err := c.invoke(ctx, target, "RequestVote", requestVoteToStruct(msg))
	if err != nil {
		return nil, err
	}
	return structToRequestVoteReply(reply), nil
}

func (c *Client) SendAppendEntries(ctx context.Context, target raft.NodeID, msg *raft.AppendEntries) (*raft.AppendEntriesReply, error) {
	reply, err := c.invoke(ctx, target, "AppendEntries", appendEntriesToStruct(msg))
	if err != nil {
		return nil, err
	}
	return structToAppendEntriesReply(reply), nil
}

func (c *Client) SendInstallSnapshot(ctx context.Context, target raft.NodeID, msg *raft.InstallSnapshot) (*raft.InstallSnapshotReply, error) {
	reply, err := c.invoke(ctx, target, "InstallSnapshot", installSnapshotToStruct(msg))
	if err != nil {
		return nil, err
	}
	return structToInstallSnapshotReply(reply), nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
