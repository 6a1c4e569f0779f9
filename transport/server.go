package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperraft/ledger/raft"
)

// errUnsigned is returned when the wrapped Node rejects a message for
// bad/missing signature verification (Handle* return nil in that
// case, per raft package convention).
var errUnsigned = errors.New("transport: message rejected (signature verification failed)")

// Server adapts a *raft.Node to the hand-written RaftTransport gRPC
// service (ServiceDesc in service.go).
type Server struct {
	node *raft.Node
}

// NewServer wraps node for serving.
func NewServer(node *raft.Node) *Server { return &Server{node: node} }

// Register attaches the service to an existing *grpc.Server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

func (s *Server) RequestVote(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	reply := s.node.HandleRequestVote(structToRequestVote(req))
	if reply == nil {
		return nil, errUnsigned
	}
	return requestVoteReplyToStruct(reply), nil
}

func (s *Server) AppendEntries(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	reply := s.node.HandleAppendEntries(structToAppendEntries(req))
	if reply == nil {
		return nil, errUnsigned
	}
	return appendEntriesReplyToStruct(reply), nil
}

func (s *Server) InstallSnapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msg := structToInstallSnapshot(req)
	// No receive callback: rebuilding the Approval view from a snapshot
	// blob is the VoteStore backend's concern, out of transport's scope.
	reply := s.node.HandleInstallSnapshot(msg, nil)
	if reply == nil {
		return nil, errUnsigned
	}
	return installSnapshotReplyToStruct(reply), nil
}
