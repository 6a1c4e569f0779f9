// Package transport implements the gRPC binding of raft.Transport
// (spec.md §6): a thin service that carries RequestVote, AppendEntries
// and InstallSnapshot calls as google.protobuf.Struct envelopes rather
// than a generated message set, so the wire format stays real
// protobuf/gRPC without a protoc invocation in this pipeline.
package transport

import (
	"encoding/base64"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hyperraft/ledger/raft"
)

func mustStruct(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		panic("transport: invalid struct fields: " + err.Error())
	}
	return s
}

func encodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBytes(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func getString(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func getUint64(s *structpb.Struct, key string) uint64 {
	if s == nil {
		return 0
	}
	return uint64(s.GetFields()[key].GetNumberValue())
}

func getBool(s *structpb.Struct, key string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[key].GetBoolValue()
}

func requestVoteToStruct(msg *raft.RequestVote) *structpb.Struct {
	return mustStruct(map[string]any{
		"term":         float64(msg.Term),
		"candidateId":  string(msg.CandidateID),
		"lastLogIndex": float64(msg.LastLogIndex),
		"lastLogTerm":  float64(msg.LastLogTerm),
		"senderId":     string(msg.SenderID),
		"signature":    encodeBytes(msg.Signature),
	})
}

func structToRequestVote(s *structpb.Struct) *raft.RequestVote {
	return &raft.RequestVote{
		Term:         getUint64(s, "term"),
		CandidateID:  raft.NodeID(getString(s, "candidateId")),
		LastLogIndex: getUint64(s, "lastLogIndex"),
		LastLogTerm:  getUint64(s, "lastLogTerm"),
		SenderID:     raft.NodeID(getString(s, "senderId")),
		Signature:    decodeBytes(getString(s, "signature")),
	}
}

func requestVoteReplyToStruct(msg *raft.RequestVoteReply) *structpb.Struct {
	return mustStruct(map[string]any{
		"term":        float64(msg.Term),
		"voteGranted": msg.VoteGranted,
		"senderId":    string(msg.SenderID),
		"signature":   encodeBytes(msg.Signature),
	})
}

func structToRequestVoteReply(s *structpb.Struct) *raft.RequestVoteReply {
	return &raft.RequestVoteReply{
		Term:        getUint64(s, "term"),
		VoteGranted: getBool(s, "voteGranted"),
		SenderID:    raft.NodeID(getString(s, "senderId")),
		Signature:   decodeBytes(getString(s, "signature")),
	}
}

func logEntryToMap(e raft.LogEntry) map[string]any {
	return map[string]any{
		"index":           float64(e.Index),
		"term":            float64(e.Term),
		"kind":            float64(e.Kind),
		"payload":         encodeBytes(e.Payload),
		"clientRequestId": e.ClientRequestID,
	}
}

func mapToLogEntry(v any) raft.LogEntry {
	m, ok := v.(map[string]any)
	if !ok {
		return raft.LogEntry{}
	}
	return raft.LogEntry{
		Index:           uint64(numberOf(m["index"])),
		Term:            uint64(numberOf(m["term"])),
		Kind:            raft.EntryKind(numberOf(m["kind"])),
		Payload:         decodeBytes(stringOf(m["payload"])),
		ClientRequestID: stringOf(m["clientRequestId"]),
	}
}

func numberOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func appendEntriesToStruct(msg *raft.AppendEntries) *structpb.Struct {
	entries := make([]any, len(msg.Entries))
	for i, e := range msg.Entries {
		entries[i] = logEntryToMap(e)
	}
	return mustStruct(map[string]any{
		"term":         float64(msg.Term),
		"leaderId":     string(msg.LeaderID),
		"prevLogIndex": float64(msg.PrevLogIndex),
		"prevLogTerm":  float64(msg.PrevLogTerm),
		"entries":      entries,
		"leaderCommit": float64(msg.LeaderCommit),
		"senderId":     string(msg.SenderID),
		"signature":    encodeBytes(msg.Signature),
	})
}

func structToAppendEntries(s *structpb.Struct) *raft.AppendEntries {
	var entries []raft.LogEntry
	if lv := s.GetFields()["entries"].GetListValue(); lv != nil {
		entries = make([]raft.LogEntry, len(lv.Values))
		for i, v := range lv.Values {
			entries[i] = mapToLogEntry(v.AsInterface())
		}
	}
	return &raft.AppendEntries{
		Term:         getUint64(s, "term"),
		LeaderID:     raft.NodeID(getString(s, "leaderId")),
		PrevLogIndex: getUint64(s, "prevLogIndex"),
		PrevLogTerm:  getUint64(s, "prevLogTerm"),
		Entries:      entries,
		LeaderCommit: getUint64(s, "leaderCommit"),
		SenderID:     raft.NodeID(getString(s, "senderId")),
		Signature:    decodeBytes(getString(s, "signature")),
	}
}

func appendEntriesReplyToStruct(msg *raft.AppendEntriesReply) *structpb.Struct {
	return mustStruct(map[string]any{
		"term":       float64(msg.Term),
		"success":    msg.Success,
		"matchIndex": float64(msg.MatchIndex),
		"signedAck":  encodeBytes(msg.SignedAck),
		"senderId":   string(msg.SenderID),
		"signature":  encodeBytes(msg.Signature),
	})
}

func structToAppendEntriesReply(s *structpb.Struct) *raft.AppendEntriesReply {
	return &raft.AppendEntriesReply{
		Term:       getUint64(s, "term"),
		Success:    getBool(s, "success"),
		MatchIndex: getUint64(s, "matchIndex"),
		SignedAck:  decodeBytes(getString(s, "signedAck")),
		SenderID:   raft.NodeID(getString(s, "senderId")),
		Signature:  decodeBytes(getString(s, "signature")),
	}
}

func installSnapshotToStruct(msg *raft.InstallSnapshot) *structpb.Struct {
	return mustStruct(map[string]any{
		"term":              float64(msg.Term),
		"leaderId":          string(msg.LeaderID),
		"lastIncludedIndex": float64(msg.LastIncludedIndex),
		"lastIncludedTerm":  float64(msg.LastIncludedTerm),
		"offset":            float64(msg.Offset),
		"data":              encodeBytes(msg.Data),
		"done":              msg.Done,
		"senderId":          string(msg.SenderID),
		"signature":         encodeBytes(msg.Signature),
	})
}

func structToInstallSnapshot(s *structpb.Struct) *raft.InstallSnapshot {
	return &raft.InstallSnapshot{
		Term:              getUint64(s, "term"),
		LeaderID:          raft.NodeID(getString(s, "leaderId")),
		LastIncludedIndex: getUint64(s, "lastIncludedIndex"),
		LastIncludedTerm:  getUint64(s, "lastIncludedTerm"),
		Offset:            getUint64(s, "offset"),
		Data:              decodeBytes(getString(s, "data")),
		Done:              getBool(s, "done"),
		SenderID:          raft.NodeID(getString(s, "senderId")),
		Signature:         decodeBytes(getString(s, "signature")),
	}
}

func installSnapshotReplyToStruct(msg *raft.InstallSnapshotReply) *structpb.Struct {
	return mustStruct(map[string]any{
		"term":      float64(msg.Term),
		"senderId":  string(msg.SenderID),
		"signature": encodeBytes(msg.Signature),
	})
}

func structToInstallSnapshotReply(s *structpb.Struct) *raft.InstallSnapshotReply {
	return &raft.InstallSnapshotReply{
		Term:      getUint64(s, "term"),
		SenderID:  raft.NodeID(getString(s, "senderId")),
		Signature: decodeBytes(getString(s, "signature")),
	}
}
