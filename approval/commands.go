package approval

import "encoding/json"

// CreateCommand is the payload of a raft.ApprovalCreate entry.
type CreateCommand struct {
	ApprovalID     string `json:"approvalId"`
	Subject        string `json:"subject"`
	QuorumSize     int    `json:"quorumSize"`
	FaultTolerance int    `json:"faultTolerance"`
}

// VoteCommand is the payload of a raft.Vote entry.
type VoteCommand struct {
	ApprovalID string   `json:"approvalId"`
	VoterID    string   `json:"voterId"`
	Vote       VoteKind `json:"vote"`
}

func EncodeCreateCommand(c CreateCommand) ([]byte, error) { return json.Marshal(c) }

func DecodeCreateCommand(data []byte) (CreateCommand, error) {
	var c CreateCommand
	err := json.Unmarshal(data, &c)
	return c, err
}

func EncodeVoteCommand(c VoteCommand) ([]byte, error) { return json.Marshal(c) }

func DecodeVoteCommand(data []byte) (VoteCommand, error) {
	var c VoteCommand
	err := json.Unmarshal(data, &c)
	return c, err
}
