package raft

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Signer is the opaque capability spec.md §9 deliberately leaves
// unspecified ("quantum-safe signature... provides no algorithm").
// Consensus messages only ever go through Sign/Verify; no caller
// depends on the concrete scheme.
type Signer interface {
	Sign(content []byte) (sig []byte, err error)
	Verify(content []byte, sig []byte, senderID NodeID) bool
	SelfID() NodeID
}

// Ed25519Signer is the concrete default Signer implementation. Every
// node must know every other node's public key in advance; validator
// set membership changes are out of scope (spec §1 non-goals).
type Ed25519Signer struct {
	id         NodeID
	priv       ed25519.PrivateKey
	publicKeys map[NodeID]ed25519.PublicKey
}

// NewEd25519Signer builds a Signer for id, signing with priv and
// verifying peers against publicKeys (which should include id's own
// public key).
func NewEd25519Signer(id NodeID, priv ed25519.PrivateKey, publicKeys map[NodeID]ed25519.PublicKey) *Ed25519Signer {
	return &Ed25519Signer{id: id, priv: priv, publicKeys: publicKeys}
}

func (s *Ed25519Signer) SelfID() NodeID { return s.id }

func (s *Ed25519Signer) Sign(content []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, fmt.Errorf("raft: signer has no private key")
	}
	return ed25519.Sign(s.priv, content), nil
}

func (s *Ed25519Signer) Verify(content []byte, sig []byte, senderID NodeID) bool {
	pub, ok := s.publicKeys[senderID]
	if !ok {
		return false
	}
	return ed25519.Verify(pub, content, sig)
}

// ContentHash computes the hash a message signature is taken over:
// sha256(messageType || term || senderID || contentHash-of-body)
// per spec.md §6.
func ContentHash(messageType string, term uint64, senderID NodeID, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte(messageType))
	var termBytes [8]byte
	binary.BigEndian.PutUint64(termBytes[:], term)
	h.Write(termBytes[:])
	h.Write([]byte(senderID))
	bodyHash := sha256.Sum256(body)
	h.Write(bodyHash[:])
	return h.Sum(nil)
}
