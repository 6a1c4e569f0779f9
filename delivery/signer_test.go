package delivery_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperraft/ledger/delivery"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"event":"finalized"}`)

	sig := delivery.Sign(secret, body)
	require.True(t, delivery.Verify(secret, body, sig))

	flipped := append([]byte(nil), body...)
	flipped[0] ^= 0xFF
	require.False(t, delivery.Verify(secret, flipped, sig))

	require.False(t, delivery.Verify(secret, body, sig[:len(sig)-2]+"xx"))
}
