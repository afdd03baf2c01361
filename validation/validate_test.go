package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402labs/agentpay/types"
)

const (
	solanaRecipient = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	evmRecipient    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func validSolanaRequirement() types.PaymentRequirement {
	return types.PaymentRequirement{
		ProtocolVersion: types.ProtocolV2,
		Scheme:          "exact",
		Network:         "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
		Amount:          "1000000",
		PayTo:           solanaRecipient,
	}
}

func TestValidate_OK(t *testing.T) {
	req := validSolanaRequirement()
	require.NoError(t, Validate(&req, ""))
	require.NoError(t, Validate(&req, req.Network))

	evm := types.PaymentRequirement{
		Network: "eip155:8453",
		Amount:  "2500",
		PayTo:   evmRecipient,
	}
	require.NoError(t, Validate(&evm, ""))
}

func TestValidate_ZeroAmount(t *testing.T) {
	req := validSolanaRequirement()
	req.Amount = "0"

	err := Validate(&req, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero")
}

func TestValidate_BadAmount(t *testing.T) {
	for _, amount := range []string{"", "abc", "-5", "1.5"} {
		req := validSolanaRequirement()
		req.Amount = amount
		err := Validate(&req, "")
		require.Error(t, err, "amount %q", amount)
		assert.Contains(t, err.Error(), "invalid amount")
	}
}

func TestValidate_MissingRecipient(t *testing.T) {
	req := validSolanaRequirement()
	req.PayTo = ""

	err := Validate(&req, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestValidate_InvalidRecipientShape(t *testing.T) {
	cases := []struct {
		name    string
		network string
		payTo   string
	}{
		{"solana too short", "solana-mainnet", "abc"},
		{"solana bad alphabet", "solana-mainnet", "0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl"},
		{"evm address on solana", "solana-mainnet", evmRecipient},
		{"solana address on evm", "eip155:8453", solanaRecipient},
		{"evm truncated", "eip155:8453", "0x7099"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSolanaRequirement()
			req.Network = tc.network
			req.PayTo = tc.payTo
			err := Validate(&req, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid recipient")
		})
	}
}

func TestValidate_UnsupportedNetwork(t *testing.T) {
	req := validSolanaRequirement()
	req.Network = "bitcoin-mainnet"

	err := Validate(&req, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported network")
}

func TestValidate_NetworkMismatch(t *testing.T) {
	req := validSolanaRequirement()

	err := Validate(&req, "solana-devnet")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestValidate_CheckOrder(t *testing.T) {
	// Zero amount wins over the missing recipient.
	req := validSolanaRequirement()
	req.Amount = "0"
	req.PayTo = ""

	err := Validate(&req, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero")
}
