// Package validation applies policy checks to a parsed payment requirement
// before any budget or settlement work happens.
package validation

import (
	"fmt"
	"regexp"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/x402labs/agentpay/types"
)

// Base58 alphabet: 123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz
var base58Pattern = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")

// Validate checks a requirement against policy. Checks run in a fixed order
// and the first failure wins; each case has a distinct reason string. The
// function is pure: no I/O, no state.
//
// When expectedNetwork is non-empty the requirement's network must equal it
// exactly, on top of belonging to a supported chain family.
func Validate(req *types.PaymentRequirement, expectedNetwork string) error {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", req.Amount, err)
	}
	if !amount.IsInteger() || amount.IsNegative() {
		return fmt.Errorf("invalid amount %q: must be a non-negative integer in base units", req.Amount)
	}
	if amount.IsZero() {
		return fmt.Errorf("zero amount")
	}

	if req.PayTo == "" {
		return fmt.Errorf("missing recipient")
	}

	network := types.Network(req.Network)
	switch network.Family() {
	case types.ChainSolana:
		if len(req.PayTo) < 32 || len(req.PayTo) > 44 || !base58Pattern.MatchString(req.PayTo) {
			return fmt.Errorf("invalid recipient %q for network %s", req.PayTo, req.Network)
		}
	case types.ChainEVM:
		if !common.IsHexAddress(req.PayTo) {
			return fmt.Errorf("invalid recipient %q for network %s", req.PayTo, req.Network)
		}
	default:
		return fmt.Errorf("unsupported network %q", req.Network)
	}

	if expectedNetwork != "" && req.Network != expectedNetwork {
		return fmt.Errorf("network mismatch: requirement wants %q, session expects %q", req.Network, expectedNetwork)
	}

	return nil
}
