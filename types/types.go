package types

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion identifies which x402 wire format a requirement was parsed from.
type ProtocolVersion int

const (
	// ProtocolV1 is the legacy discrete-header format.
	ProtocolV1 ProtocolVersion = 1

	// ProtocolV2 is the structured single-header format carrying an accepts list.
	ProtocolV2 ProtocolVersion = 2
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
	SchemeUpto  PaymentScheme = "upto"
)

// PaymentRequirement is one accepted way to pay for a resource, as advertised
// by a 402 response.
type PaymentRequirement struct {
	// Version of the x402 wire format this requirement was decoded from.
	ProtocolVersion ProtocolVersion `json:"x402Version"`

	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network of the blockchain to send payment on, CAIP-2 style
	// (e.g., "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp") or a legacy name.
	Network string `json:"network"`

	// Amount required to pay for the resource in atomic units of the asset.
	// Represented as a base-10 integer string because Go does not support uint256.
	Amount string `json:"amount"`

	// Asset is the token identifier (mint or contract address).
	Asset string `json:"asset"`

	// PayTo is the address the payment must be sent to.
	PayTo string `json:"payTo"`

	// MaxTimeoutSeconds is the maximum time the resource server allows for payment.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty"`

	// Raw preserves the original wire payload for diagnostics.
	Raw json.RawMessage `json:"-"`
}

// SettleRequest is the payload submitted to a facilitator to execute a payment
// with delegated authority.
type SettleRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// Requirement being settled against.
	Requirement PaymentRequirement `json:"paymentRequirements"`

	// Payer is the delegated spender identity, supplied by the key provider.
	Payer string `json:"payer"`

	// Resource is the URL being paid for.
	Resource string `json:"resource"`

	// Method is the HTTP method of the original request.
	Method string `json:"method,omitempty"`
}

// SettlementResult contains the outcome of a facilitator settlement call.
type SettlementResult struct {
	Success              bool   `json:"success"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	Network              string `json:"network,omitempty"`
	Payer                string `json:"payer,omitempty"`
	ErrorReason          string `json:"errorReason,omitempty"`

	// FacilitatorID identifies which configured endpoint answered.
	// Filled in by the client, not by the remote service.
	FacilitatorID string `json:"facilitatorId,omitempty"`
}

// TransactionRecord is the durable log entry for one settled payment.
// Records are append-only and immutable once written.
type TransactionRecord struct {
	Timestamp     string `json:"timestamp"` // RFC3339
	Signature     string `json:"signature"`
	URL           string `json:"url"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	PayTo         string `json:"payTo"`
	Network       string `json:"network"`
	FacilitatorID string `json:"facilitatorId"`
	HTTPMethod    string `json:"httpMethod"`
}

// Error codes surfaced by the pay flow. The set is closed: callers switch on
// the code instead of inspecting error types at runtime.
const (
	ErrNoRequirements     = "NO_REQUIREMENTS"
	ErrInvalidRequirement = "INVALID_REQUIREMENT"
	ErrAmountExceedsMax   = "AMOUNT_EXCEEDS_MAX"
	ErrBudgetExceeded     = "BUDGET_EXCEEDED"
	ErrSettlementFailed   = "SETTLEMENT_FAILED"
	ErrFacilitatorError   = "FACILITATOR_ERROR"
	ErrPayFailed          = "PAY_FAILED"
)

// PayError is the tagged error type carrying a stable code from the closed
// set above plus a human-readable message.
type PayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *PayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PayError) Unwrap() error {
	return e.Err
}

// NewPayError builds a PayError with a formatted message.
func NewPayError(code, format string, args ...any) *PayError {
	return &PayError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapPayError attaches an underlying cause to a PayError.
func WrapPayError(code string, err error, format string, args ...any) *PayError {
	return &PayError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
