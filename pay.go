package agentpay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/x402labs/agentpay/codec"
	"github.com/x402labs/agentpay/facilitator"
	"github.com/x402labs/agentpay/types"
	"github.com/x402labs/agentpay/validation"
)

// PayRequest describes the resource to pay for.
type PayRequest struct {
	URL     string
	Method  string // defaults to GET
	Headers map[string]string
	Body    []byte

	// MaxAmount is an optional per-call cap in base units. It is checked
	// before the session ledger is touched.
	MaxAmount string
}

// PayResult is the outcome of one pay call. Either the payment fields
// (Signature, AmountPaid, FacilitatorID) are all present or none are; there
// is no partial success.
type PayResult struct {
	// PaymentRequired is false when the resource answered without a 402 and
	// no payment happened.
	PaymentRequired bool

	// Content is the response body: the original response when no payment
	// was required, otherwise the replayed response regardless of its status.
	Content    []byte
	StatusCode int

	Signature     string
	AmountPaid    string
	Network       string
	FacilitatorID string
}

// Pay runs the end-to-end flow: request, detect 402, parse, validate, budget
// check, settle, replay with proof, record. Every failure carries a stable
// code from the types error set; anything unclassified wraps into PAY_FAILED.
func (s *Session) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.pay(ctx, req)
	s.metrics.ObserveLatency("pay", time.Since(start), map[string]string{
		"network": s.expectedNetwork,
	})
	if err != nil {
		var payErr *types.PayError
		if !errors.As(err, &payErr) {
			err = types.WrapPayError(types.ErrPayFailed, err, "payment failed")
		}
		s.log.Warn("payment failed", map[string]any{
			"url":   req.URL,
			"error": err.Error(),
		})
		return nil, err
	}
	return result, nil
}

func (s *Session) pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	// Requesting.
	resp, body, err := s.doRequest(ctx, req, "")
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "request %s %s failed", req.Method, req.URL)
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &PayResult{
			PaymentRequired: false,
			Content:         body,
			StatusCode:      resp.StatusCode,
		}, nil
	}

	// RequirementCheck.
	requirements := codec.FromHeaders(resp.Header)
	if len(requirements) == 0 {
		return nil, types.NewPayError(types.ErrNoRequirements, "402 response carries no parseable payment requirements")
	}

	// Validating: first candidate that passes wins.
	var chosen *types.PaymentRequirement
	var lastReason error
	for i := range requirements {
		if err := validation.Validate(&requirements[i], s.expectedNetwork); err != nil {
			lastReason = err
			continue
		}
		chosen = &requirements[i]
		break
	}
	if chosen == nil {
		return nil, types.WrapPayError(types.ErrInvalidRequirement, lastReason, "no acceptable payment requirement")
	}

	amount, err := strconv.ParseUint(chosen.Amount, 10, 64)
	if err != nil {
		return nil, types.WrapPayError(types.ErrBudgetExceeded, err, "amount %s exceeds representable budget", chosen.Amount)
	}

	// BudgetCheck, local per-call cap first.
	if req.MaxAmount != "" {
		maxAmount, err := strconv.ParseUint(req.MaxAmount, 10, 64)
		if err != nil {
			return nil, types.WrapPayError(types.ErrPayFailed, err, "invalid maxAmount %q", req.MaxAmount)
		}
		if amount > maxAmount {
			return nil, types.NewPayError(types.ErrAmountExceedsMax,
				"resource costs %s, caller cap is %s", chosen.Amount, req.MaxAmount)
		}
	}

	// BudgetCheck, session ledger. The reservation is the critical section.
	ledger, err := s.ledgerFor(ctx)
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "budget ledger unavailable")
	}
	if !ledger.CheckAndReserve(amount) {
		return nil, types.NewPayError(types.ErrBudgetExceeded,
			"amount %s exceeds remaining session budget %d", chosen.Amount, ledger.Available())
	}

	// Settling. A failed settlement releases the reservation: no funds moved.
	settlement, err := s.settle(ctx, req, chosen)
	if err != nil {
		ledger.Release(amount)
		return nil, err
	}

	// Replaying with proof. From here on the reservation sticks even on
	// error: the on-chain transfer already happened.
	proofValue, err := codec.EncodeProof(codec.PaymentProof{
		X402Version: int(chosen.ProtocolVersion),
		Scheme:      chosen.Scheme,
		Network:     chosen.Network,
		Payload: codec.ProofPayload{
			Signature: settlement.TransactionSignature,
			Payer:     settlement.Payer,
		},
	})
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "encode payment proof")
	}
	replayResp, replayBody, err := s.doRequest(ctx, req, proofValue)
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "replay with proof failed")
	}

	// Recording.
	record := types.TransactionRecord{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Signature:     settlement.TransactionSignature,
		URL:           req.URL,
		Amount:        chosen.Amount,
		Asset:         chosen.Asset,
		PayTo:         chosen.PayTo,
		Network:       chosen.Network,
		FacilitatorID: settlement.FacilitatorID,
		HTTPMethod:    methodOrDefault(req.Method),
	}
	if err := s.store.Append(ctx, record); err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "record transaction")
	}

	s.metrics.IncCounter("payment_settled", map[string]string{
		"network":     chosen.Network,
		"facilitator": settlement.FacilitatorID,
	})
	s.log.Info("payment settled", map[string]any{
		"url":         req.URL,
		"amount":      chosen.Amount,
		"network":     chosen.Network,
		"facilitator": settlement.FacilitatorID,
		"signature":   settlement.TransactionSignature,
	})

	return &PayResult{
		PaymentRequired: true,
		Content:         replayBody,
		StatusCode:      replayResp.StatusCode,
		Signature:       settlement.TransactionSignature,
		AmountPaid:      chosen.Amount,
		Network:         chosen.Network,
		FacilitatorID:   settlement.FacilitatorID,
	}, nil
}

// settle builds the payment payload and runs the facilitator fallback chain.
func (s *Session) settle(ctx context.Context, req PayRequest, chosen *types.PaymentRequirement) (*types.SettlementResult, error) {
	payer, err := s.identity.PayerAddress(ctx)
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "resolve payer identity")
	}

	settleReq := &types.SettleRequest{
		X402Version: int(chosen.ProtocolVersion),
		Requirement: *chosen,
		Payer:       payer,
		Resource:    req.URL,
		Method:      methodOrDefault(req.Method),
	}

	result, err := s.facilitators.Settle(ctx, settleReq, s.endpoints)
	if err != nil {
		if errors.Is(err, facilitator.ErrExhausted) {
			return nil, types.WrapPayError(types.ErrFacilitatorError, err, "settlement exhausted all facilitators")
		}
		return nil, types.WrapPayError(types.ErrPayFailed, err, "settlement failed")
	}
	if !result.Success {
		return nil, types.NewPayError(types.ErrSettlementFailed,
			"facilitator %s rejected settlement: %s", result.FacilitatorID, result.ErrorReason)
	}
	return result, nil
}

// doRequest issues the caller's request, optionally attaching the payment
// proof header, and drains the body.
func (s *Session) doRequest(ctx context.Context, req PayRequest, proof string) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, methodOrDefault(req.Method), req.URL, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if proof != "" {
		httpReq.Header.Set(codec.HeaderPayment, proof)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func methodOrDefault(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return method
}
