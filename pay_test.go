package agentpay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402labs/agentpay/codec"
	"github.com/x402labs/agentpay/config"
	"github.com/x402labs/agentpay/facilitator"
	"github.com/x402labs/agentpay/history"
	"github.com/x402labs/agentpay/types"
)

const (
	testPayer = "8vQgT3nLJSDpbD5jBkheTqA83TZRuJosgAsUxKXtg2CW"
	testPayTo = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
)

type staticIdentity string

func (s staticIdentity) PayerAddress(ctx context.Context) (string, error) {
	return string(s), nil
}

type staticOracle uint64

func (o staticOracle) DelegatedCap(ctx context.Context) (uint64, error) {
	return uint64(o), nil
}

func solanaRequirement(amount string) types.PaymentRequirement {
	return types.PaymentRequirement{
		ProtocolVersion: types.ProtocolV2,
		Scheme:          string(types.SchemeExact),
		Network:         "solana-mainnet",
		Amount:          amount,
		Asset:           "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		PayTo:           testPayTo,
	}
}

// paidResource answers 402 with the advertised requirement until the request
// carries a decodable payment proof, then serves the content.
func paidResource(requirement types.PaymentRequirement, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if value := r.Header.Get(codec.HeaderPayment); value != "" {
			proof, err := codec.DecodeProof(value)
			if err != nil || proof.Payload.Signature == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			fmt.Fprint(w, content)
			return
		}
		value, _ := codec.EncodeRequirements([]types.PaymentRequirement{requirement})
		w.Header().Set(codec.HeaderPaymentRequired, value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
}

// settleOK is a facilitator handler that settles everything it is sent.
func settleOK(w http.ResponseWriter, r *http.Request) {
	var req types.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(types.SettlementResult{
		Success:              true,
		TransactionSignature: "5KtPn1sig" + req.Requirement.Amount,
		Network:              req.Requirement.Network,
		Payer:                req.Payer,
	})
}

func newTestSession(t *testing.T, cap uint64, endpoints []facilitator.Endpoint) *Session {
	t.Helper()
	cfg := &config.Config{
		Facilitators:   endpoints,
		DefaultTimeout: 10 * time.Second,
	}
	return NewSession(cfg, staticIdentity(testPayer), staticOracle(cap),
		WithHistoryStore(history.NewFileStore(filepath.Join(t.TempDir(), "payments.json"))),
		WithFacilitatorClient(facilitator.NewClient(facilitator.Config{
			AttemptTimeout: 500 * time.Millisecond,
			BackoffBase:    time.Millisecond,
		})),
	)
}

func requirePayCode(t *testing.T, err error, code string) {
	t.Helper()
	var payErr *types.PayError
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, code, payErr.Code)
}

func TestPay_FreeResourceShortCircuits(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "free content")
	}))
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	result, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)

	assert.False(t, result.PaymentRequired)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "free content", string(result.Content))
	assert.Empty(t, result.Signature)

	// No payment attempt means no ledger and no history.
	assert.Zero(t, s.Budget().Cap)
	records, err := s.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPay_EndToEnd(t *testing.T) {
	resource := paidResource(solanaRequirement("1000000"), "premium content")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 5_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	result, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)

	assert.True(t, result.PaymentRequired)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "premium content", string(result.Content))
	assert.Equal(t, "1000000", result.AmountPaid)
	assert.Equal(t, "solana-mainnet", result.Network)
	assert.Equal(t, "primary", result.FacilitatorID)
	assert.NotEmpty(t, result.Signature)

	state := s.Budget()
	assert.Equal(t, uint64(5_000_000), state.Cap)
	assert.Equal(t, uint64(1_000_000), state.Spent)

	records, err := s.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, result.Signature, records[0].Signature)
	assert.Equal(t, "1000000", records[0].Amount)
	assert.Equal(t, resource.URL, records[0].URL)
	assert.Equal(t, testPayTo, records[0].PayTo)
	assert.Equal(t, "primary", records[0].FacilitatorID)
	assert.Equal(t, http.MethodGet, records[0].HTTPMethod)
}

func TestPay_LegacyHeaders(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(codec.HeaderPayment) != "" {
			fmt.Fprint(w, "legacy content")
			return
		}
		codec.EncodeLegacyHeaders(w.Header(), solanaRequirement("2500"))
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 10_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	result, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)
	assert.Equal(t, "legacy content", string(result.Content))
	assert.Equal(t, "2500", result.AmountPaid)
	assert.Equal(t, uint64(2500), s.Budget().Spent)
}

func TestPay_AmountExceedsCallerCap(t *testing.T) {
	resource := paidResource(solanaRequirement("1000000"), "premium content")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 5_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL, MaxAmount: "500000"})
	requirePayCode(t, err, types.ErrAmountExceedsMax)

	// The caller cap is checked before the ledger is touched.
	assert.Zero(t, s.Budget().Spent)
}

func TestPay_NoRequirements(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer resource.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrNoRequirements)
}

func TestPay_InvalidRequirement(t *testing.T) {
	req := solanaRequirement("1000")
	req.PayTo = "not-a-real-address"
	resource := paidResource(req, "never served")
	defer resource.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrInvalidRequirement)
}

func TestPay_NetworkMismatch(t *testing.T) {
	resource := paidResource(solanaRequirement("1000"), "never served")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	cfg := &config.Config{
		Facilitators:    []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}},
		ExpectedNetwork: "base",
		DefaultTimeout:  10 * time.Second,
	}
	s := NewSession(cfg, staticIdentity(testPayer), staticOracle(1_000_000),
		WithHistoryStore(history.NewFileStore(filepath.Join(t.TempDir(), "payments.json"))))

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrInvalidRequirement)
}

func TestPay_BudgetExceeded(t *testing.T) {
	resource := paidResource(solanaRequirement("1000000"), "premium content")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 100, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrBudgetExceeded)
	assert.Zero(t, s.Budget().Spent)
}

func TestPay_BudgetAccumulatesAcrossCalls(t *testing.T) {
	resource := paidResource(solanaRequirement("600"), "content")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 1000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)

	// 600 of 1000 spent; a second 600 payment must be refused.
	_, err = s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrBudgetExceeded)
	assert.Equal(t, uint64(600), s.Budget().Spent)
}

func TestPay_AmountOverflowIsBudgetExceeded(t *testing.T) {
	resource := paidResource(solanaRequirement("99999999999999999999999999"), "never served")
	defer resource.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrBudgetExceeded)
}

func TestPay_SettlementRejectionReleasesBudget(t *testing.T) {
	resource := paidResource(solanaRequirement("1000"), "never served")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.SettlementResult{
			Success:     false,
			ErrorReason: "delegation revoked",
		})
	}))
	defer settle.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrSettlementFailed)
	assert.Contains(t, err.Error(), "delegation revoked")

	// No funds moved, so the reservation comes back.
	assert.Zero(t, s.Budget().Spent)

	records, qerr := s.History(context.Background(), history.Filter{})
	require.NoError(t, qerr)
	assert.Empty(t, records)
}

func TestPay_FacilitatorFallback(t *testing.T) {
	resource := paidResource(solanaRequirement("1000"), "premium content")
	defer resource.Close()

	var primaryCalls atomic.Int32
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	backup := httptest.NewServer(http.HandlerFunc(settleOK))
	defer backup.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{
		{ID: "primary", BaseURL: primary.URL},
		{ID: "backup", BaseURL: backup.URL},
	})

	result, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)

	assert.Equal(t, "backup", result.FacilitatorID)
	assert.Equal(t, "premium content", string(result.Content))
	assert.Equal(t, int32(3), primaryCalls.Load())

	records, err := s.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "backup", records[0].FacilitatorID)
}

func TestPay_AllFacilitatorsExhausted(t *testing.T) {
	resource := paidResource(solanaRequirement("1000"), "never served")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer settle.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	_, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	requirePayCode(t, err, types.ErrFacilitatorError)
	assert.ErrorIs(t, err, facilitator.ErrExhausted)
	assert.Zero(t, s.Budget().Spent)
}

func TestPay_PostBodyAndHeadersForwarded(t *testing.T) {
	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Api-Key") != "k123" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get(codec.HeaderPayment) != "" {
			fmt.Fprint(w, "posted")
			return
		}
		value, _ := codec.EncodeRequirements([]types.PaymentRequirement{solanaRequirement("10")})
		w.Header().Set(codec.HeaderPaymentRequired, value)
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer resource.Close()

	s := newTestSession(t, 1000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	result, err := s.Pay(context.Background(), PayRequest{
		URL:     resource.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Api-Key": "k123"},
		Body:    []byte(`{"q":"weather"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "posted", string(result.Content))

	records, err := s.History(context.Background(), history.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, http.MethodPost, records[0].HTTPMethod)
}

func TestEstimate(t *testing.T) {
	resource := paidResource(solanaRequirement("4200"), "never served")
	defer resource.Close()

	s := newTestSession(t, 0, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	reqs, err := s.Estimate(context.Background(), resource.URL, http.MethodGet)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "4200", reqs[0].Amount)
	assert.Equal(t, testPayTo, reqs[0].PayTo)

	// Estimating never pays and never reserves budget.
	assert.Zero(t, s.Budget().Cap)
}

func TestEstimate_FreeResource(t *testing.T) {
	resource := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "free")
	}))
	defer resource.Close()

	s := newTestSession(t, 0, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	reqs, err := s.Estimate(context.Background(), resource.URL, http.MethodGet)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestDiscover(t *testing.T) {
	paid := paidResource(solanaRequirement("100"), "never served")
	defer paid.Close()

	free := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "free")
	}))
	defer free.Close()

	// 402 without any requirement headers does not count as participating.
	bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer bare.Close()

	s := newTestSession(t, 0, []facilitator.Endpoint{{ID: "primary", BaseURL: "https://unused.example.com"}})

	result, err := s.Discover(context.Background(), paid.URL)
	require.NoError(t, err)
	assert.True(t, result.PaymentRequired)
	assert.Equal(t, http.StatusPaymentRequired, result.StatusCode)
	require.Len(t, result.Requirements, 1)

	result, err = s.Discover(context.Background(), free.URL)
	require.NoError(t, err)
	assert.False(t, result.PaymentRequired)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	result, err = s.Discover(context.Background(), bare.URL)
	require.NoError(t, err)
	assert.False(t, result.PaymentRequired)
	assert.Equal(t, http.StatusPaymentRequired, result.StatusCode)
}

func TestPay_EVMRequirement(t *testing.T) {
	req := types.PaymentRequirement{
		ProtocolVersion: types.ProtocolV2,
		Scheme:          string(types.SchemeExact),
		Network:         "eip155:8453",
		Amount:          "750000",
		Asset:           "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:           "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
	}
	resource := paidResource(req, "evm content")
	defer resource.Close()

	settle := httptest.NewServer(http.HandlerFunc(settleOK))
	defer settle.Close()

	s := newTestSession(t, 1_000_000, []facilitator.Endpoint{{ID: "primary", BaseURL: settle.URL}})

	result, err := s.Pay(context.Background(), PayRequest{URL: resource.URL})
	require.NoError(t, err)
	assert.Equal(t, "evm content", string(result.Content))
	assert.Equal(t, "eip155:8453", result.Network)
}
