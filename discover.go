package agentpay

import (
	"context"
	"net/http"

	"github.com/x402labs/agentpay/codec"
	"github.com/x402labs/agentpay/types"
)

// Estimate fetches the payment requirements a resource advertises without
// paying. A resource that answers without a 402 yields an empty slice.
func (s *Session) Estimate(ctx context.Context, url, method string) ([]types.PaymentRequirement, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, _, err := s.doRequest(ctx, PayRequest{URL: url, Method: method}, "")
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "estimate request failed")
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, nil
	}
	return codec.FromHeaders(resp.Header), nil
}

// DiscoverResult reports whether a resource participates in the x402 flow.
type DiscoverResult struct {
	PaymentRequired bool                       `json:"paymentRequired"`
	StatusCode      int                        `json:"statusCode"`
	Requirements    []types.PaymentRequirement `json:"requirements,omitempty"`
}

// Discover probes a URL for 402 support. PaymentRequired is true only when
// the resource both answers 402 and advertises at least one parseable
// requirement.
func (s *Session) Discover(ctx context.Context, url string) (*DiscoverResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, _, err := s.doRequest(ctx, PayRequest{URL: url}, "")
	if err != nil {
		return nil, types.WrapPayError(types.ErrPayFailed, err, "discover request failed")
	}

	result := &DiscoverResult{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusPaymentRequired {
		result.Requirements = codec.FromHeaders(resp.Header)
		result.PaymentRequired = len(result.Requirements) > 0
	}
	return result, nil
}
