// Package codec decodes and encodes the two x402 wire formats for payment
// requirements, plus the proof header carried on replayed requests.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/x402labs/agentpay/types"
)

// Header names used by the x402 convention.
const (
	// HeaderPaymentRequired carries the structured V2 document on a 402 response.
	HeaderPaymentRequired = "X-Payment-Required"

	// HeaderPayment carries the settlement proof on the replayed request.
	HeaderPayment = "X-Payment"

	// Legacy V1 discrete headers.
	HeaderAmount    = "X-Payment-Amount"
	HeaderRecipient = "X-Payment-Recipient"
	HeaderAddress   = "X-Payment-Address" // historical spelling of the recipient header
	HeaderNetwork   = "X-Payment-Network"
	HeaderAsset     = "X-Payment-Asset"
	HeaderToken     = "X-Payment-Token" // historical spelling of the asset header
)

// paymentRequiredDocument is the decoded V2 header value.
type paymentRequiredDocument struct {
	X402Version int            `json:"x402Version"`
	Accepts     []acceptOption `json:"accepts"`
	Error       string         `json:"error,omitempty"`
}

// acceptOption is one entry of the V2 accepts list. Both the "amount" and
// "maxAmountRequired" spellings are seen in the wild.
type acceptOption struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount,omitempty"`
	MaxAmountRequired string `json:"maxAmountRequired,omitempty"`
	Asset             string `json:"asset,omitempty"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty"`
}

// FromHeaders extracts zero or more payment requirements from the headers of
// a 402 response. The structured V2 header wins when it decodes cleanly; a
// malformed V2 value falls through to the legacy V1 headers. Absence of both
// forms yields an empty slice, not an error — the caller decides whether that
// is fatal.
func FromHeaders(h http.Header) []types.PaymentRequirement {
	if reqs := fromStructuredHeader(h); len(reqs) > 0 {
		return reqs
	}
	return fromLegacyHeaders(h)
}

func fromStructuredHeader(h http.Header) []types.PaymentRequirement {
	value := h.Get(HeaderPaymentRequired)
	if value == "" {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil
	}

	var doc paymentRequiredDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}

	reqs := make([]types.PaymentRequirement, 0, len(doc.Accepts))
	for _, opt := range doc.Accepts {
		amount := opt.Amount
		if amount == "" {
			amount = opt.MaxAmountRequired
		}
		rawOpt, _ := json.Marshal(opt)
		reqs = append(reqs, types.PaymentRequirement{
			ProtocolVersion:   types.ProtocolV2,
			Scheme:            opt.Scheme,
			Network:           opt.Network,
			Amount:            amount,
			Asset:             opt.Asset,
			PayTo:             opt.PayTo,
			MaxTimeoutSeconds: opt.MaxTimeoutSeconds,
			Raw:               rawOpt,
		})
	}
	return reqs
}

func fromLegacyHeaders(h http.Header) []types.PaymentRequirement {
	amount := h.Get(HeaderAmount)
	payTo := h.Get(HeaderRecipient)
	if payTo == "" {
		payTo = h.Get(HeaderAddress)
	}
	if amount == "" || payTo == "" {
		return nil
	}

	asset := h.Get(HeaderAsset)
	if asset == "" {
		asset = h.Get(HeaderToken)
	}

	req := types.PaymentRequirement{
		ProtocolVersion: types.ProtocolV1,
		Scheme:          string(types.SchemeExact),
		Network:         h.Get(HeaderNetwork),
		Amount:          amount,
		Asset:           asset,
		PayTo:           payTo,
	}
	req.Raw, _ = json.Marshal(map[string]string{
		"amount":  amount,
		"payTo":   payTo,
		"network": req.Network,
		"asset":   asset,
	})
	return []types.PaymentRequirement{req}
}

// EncodeRequirements builds the V2 header value advertising the given
// requirements. Used by tests and by sellers embedding this module.
func EncodeRequirements(reqs []types.PaymentRequirement) (string, error) {
	doc := paymentRequiredDocument{
		X402Version: int(types.ProtocolV2),
		Accepts:     make([]acceptOption, 0, len(reqs)),
	}
	for _, r := range reqs {
		doc.Accepts = append(doc.Accepts, acceptOption{
			Scheme:            r.Scheme,
			Network:           r.Network,
			Amount:            r.Amount,
			Asset:             r.Asset,
			PayTo:             r.PayTo,
			MaxTimeoutSeconds: r.MaxTimeoutSeconds,
		})
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeLegacyHeaders writes the V1 discrete headers for a single requirement.
func EncodeLegacyHeaders(h http.Header, req types.PaymentRequirement) {
	h.Set(HeaderAmount, req.Amount)
	h.Set(HeaderRecipient, req.PayTo)
	if req.Network != "" {
		h.Set(HeaderNetwork, req.Network)
	}
	if req.Asset != "" {
		h.Set(HeaderAsset, req.Asset)
	}
}

// PaymentProof is the document carried in the X-Payment header of a replayed
// request, proving that settlement happened.
type PaymentProof struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ProofPayload `json:"payload"`
}

// ProofPayload holds the settlement evidence.
type ProofPayload struct {
	Signature string `json:"signature"`
	Payer     string `json:"payer"`
}

// EncodeProof produces the X-Payment header value for a settled payment.
func EncodeProof(proof PaymentProof) (string, error) {
	raw, err := json.Marshal(proof)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeProof parses an X-Payment header value.
func DecodeProof(value string) (*PaymentProof, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	var proof PaymentProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, err
	}
	return &proof, nil
}

// IsPaymentRequired reports whether a status code signals the x402 flow.
func IsPaymentRequired(statusCode int) bool {
	return statusCode == http.StatusPaymentRequired
}

// FormatAmount renders an integer base-unit amount as its wire string.
func FormatAmount(amount uint64) string {
	return strconv.FormatUint(amount, 10)
}
