// Package facilitator submits payment payloads to third-party settlement
// services. Endpoints are ranked data, not compiled-in branches: the first
// endpoint to answer with a 2xx wins, and each endpoint gets its own full
// retry budget before the client falls through to the next one.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/x402labs/agentpay/logger"
	"github.com/x402labs/agentpay/metrics"
	"github.com/x402labs/agentpay/types"
)

// Endpoint names one settlement service.
type Endpoint struct {
	ID      string `json:"id" validate:"required"`
	BaseURL string `json:"baseUrl" validate:"required,url"`
}

// ErrExhausted is returned after every endpoint ran out of attempts without a
// 2xx answer. Callers map it to FACILITATOR_ERROR.
var ErrExhausted = errors.New("all facilitator endpoints exhausted")

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 500 * time.Millisecond
)

// Config tunes the retry algorithm. Zero values take the defaults above; the
// control flow itself never changes.
type Config struct {
	// AttemptTimeout bounds each individual settlement call.
	AttemptTimeout time.Duration

	// MaxAttempts is the per-endpoint attempt budget, including the first try.
	MaxAttempts int

	// BackoffBase is the delay before the first retry; it doubles per retry
	// (500ms, 1000ms with the defaults). No jitter.
	BackoffBase time.Duration

	HTTPClient *http.Client
	Logger     logger.Logger
	Metrics    metrics.Recorder
}

// Client submits settlement requests with bounded retries, backoff and
// endpoint fallback.
type Client struct {
	http           *http.Client
	attemptTimeout time.Duration
	maxAttempts    int
	backoffBase    time.Duration
	log            logger.Logger
	metrics        metrics.Recorder
}

// NewClient creates a facilitator client, filling unset config with defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		http:           cfg.HTTPClient,
		attemptTimeout: cfg.AttemptTimeout,
		maxAttempts:    cfg.MaxAttempts,
		backoffBase:    cfg.BackoffBase,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.attemptTimeout <= 0 {
		c.attemptTimeout = defaultAttemptTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoffBase <= 0 {
		c.backoffBase = defaultBackoffBase
	}
	if c.log == nil {
		c.log = logger.NoopLogger{}
	}
	if c.metrics == nil {
		c.metrics = metrics.NoopRecorder{}
	}
	return c
}

// Settle walks the ranked endpoint list in order. Per endpoint: a 2xx answer
// stops everything and is returned as-is (including explicit rejections with
// success=false); a 4xx means the payload or policy is invalid for that
// endpoint, so it is skipped without retries; 5xx, timeouts and transport
// errors are retried on the same endpoint up to MaxAttempts total, with
// exponentially growing delays between attempts. The retry budget is per
// endpoint: falling through never charges the next endpoint's budget.
//
// Worst case latency is roughly endpoints x (MaxAttempts x AttemptTimeout +
// backoff), so callers should carry an overall deadline on ctx sized to
// match.
func (c *Client) Settle(ctx context.Context, req *types.SettleRequest, endpoints []Endpoint) (*types.SettlementResult, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no facilitator endpoints configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal settle request: %w", err)
	}

	start := time.Now()
	defer func() {
		c.metrics.ObserveLatency("settle", time.Since(start), map[string]string{
			"network": req.Requirement.Network,
		})
	}()

	var lastErr error
	for _, ep := range endpoints {
		result, err := c.settleEndpoint(ctx, ep, body)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.log.Warn("facilitator endpoint exhausted, falling through", map[string]any{
			"facilitator": ep.ID,
			"error":       err.Error(),
		})
	}

	c.metrics.IncCounter("facilitator_exhausted", map[string]string{
		"network": req.Requirement.Network,
	})
	return nil, fmt.Errorf("%w: last error: %v", ErrExhausted, lastErr)
}

// errSkipEndpoint marks a non-retryable per-endpoint failure (4xx).
type errSkipEndpoint struct{ status int }

func (e errSkipEndpoint) Error() string {
	return fmt.Sprintf("facilitator rejected request with status %d", e.status)
}

func (c *Client) settleEndpoint(ctx context.Context, ep Endpoint, body []byte) (*types.SettlementResult, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.attempt(ctx, ep, body)
		if err == nil {
			result.FacilitatorID = ep.ID
			return result, nil
		}

		var skip errSkipEndpoint
		if errors.As(err, &skip) {
			// Payload or policy is invalid for this endpoint. Retrying the
			// same request cannot help; let the next endpoint try.
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.log.Debug("settlement attempt failed", map[string]any{
			"facilitator": ep.ID,
			"attempt":     attempt + 1,
			"error":       err.Error(),
		})
	}
	return nil, fmt.Errorf("endpoint %s: %d attempts failed: %w", ep.ID, c.maxAttempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, ep Endpoint, body []byte) (*types.SettlementResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	url := strings.TrimSuffix(ep.BaseURL, "/") + "/settle"
	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var result types.SettlementResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("decode settlement response: %w", err)
		}
		return &result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, errSkipEndpoint{status: resp.StatusCode}
	default:
		return nil, fmt.Errorf("facilitator returned status %d", resp.StatusCode)
	}
}
