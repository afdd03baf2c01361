package agentpay

import (
	"net/http"
	"time"

	"github.com/x402labs/agentpay/facilitator"
	"github.com/x402labs/agentpay/history"
	"github.com/x402labs/agentpay/logger"
	"github.com/x402labs/agentpay/metrics"
)

type Option func(*Session)

func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Session) {
		s.metrics = r
	}
}

// WithTimeout bounds one whole pay operation, settlement retries included.
func WithTimeout(t time.Duration) Option {
	return func(s *Session) {
		s.timeout = t
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.httpClient = c
	}
}

// WithFacilitatorClient replaces the default retry client, e.g. to tune
// attempt timeouts or backoff.
func WithFacilitatorClient(c *facilitator.Client) Option {
	return func(s *Session) {
		s.facilitators = c
	}
}

// WithHistoryStore selects a history backend other than the JSON file store.
func WithHistoryStore(store history.Store) Option {
	return func(s *Session) {
		s.store = store
	}
}
