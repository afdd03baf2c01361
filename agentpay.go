// Package agentpay implements the buyer side of the x402 payment protocol:
// it detects HTTP 402 responses, parses and validates the advertised payment
// requirements, enforces a session spending budget sourced from a delegated
// on-chain cap, settles through ranked facilitator services, replays the
// original request with proof and records the outcome durably.
//
// The package never touches private keys and never builds transactions; both
// are the job of external collaborators consumed through the narrow
// interfaces below.
package agentpay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/x402labs/agentpay/budget"
	"github.com/x402labs/agentpay/config"
	"github.com/x402labs/agentpay/facilitator"
	"github.com/x402labs/agentpay/history"
	"github.com/x402labs/agentpay/logger"
	"github.com/x402labs/agentpay/metrics"
	"github.com/x402labs/agentpay/types"
)

// IdentityProvider supplies the stable payer identity used in settlement
// payloads. Implementations hold the key material; this module only ever
// sees the address.
type IdentityProvider interface {
	PayerAddress(ctx context.Context) (string, error)
}

// DelegationOracle reports the delegated spending cap, in base units, that
// seeds the session budget ledger. It is queried once per session, lazily,
// on the first payment attempt.
type DelegationOracle interface {
	DelegatedCap(ctx context.Context) (uint64, error)
}

// Session owns the shared mutable state of one payment session: the budget
// ledger and the history store. It outlives any single pay call and is safe
// for concurrent use.
type Session struct {
	httpClient      *http.Client
	facilitators    *facilitator.Client
	endpoints       []facilitator.Endpoint
	store           history.Store
	identity        IdentityProvider
	oracle          DelegationOracle
	expectedNetwork string
	timeout         time.Duration
	log             logger.Logger
	metrics         metrics.Recorder

	mu     sync.Mutex
	ledger *budget.Ledger
}

const defaultSessionTimeout = 60 * time.Second

// NewSession wires a session from config plus the two external collaborators.
func NewSession(cfg *config.Config, identity IdentityProvider, oracle DelegationOracle, opts ...Option) *Session {
	s := &Session{
		endpoints:       cfg.Facilitators,
		expectedNetwork: cfg.ExpectedNetwork,
		timeout:         cfg.DefaultTimeout,
		identity:        identity,
		oracle:          oracle,
		log:             logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
	}
	if s.timeout <= 0 {
		s.timeout = defaultSessionTimeout
	}
	if cfg.LogLevel != "" {
		s.log = logger.NewZapLogger(cfg.LogLevel)
	}
	if cfg.EnableMetrics {
		s.metrics = metrics.NewPrometheusRecorder()
	}
	if cfg.HistoryPath != "" {
		s.store = history.NewFileStore(cfg.HistoryPath)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.httpClient == nil {
		s.httpClient = &http.Client{}
	}
	if s.facilitators == nil {
		s.facilitators = facilitator.NewClient(facilitator.Config{
			HTTPClient: s.httpClient,
			Logger:     s.log,
			Metrics:    s.metrics,
		})
	}
	if s.store == nil {
		s.store = history.NewFileStore("payments.json")
	}
	return s
}

// Budget returns a snapshot of the session ledger, or a zero state when no
// payment has been attempted yet.
func (s *Session) Budget() budget.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return budget.State{}
	}
	return s.ledger.Snapshot()
}

// History queries the transaction record store.
func (s *Session) History(ctx context.Context, f history.Filter) ([]types.TransactionRecord, error) {
	return s.store.Query(ctx, f)
}

// ledgerFor returns the session ledger, creating it from the delegation
// oracle on first use. A failed oracle query leaves the ledger unset so the
// next attempt retries.
func (s *Session) ledgerFor(ctx context.Context) (*budget.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ledger != nil {
		return s.ledger, nil
	}
	cap, err := s.oracle.DelegatedCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("query delegated cap: %w", err)
	}
	s.ledger = budget.NewLedger(cap)
	s.log.Info("budget ledger initialized", map[string]any{"cap": cap})
	return s.ledger, nil
}
