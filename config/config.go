// Package config loads and validates session configuration from JSON or the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/x402labs/agentpay/facilitator"
)

var validate = validator.New()

// Config holds everything a session needs that is not an injected
// collaborator.
type Config struct {
	// Facilitators is the ranked settlement endpoint list, highest priority first.
	Facilitators []facilitator.Endpoint `json:"facilitators" validate:"required,min=1,dive"`

	// ExpectedNetwork pins payments to one chain identifier; empty accepts
	// any supported network.
	ExpectedNetwork string `json:"expectedNetwork,omitempty"`

	// HistoryPath is the JSON history document location for the file backend.
	HistoryPath string `json:"historyPath,omitempty"`

	// DefaultTimeout bounds one whole pay operation, settlement retries
	// included.
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`

	// LogLevel selects the zap level: debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`

	// EnableMetrics turns on the prometheus recorder.
	EnableMetrics bool `json:"enableMetrics,omitempty"`
}

// Parse decodes and validates a JSON config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Environment variable names read by FromEnv.
const (
	EnvFacilitators    = "AGENTPAY_FACILITATORS" // comma list of id=baseURL pairs
	EnvExpectedNetwork = "AGENTPAY_NETWORK"
	EnvHistoryPath     = "AGENTPAY_HISTORY_PATH"
	EnvTimeout         = "AGENTPAY_TIMEOUT"
	EnvLogLevel        = "AGENTPAY_LOG_LEVEL"
	EnvEnableMetrics   = "AGENTPAY_ENABLE_METRICS"
)

// FromEnv builds a config from the process environment, loading a .env file
// first when one is present.
func FromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ExpectedNetwork: os.Getenv(EnvExpectedNetwork),
		HistoryPath:     os.Getenv(EnvHistoryPath),
		LogLevel:        os.Getenv(EnvLogLevel),
		EnableMetrics:   os.Getenv(EnvEnableMetrics) == "true",
	}

	endpoints, err := parseEndpointList(os.Getenv(EnvFacilitators))
	if err != nil {
		return nil, err
	}
	cfg.Facilitators = endpoints

	if raw := os.Getenv(EnvTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvTimeout, err)
		}
		cfg.DefaultTimeout = d
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// parseEndpointList parses "primary=https://a.example,backup=https://b.example".
func parseEndpointList(raw string) ([]facilitator.Endpoint, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is required", EnvFacilitators)
	}

	var endpoints []facilitator.Endpoint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed facilitator entry %q, want id=baseURL", part)
		}
		endpoints = append(endpoints, facilitator.Endpoint{
			ID:      strings.TrimSpace(id),
			BaseURL: strings.TrimSpace(url),
		})
	}
	return endpoints, nil
}
