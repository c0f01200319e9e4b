package report

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	PropertyID           string
	CredentialsFile      string
	Endpoint             string
	TokenURL             string
	MaxMetricsPerRequest int
	RequestsPerSecond    float64
	Timeout              time.Duration
	SimulatedRows        int
}

// NewSource returns the live source when a property id and a loadable
// credentials file are configured, and the simulator otherwise.
func NewSource(cfg Config, logger zerolog.Logger) Source {
	sim := NewSimulatedSource(cfg.SimulatedRows)
	if cfg.PropertyID == "" || cfg.CredentialsFile == "" {
		logger.Info().Msg("GA4 credentials not configured, using simulated reports")
		return sim
	}

	key, err := LoadServiceAccountKey(cfg.CredentialsFile)
	if err != nil {
		logger.Warn().Err(err).Str("file", cfg.CredentialsFile).Msg("Could not load GA4 credentials, using simulated reports")
		return sim
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	tokens, err := NewServiceAccountTokenSource(key, cfg.TokenURL, httpClient)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid GA4 service account key, using simulated reports")
		return sim
	}

	logger.Info().Str("property_id", cfg.PropertyID).Str("client_email", key.ClientEmail).Msg("Using live GA4 reports")
	return NewLiveSource(LiveConfig{
		PropertyID:           cfg.PropertyID,
		Endpoint:             cfg.Endpoint,
		MaxMetricsPerRequest: cfg.MaxMetricsPerRequest,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		Timeout:              cfg.Timeout,
	}, tokens, httpClient, logger)
}
