package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
)

// ThreatSource computes a fresh threat score for one counterparty from
// external market data. Implementations may be slow or unavailable; the
// gate handles both.
type ThreatSource interface {
	Score(ctx context.Context, counterparty string) (model.ThreatScore, error)
}

// HTTPThreatSource queries an external threat-intel endpoint.
type HTTPThreatSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPThreatSource(cfg config.GateConfig) *HTTPThreatSource {
	timeout := time.Duration(cfg.SourceTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPThreatSource{
		baseURL: cfg.SourceURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

type threatSourceResponse struct {
	Score      float64            `json:"score"`
	Factors    map[string]float64 `json:"factors"`
	Confidence float64            `json:"confidence"`
}

func (s *HTTPThreatSource) Score(ctx context.Context, counterparty string) (model.ThreatScore, error) {
	endpoint := fmt.Sprintf("%s/v1/threat?counterparty=%s", s.baseURL, url.QueryEscape(counterparty))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.ThreatScore{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.ThreatScore{}, fmt.Errorf("threat source unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.ThreatScore{}, fmt.Errorf("threat source returned %d", resp.StatusCode)
	}

	var body threatSourceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return model.ThreatScore{}, fmt.Errorf("threat source: invalid body: %w", err)
	}
	if body.Factors == nil {
		body.Factors = map[string]float64{}
	}
	return model.ThreatScore{
		Counterparty: counterparty,
		Score:        body.Score,
		Factors:      body.Factors,
		Confidence:   body.Confidence,
		ComputedAt:   time.Now().UTC(),
	}, nil
}
