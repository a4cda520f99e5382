package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgeswarm/edgegate/internal/config"
	"github.com/edgeswarm/edgegate/internal/model"
)

// Executor submits an approved opportunity to the execution venue. The
// venue acknowledges submission; final settlement arrives asynchronously
// through the settlement callback.
type Executor interface {
	Execute(ctx context.Context, opp *model.Opportunity) (receipt string, err error)
}

// HTTPExecutor talks to the external execution transport over its REST
// API. Circuit breaking is applied by the caller, not here.
type HTTPExecutor struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPExecutor(cfg config.TransportConfig) *HTTPExecutor {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
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

type executeRequest struct {
	OpportunityID  string   `json:"opportunity_id"`
	Category       string   `json:"category"`
	Venue          string   `json:"venue"`
	Atomicity      string   `json:"atomicity"`
	Counterparties []string `json:"counterparties"`
	EstProfit      string   `json:"est_profit"`
}

type executeResponse struct {
	Accepted bool   `json:"accepted"`
	Receipt  string `json:"receipt"`
	Error    string `json:"error"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, opp *model.Opportunity) (string, error) {
	if e.baseURL == "" {
		return "", fmt.Errorf("execution transport not configured")
	}

	body, err := json.Marshal(executeRequest{
		OpportunityID:  opp.ID,
		Category:       string(opp.Category),
		Venue:          opp.Venue,
		Atomicity:      string(opp.Atomicity),
		Counterparties: opp.Counterparties,
		EstProfit:      opp.EstProfit.String(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-Transport-Key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("transport returned %d: %s", resp.StatusCode, string(raw))
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("transport: invalid response: %w", err)
	}
	if !out.Accepted {
		return "", fmt.Errorf("transport rejected execution: %s", out.Error)
	}
	return out.Receipt, nil
}
