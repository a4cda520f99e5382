package consensus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
)

// LLMJudge asks an OpenAI-compatible chat endpoint for a verdict. The model
// is instructed to answer with a single JSON object; anything unparseable
// is reported as an error so the validator records a non-vote.
type LLMJudge struct {
	name   string
	weight float64
	url    string
	apiKey string
	model  string
	client *http.Client
}

func NewLLMJudge(name string, weight float64, url, apiKey, modelName string) *LLMJudge {
	if weight <= 0 {
		weight = 1
	}
	return &LLMJudge{
		name:   name,
		weight: weight,
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  modelName,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (j *LLMJudge) Name() string    { return j.name }
func (j *LLMJudge) Weight() float64 { return j.weight }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	Approve    *bool   `json:"approve"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

const systemPrompt = `You are a risk reviewer for automated market opportunities.
Given an opportunity and its threat-gate context, decide whether execution should proceed.
Reply with exactly one JSON object: {"approve": bool, "confidence": 0.0-1.0, "reasoning": "..."}.`

func (j *LLMJudge) Evaluate(ctx context.Context, req EvalRequest) (model.Vote, error) {
	payload, err := json.Marshal(buildPromptPayload(req))
	if err != nil {
		return model.Vote{}, err
	}

	body, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payload)},
		},
	})
	if err != nil {
		return model.Vote{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return model.Vote{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return model.Vote{}, fmt.Errorf("judge %s call failed: %w", j.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Vote{}, fmt.Errorf("judge %s returned %d: %s", j.name, resp.StatusCode, string(raw))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return model.Vote{}, fmt.Errorf("judge %s: invalid response body: %w", j.name, err)
	}
	if len(chat.Choices) == 0 {
		return model.Vote{}, fmt.Errorf("judge %s: empty response", j.name)
	}

	return j.parseVerdict(chat.Choices[0].Message.Content)
}

func (j *LLMJudge) parseVerdict(content string) (model.Vote, error) {
	content = strings.TrimSpace(content)
	// Models sometimes wrap the JSON in a code fence.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return model.Vote{}, fmt.Errorf("judge %s: unparseable verdict: %w", j.name, err)
	}
	if v.Approve == nil {
		return model.Vote{}, fmt.Errorf("judge %s: verdict missing approve field", j.name)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return model.Vote{
		Judge:      j.name,
		Approve:    *v.Approve,
		Confidence: v.Confidence,
		Reasoning:  v.Reasoning,
	}, nil
}

func buildPromptPayload(req EvalRequest) map[string]interface{} {
	opp := req.Opportunity
	payload := map[string]interface{}{
		"id":             opp.ID,
		"category":       opp.Category,
		"venue":          opp.Venue,
		"mode":           opp.Mode,
		"atomicity":      opp.Atomicity,
		"counterparties": opp.Counterparties,
		"est_profit":     opp.EstProfit.String(),
		"risk_score":     opp.RiskScore,
	}
	if opp.Deadline != nil {
		payload["deadline"] = opp.Deadline.UTC().Format(time.RFC3339)
	}
	if req.Gate != nil {
		payload["gate"] = map[string]interface{}{
			"score":      req.Gate.Score,
			"factors":    req.Gate.Factors,
			"stale_data": req.Gate.StaleData,
		}
	}
	return payload
}
