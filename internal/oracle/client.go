package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"signal-pipeline/internal/binance"
)

// RequestTimeout bounds a single oracle round trip.
const RequestTimeout = 30 * time.Second

// Request is the JSON body posted to the decision oracle.
type Request struct {
	SignalID             string                     `json:"signal_id"`
	Symbol               string                     `json:"symbol"`
	StrategyInstructions string                     `json:"strategy_instructions"`
	Price                float64                    `json:"price"`
	Candles              map[string][]binance.Kline `json:"candles"`
	Indicators           map[string]interface{}     `json:"indicators,omitempty"`
	PreviousDecisions    []PreviousDecision         `json:"previous_decisions"`
	DecisionCount        int                        `json:"decision_count"`
	DecisionBudget       int                        `json:"decision_budget"`
}

// PreviousDecision is a prior verdict echoed back for context.
type PreviousDecision struct {
	Kind       string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	CandleTime int64   `json:"candle_time"`
}

// Client calls the external AI decision oracle.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates an oracle client for the given endpoint URL.
func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: RequestTimeout},
	}
}

// Consult posts the request and parses the reply into a Decision. Transport
// errors are retried once; the reply body is parsed tolerantly and never
// fails (missing labels fall back to continue/0.5).
func (c *Client) Consult(ctx context.Context, req *Request) (*Decision, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal oracle request: %w", err)
	}

	body, retryable, err := c.post(ctx, payload)
	if err != nil && retryable && ctx.Err() == nil {
		// One retry on transport failure. Protocol-level failures (bad
		// status) are not retried.
		body, _, err = c.post(ctx, payload)
	}
	if err != nil {
		return nil, err
	}

	return ParseReply(string(body)), nil
}

func (c *Client) post(ctx context.Context, payload []byte) (body []byte, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("oracle response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
