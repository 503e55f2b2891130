// Package oracle is the client of the external estimation service.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rewired-gh/tradeloop/internal/brain"
	"github.com/rewired-gh/tradeloop/internal/models"
)

// Client asks the estimation service for a confidence and a YES probability.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates an oracle client. The timeout bounds one HTTP exchange; the
// decision engine applies its own, usually shorter, deadline on top.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type estimateRequest struct {
	Model         string            `json:"model,omitempty"`
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	ObservedPrice float64           `json:"observed_price"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type estimateResponse struct {
	Confidence  float64  `json:"confidence"`
	Probability *float64 `json:"probability"`
}

// Estimate implements brain.Estimator. Any non-2xx answer or undecodable body is an
// error; the engine turns errors into a zero-confidence estimate.
func (c *Client) Estimate(ctx context.Context, opp models.Opportunity) (brain.Estimate, error) {
	body, err := json.Marshal(estimateRequest{
		Model:         c.model,
		ID:            opp.ID,
		Symbol:        opp.Symbol,
		ObservedPrice: opp.ObservedPrice,
		Metadata:      opp.Metadata,
	})
	if err != nil {
		return brain.Estimate{}, fmt.Errorf("failed to marshal estimate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/estimate", bytes.NewReader(body))
	if err != nil {
		return brain.Estimate{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return brain.Estimate{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return brain.Estimate{}, fmt.Errorf("estimate request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return brain.Estimate{}, fmt.Errorf("failed to decode estimate: %w", err)
	}
	return brain.Estimate{Confidence: out.Confidence, Probability: out.Probability}, nil
}
