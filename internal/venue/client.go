package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Client is the HTTP venue client. Every request carries a bearer token from the
// Signer bound to its method, path and body.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	maxRetries int
	retryDelay time.Duration
}

// NewClient creates a venue client.
func NewClient(baseURL string, signer *Signer, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signer:     signer,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

type balanceResponse struct {
	Available decimal.Decimal `json:"available"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// PlaceOrder submits one order. It is sent once; a failed send is reported, never retried,
// so an order cannot be placed twice.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to marshal order: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/orders", body, 1)
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to place order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return OrderResult{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, er.Error)
	}
	var result OrderResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return OrderResult{}, fmt.Errorf("failed to decode order result: %w", err)
	}
	if result.Status == OrderRejected {
		return result, fmt.Errorf("%w: %s", ErrRejected, result.OrderID)
	}
	return result, nil
}

// GetOrderbook fetches the YES book for symbol.
func (c *Client) GetOrderbook(ctx context.Context, symbol string) (Orderbook, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/markets/"+url.PathEscape(symbol)+"/book", nil, c.maxRetries)
	if err != nil {
		return Orderbook{}, fmt.Errorf("failed to fetch order book: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Orderbook{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	if resp.StatusCode >= 400 {
		return Orderbook{}, fmt.Errorf("order book request failed: status %d", resp.StatusCode)
	}
	var book Orderbook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return Orderbook{}, fmt.Errorf("failed to decode order book: %w", err)
	}
	if book.Symbol == "" {
		book.Symbol = symbol
	}
	return book, nil
}

// GetBalance returns the available cash on the venue.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/balance", nil, c.maxRetries)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("balance request failed: status %d", resp.StatusCode)
	}
	var br balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode balance: %w", err)
	}
	return br.Available, nil
}

// doRequest performs a signed HTTP request, retrying transport errors and 5xx
// responses up to attempts times with linear backoff.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, attempts int) (*http.Response, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.retryDelay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.signer != nil {
			token, err := c.signer.Sign(method, path, body)
			if err != nil {
				return nil, fmt.Errorf("failed to sign request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
