// Package billing holds the credits and surge-pricing collaborators consulted at admission time.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInsufficientCredits is returned by DebitCredits when the balance cannot cover the amount.
var ErrInsufficientCredits = errors.New("insufficient_credits")

// Credits is the external ledger the queue checks before admitting work.
type Credits interface {
	HasCredits(ctx context.Context, orgID string, amount float64) (bool, error)
	DebitCredits(ctx context.Context, orgID string, amount float64, reason string) (DebitResult, error)
}

// DebitResult is the ledger's answer to a debit.
type DebitResult struct {
	Success       bool    `json:"success"`
	NewBalance    float64 `json:"newBalance"`
	TransactionID string  `json:"transactionId"`
}

// CreditsClient talks to the credits service over HTTP.
type CreditsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewCreditsClient builds a client for the service rooted at baseURL.
func NewCreditsClient(baseURL, apiKey string, timeout time.Duration) *CreditsClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &CreditsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type balanceResponse struct {
	Balance float64 `json:"balance"`
}

// HasCredits reports whether the organization's balance covers amount.
func (c *CreditsClient) HasCredits(ctx context.Context, orgID string, amount float64) (bool, error) {
	var out balanceResponse
	err := c.do(ctx, http.MethodGet, c.orgPath(orgID, "credits"), nil, &out)
	if errors.Is(err, ErrInsufficientCredits) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Balance >= amount, nil
}

type debitRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// DebitCredits subtracts amount from the organization's balance.
func (c *CreditsClient) DebitCredits(ctx context.Context, orgID string, amount float64, reason string) (DebitResult, error) {
	var out DebitResult
	err := c.do(ctx, http.MethodPost, c.orgPath(orgID, "debits"), debitRequest{Amount: amount, Reason: reason}, &out)
	if err != nil {
		return DebitResult{}, err
	}
	if !out.Success {
		return out, fmt.Errorf("debit %v for %s: %w", amount, orgID, ErrInsufficientCredits)
	}
	return out, nil
}

func (c *CreditsClient) orgPath(orgID, leaf string) string {
	return fmt.Sprintf("%s/v1/organizations/%s/%s", c.baseURL, url.PathEscape(orgID), leaf)
}

func (c *CreditsClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("credits service network error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPaymentRequired {
		return ErrInsufficientCredits
	}
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("credits service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode credits response: %w", err)
	}
	return nil
}

// Unmetered grants every request and records nothing. Used when no credits service is configured.
type Unmetered struct{}

func (Unmetered) HasCredits(context.Context, string, float64) (bool, error) { return true, nil }

func (Unmetered) DebitCredits(context.Context, string, float64, string) (DebitResult, error) {
	return DebitResult{Success: true}, nil
}
