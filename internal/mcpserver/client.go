package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cognativeshield/fraudguard/internal/fraud"
	"github.com/cognativeshield/fraudguard/internal/model"
)

// Config holds the configuration for connecting to the scoring API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration
}

// FraudClient is a pure HTTP client for the scoring API.
type FraudClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFraudClient creates a new client for the scoring API.
func NewFraudClient(cfg Config) *FraudClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FraudClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is an error response from the API.
type APIError struct {
	Status  int                     `json:"-"`
	Code    string                  `json:"error"`
	Message string                  `json:"message"`
	Fields  []fraud.ValidationError `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Code)
}

// ScoreResponse is returned by the score and evaluate endpoints.
type ScoreResponse struct {
	Transaction *fraud.Transaction      `json:"transaction"`
	Result      *fraud.PredictionResult `json:"result"`
}

// doRequest calls the API and decodes a successful response into out.
func (c *FraudClient) doRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Score scores and persists a transaction.
func (c *FraudClient) Score(ctx context.Context, req *fraud.TransactionRequest) (*ScoreResponse, error) {
	var out ScoreResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transactions", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evaluate scores a transaction without persisting it.
func (c *FraudClient) Evaluate(ctx context.Context, req *fraud.TransactionRequest) (*ScoreResponse, error) {
	var out ScoreResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/transactions/evaluate", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns aggregate scoring statistics.
func (c *FraudClient) Stats(ctx context.Context) (*fraud.Stats, error) {
	var out struct {
		Stats *fraud.Stats `json:"stats"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Stats == nil {
		return nil, fmt.Errorf("no stats in response")
	}
	return out.Stats, nil
}

// Alerts returns the most recent HIGH_RISK transactions.
func (c *FraudClient) Alerts(ctx context.Context, limit int) ([]fraud.ScoredTransaction, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Alerts []fraud.ScoredTransaction `json:"alerts"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// Profile returns a user's behavioral profile.
func (c *FraudClient) Profile(ctx context.Context, userID int64) (*fraud.UserProfile, error) {
	var out struct {
		Profile *fraud.UserProfile `json:"profile"`
	}
	path := "/v1/users/" + strconv.FormatInt(userID, 10) + "/profile"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Profile == nil {
		return nil, fmt.Errorf("no profile in response")
	}
	return out.Profile, nil
}

// Model returns metadata about the loaded model.
func (c *FraudClient) Model(ctx context.Context) (*model.Info, error) {
	var out struct {
		Model *model.Info `json:"model"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/v1/model", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Model == nil {
		return nil, fmt.Errorf("no model in response")
	}
	return out.Model, nil
}
