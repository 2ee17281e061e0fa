// Package transport is the sender-side HTTP client for delivering payments
// to a hub.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/payment"
)

// DefaultTimeout bounds a single payment delivery.
const DefaultTimeout = 30 * time.Second

// ErrPaymentRejected reports that the hub refused the payment.
var ErrPaymentRejected = errors.New("payment rejected by hub")

// Client delivers payments over HTTP.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client. A nil httpClient gets a default with
// DefaultTimeout.
func NewClient(httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   httpClient,
		logger: logger,
	}
}

// SendPayment posts a payment to the hub's accept endpoint and returns the
// redemption token. A 402 response maps to ErrPaymentRejected.
func (c *Client) SendPayment(ctx context.Context, hubURL string, p *payment.Payment) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL+"/api/v1/payments/accept", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to deliver payment: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusPaymentRequired:
		return "", fmt.Errorf("%w: channel %s", ErrPaymentRejected, p.ChannelID)
	default:
		return "", fmt.Errorf("hub answered %s", resp.Status)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode hub response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("hub response carries no token")
	}

	c.logger.Debug("delivered payment",
		zap.String("channel_id", p.ChannelID.String()),
		zap.String("value", p.Value.String()),
	)
	return out.Token, nil
}

// VerifyToken asks the hub whether it issued a redemption token.
func (c *Client) VerifyToken(ctx context.Context, hubURL, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hubURL+"/api/v1/tokens/"+token, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to query hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("hub answered %s", resp.Status)
	}

	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode hub response: %w", err)
	}
	return out.Valid, nil
}
