// Package subscription asks the subscription service whether a user may
// reach listings of a given visibility.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/honeynil/LendingServiceTochka/internal/models"
	pkgerrors "github.com/honeynil/LendingServiceTochka/pkg/errors"
)

type AccessResult struct {
	CanAccess    bool   `json:"canAccess"`
	RequiredTier string `json:"requiredTier,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) CheckAccess(ctx context.Context, userID string, visibility models.Visibility) (*AccessResult, error) {
	endpoint := fmt.Sprintf("%s/v1/access?user_id=%s&visibility=%s",
		c.baseURL, url.QueryEscape(userID), url.QueryEscape(string(visibility)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("subscription check failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: subscription service http %d", pkgerrors.ErrUpstreamUnavailable, resp.StatusCode)
	}
	var out AccessResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	return &out, nil
}
