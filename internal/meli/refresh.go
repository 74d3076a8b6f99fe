package meli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/BTreeMap/MeliBridge/internal/models"
)

// withRefresh runs op with the current access token. On an authentication
// failure it performs exactly one refresh exchange, persists the new pair via
// the credential manager, and retries op exactly once with the fresh token.
// A second authentication failure, or a failed exchange, propagates to the
// caller; non-auth errors propagate immediately without a refresh. This
// bounds refresh attempts to one per failing call and prevents refresh storms
// when the refresh token itself is invalid.
func (c *Client) withRefresh(ctx context.Context, op func(token string) error) error {
	err := op(c.creds.Current().AccessToken)
	if err == nil || !IsAuthError(err) {
		return err
	}

	slog.Warn("meli.withRefresh: access token rejected, refreshing credentials")
	if rerr := c.refreshTokens(ctx); rerr != nil {
		return fmt.Errorf("token refresh failed: %w", rerr)
	}

	slog.Debug("meli.withRefresh: retrying call with refreshed token")
	return op(c.creds.Current().AccessToken)
}

// refreshTokens exchanges the current refresh token for a new credential pair
// and rotates it through the credential manager (persist first, then swap).
func (c *Client) refreshTokens(ctx context.Context) error {
	current := c.creds.Current()
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.appID},
		"client_secret": {c.secret},
		"refresh_token": {current.RefreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.submitClient.Do(req)
	if err != nil {
		return fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var pair models.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return fmt.Errorf("failed to decode token response: %w", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return fmt.Errorf("token endpoint returned an incomplete pair")
	}

	if err := c.creds.Replace(pair); err != nil {
		return fmt.Errorf("failed to rotate credential pair: %w", err)
	}
	return nil
}
