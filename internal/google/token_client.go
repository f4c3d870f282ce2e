package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whendoist/config"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"

	calendarScope = "https://www.googleapis.com/auth/calendar.events"
)

// TokenResponse is the provider's token-endpoint reply. RefreshToken is
// empty on refresh calls unless the provider rotated it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExpiresAt converts the relative expiry into an absolute timestamp.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// TokenClient talks to the OAuth token endpoint: authorization-code
// exchange and refresh. A provider invalid_grant maps to ErrAuthRevoked.
type TokenClient struct {
	tokenURL     string
	authURL      string
	clientID     string
	clientSecret string
	redirectURL  string
	httpClient   *http.Client
}

func NewTokenClient(cfg config.GoogleConfig) *TokenClient {
	return &TokenClient{
		tokenURL:     defaultTokenURL,
		authURL:      defaultAuthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURL:  cfg.RedirectURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithTokenURL overrides the token endpoint. Used in tests.
func (c *TokenClient) WithTokenURL(u string) *TokenClient {
	c.tokenURL = u
	return c
}

// AuthURL builds the consent-screen URL for the calendar scope.
func (c *TokenClient) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURL)
	q.Set("response_type", "code")
	q.Set("scope", calendarScope)
	q.Set("access_type", "offline")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return c.authURL + "?" + q.Encode()
}

// Exchange trades an authorization code for a token pair.
func (c *TokenClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("redirect_uri", c.redirectURL)

	return c.post(ctx, form)
}

// Refresh obtains a fresh access token from a refresh token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	return c.post(ctx, form)
}

func (c *TokenClient) post(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)

		// invalid_grant means the user revoked access or the refresh
		// token is dead, not a retryable condition.
		if body.Error == "invalid_grant" {
			return nil, ErrAuthRevoked
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("token endpoint 5xx: %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("token endpoint error: %d (%s)", resp.StatusCode, body.Error)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access token")
	}
	return &token, nil
}
