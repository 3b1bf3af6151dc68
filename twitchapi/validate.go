// Package twitchapi contains minimal helpers to interact with the Twitch
// identity API, used at startup to sanity-check the chat credentials.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

const defaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// chatScopes are the scopes the IRC connection needs. Missing scopes are
// reported but not fatal; the connection attempt is the real test.
var chatScopes = []string{"chat:read", "chat:edit"}

// Validation is the identity API's description of an access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ExpiresAt converts the relative expiry to an absolute time.
func (v *Validation) ExpiresAt() time.Time {
	return time.Now().Add(time.Duration(v.ExpiresIn) * time.Second)
}

// Validator checks access tokens against the identity API.
type Validator struct {
	URL        string // defaults to the public validate endpoint
	HTTPClient *http.Client
}

func (v *Validator) http() *http.Client {
	if v.HTTPClient != nil {
		return v.HTTPClient
	}
	return http.DefaultClient
}

// Validate asks the identity API who the access token belongs to and which
// scopes it carries. A 401 means the token is expired or revoked.
func (v *Validator) Validate(ctx context.Context, accessToken string) (*Validation, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("access token empty")
	}
	endpoint := v.URL
	if endpoint == "" {
		endpoint = defaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := v.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("access token rejected by identity API")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token validation failed: %s: %s", resp.Status, string(b))
	}
	var out Validation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckChatScopes logs a warning for each chat scope the token lacks.
func CheckChatScopes(v *Validation) {
	for _, want := range chatScopes {
		if !slices.Contains(v.Scopes, want) {
			slog.Warn("access token missing chat scope", slog.String("scope", want))
		}
	}
}
