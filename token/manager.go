// Package token manages the bot's access/refresh credential pair: on-demand
// refresh through the token API with mutual exclusion, rate limiting against
// the last successful refresh, an invalid-refresh-token lockout, bounded
// retry with exponential backoff, and durable persistence back into the
// key=value env file.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/streamcore/backend/telemetry"
)

const (
	defaultBaseURL = "https://twitchtokengenerator.com"

	defaultMinRefreshInterval = 5 * time.Minute
	refreshHTTPTimeout        = 10 * time.Second
	maxRefreshTries           = 3

	maxInvalidTokenAttempts   = 3
	invalidTokenResetInterval = 30 * time.Minute
)

// tokenPattern matches the platform's token alphabet; anything shorter than
// 20 characters is garbage, not a credential.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}$`)

var errInvalidRefreshToken = errors.New("invalid refresh token")

// Metrics is a snapshot of refresh outcomes, surfaced on /status.
type Metrics struct {
	TotalAttempts int64     `json:"total_attempts"`
	Successes     int64     `json:"successful_refreshes"`
	Failures      int64     `json:"failed_refreshes"`
	LastRefresh   time.Time `json:"last_refresh_time"`
	LastError     string    `json:"last_error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	AccessToken  string
	RefreshToken string
	EnvPath      string        // key=value credential store rewritten on success
	BaseURL      string        // refresh API root; defaults to the public token API
	HTTPClient   *http.Client  // defaults to a client with the refresh timeout
	MinInterval  time.Duration // rate-limit window; defaults to 5 minutes
}

// Manager owns the process-wide credential state. All fields are mutated
// under mu only; a single refresh call is in flight at any time and
// concurrent callers share its result.
type Manager struct {
	baseURL     string
	envPath     string
	httpc       *http.Client
	minInterval time.Duration
	retryBase   time.Duration    // initial backoff interval; shortened in tests
	now         func() time.Time // injectable clock

	mu              sync.Mutex
	access          string
	refresh         string
	inflight        *inflightCall
	lastSuccess     time.Time
	invalidAttempts int
	lastInvalid     time.Time
	metrics         Metrics
}

// inflightCall lets concurrent callers await the single outbound refresh and
// receive its boolean result instead of issuing a second call.
type inflightCall struct {
	done chan struct{}
	ok   bool
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		envPath:     opts.EnvPath,
		httpc:       opts.HTTPClient,
		minInterval: opts.MinInterval,
		retryBase:   time.Second,
		now:         time.Now,
		access:      opts.AccessToken,
		refresh:     opts.RefreshToken,
	}
	if m.baseURL == "" {
		m.baseURL = defaultBaseURL
	}
	if m.httpc == nil {
		m.httpc = &http.Client{Timeout: refreshHTTPTimeout}
	}
	if m.minInterval <= 0 {
		m.minInterval = defaultMinRefreshInterval
	}
	return m
}

// AccessToken returns the current access token.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.access
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh
}

// RefreshMetrics returns a snapshot of refresh outcomes.
func (m *Manager) RefreshMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// Refresh exchanges refreshToken for a new credential pair and persists it.
// It returns true only when the API call, response validation, and durable
// write all succeeded; every failure mode returns false without panicking.
//
// Unless force is set, a call within the minimum interval after the last
// successful refresh returns false with no network activity. After
// maxInvalidTokenAttempts invalid-refresh-token responses inside the rolling
// reset window, calls short-circuit to false until the window elapses.
func (m *Manager) Refresh(ctx context.Context, refreshToken string, force bool) bool {
	now := m.now()

	m.mu.Lock()
	if m.invalidAttempts >= maxInvalidTokenAttempts {
		if now.Sub(m.lastInvalid) < invalidTokenResetInterval {
			wait := invalidTokenResetInterval - now.Sub(m.lastInvalid)
			m.mu.Unlock()
			slog.Warn("token refresh locked out after repeated invalid refresh tokens",
				slog.Duration("retry_in", wait.Round(time.Second)))
			return false
		}
		m.invalidAttempts = 0
		slog.Info("invalid-token lockout window elapsed; refresh attempts re-enabled")
	}
	if !force && !m.lastSuccess.IsZero() && now.Sub(m.lastSuccess) < m.minInterval {
		wait := m.minInterval - now.Sub(m.lastSuccess)
		m.mu.Unlock()
		slog.Warn("token refresh rate limited", slog.Duration("retry_in", wait.Round(time.Second)))
		return false
	}
	if c := m.inflight; c != nil {
		m.mu.Unlock()
		slog.Info("token refresh already in progress; awaiting result")
		<-c.done
		return c.ok
	}
	c := &inflightCall{done: make(chan struct{})}
	m.inflight = c
	m.metrics.TotalAttempts++
	m.mu.Unlock()
	telemetry.IncRefreshAttempt()

	ok := m.doRefresh(ctx, refreshToken)

	m.mu.Lock()
	m.inflight = nil
	if ok {
		m.lastSuccess = m.now()
		m.invalidAttempts = 0
		m.metrics.Successes++
		m.metrics.LastRefresh = m.lastSuccess
		m.metrics.LastError = ""
	} else {
		m.metrics.Failures++
	}
	m.mu.Unlock()
	telemetry.IncRefreshOutcome(ok)

	c.ok = ok
	close(c.done)
	return ok
}

func (m *Manager) doRefresh(ctx context.Context, refreshToken string) bool {
	ctx, span := telemetry.StartSpan(ctx, "token", "token.refresh")
	defer span.End()

	if !tokenPattern.MatchString(refreshToken) {
		slog.Error("refresh token has invalid format")
		m.setLastError("invalid refresh token format")
		return false
	}

	access, refresh, err := m.callRefreshAPI(ctx, refreshToken)
	if err != nil {
		telemetry.RecordError(span, err)
		m.setLastError(err.Error())
		if errors.Is(err, errInvalidRefreshToken) {
			m.noteInvalidToken()
		} else {
			slog.Error("token refresh request failed", slog.Any("err", err))
		}
		return false
	}

	m.mu.Lock()
	m.access = access
	m.refresh = refresh
	path := m.envPath
	m.mu.Unlock()

	if path != "" {
		if err := UpdateTokens(path, access, refresh); err != nil {
			telemetry.RecordError(span, err)
			slog.Error("failed to persist refreshed tokens", slog.Any("err", err))
			m.setLastError(err.Error())
			return false
		}
	}
	slog.Info("token refreshed and persisted")
	return true
}

// noteInvalidToken advances the lockout counter inside its rolling window.
func (m *Manager) noteInvalidToken() {
	now := m.now()
	m.mu.Lock()
	if now.Sub(m.lastInvalid) > invalidTokenResetInterval {
		m.invalidAttempts = 0
	}
	m.invalidAttempts++
	m.lastInvalid = now
	attempts := m.invalidAttempts
	m.mu.Unlock()
	slog.Error("refresh token rejected as invalid",
		slog.Int("attempts", attempts), slog.Int("max", maxInvalidTokenAttempts))
}

func (m *Manager) setLastError(msg string) {
	m.mu.Lock()
	m.metrics.LastError = msg
	m.mu.Unlock()
}

// callRefreshAPI performs the outbound GET with bounded exponential-backoff
// retry. Transport faults and non-200 statuses are retried; an explicit
// invalid-refresh-token response is permanent.
func (m *Manager) callRefreshAPI(ctx context.Context, refreshToken string) (string, string, error) {
	url := m.baseURL + "/api/refresh/" + refreshToken

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.retryBase

	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		reqCtx, cancel := context.WithTimeout(ctx, refreshHTTPTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "streamcore/1.0")
		resp, err := m.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("refresh request failed: %s: %s", resp.Status, string(b))
		}
		return b, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(maxRefreshTries))
	if err != nil {
		return "", "", err
	}

	// The API answers in one of two field conventions; accept both.
	var payload struct {
		Success      bool   `json:"success"`
		Message      string `json:"message"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		Token        string `json:"token"`
		Refresh      string `json:"refresh"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", fmt.Errorf("malformed refresh response: %w", err)
	}
	if !payload.Success {
		if strings.Contains(strings.ToLower(payload.Message), "invalid refresh token") {
			return "", "", fmt.Errorf("%w: %s", errInvalidRefreshToken, payload.Message)
		}
		if payload.Message == "" {
			return "", "", errors.New("refresh API reported failure without a message")
		}
		return "", "", fmt.Errorf("refresh API error: %s", payload.Message)
	}

	access := payload.AccessToken
	if access == "" {
		access = payload.Token
	}
	refresh := payload.RefreshToken
	if refresh == "" {
		refresh = payload.Refresh
	}
	if !tokenPattern.MatchString(access) {
		return "", "", errors.New("refresh response missing or malformed access token")
	}
	if !tokenPattern.MatchString(refresh) {
		return "", "", errors.New("refresh response missing or malformed refresh token")
	}
	return access, refresh, nil
}
