package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testAccess  = "newaccesstoken_0123456789abcdef"
	testRefresh = "newrefreshtoken_0123456789abcdef"
	oldRefresh  = "oldrefreshtoken_0123456789abcdef"
)

func writeTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# bot credentials\nTWITCH_ACCOUNT=streambot\nACCESS_TOKEN=old\nREFRESH_TOKEN=old\n\n# unrelated\nDB_DSN=postgres://x\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestManager(t *testing.T, baseURL string) *Manager {
	t.Helper()
	m := NewManager(Options{
		AccessToken:  "initialaccess_0123456789abcdef",
		RefreshToken: oldRefresh,
		EnvPath:      writeTestEnv(t),
		BaseURL:      baseURL,
	})
	m.retryBase = time.Millisecond
	return m
}

func successHandler(calls *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"access_token":  testAccess,
			"refresh_token": testRefresh,
		})
	}
}

func TestRefreshSuccessUpdatesStateAndFile(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(successHandler(&calls))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if !m.Refresh(context.Background(), oldRefresh, false) {
		t.Fatal("Refresh() = false, want true")
	}
	if m.AccessToken() != testAccess || m.RefreshToken() != testRefresh {
		t.Error("in-memory credential state not replaced")
	}

	data, err := os.ReadFile(m.envPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "ACCESS_TOKEN="+testAccess) {
		t.Error("ACCESS_TOKEN not rewritten in credential store")
	}
	if !strings.Contains(content, "REFRESH_TOKEN="+testRefresh) {
		t.Error("REFRESH_TOKEN not rewritten in credential store")
	}
	if !strings.Contains(content, "# bot credentials") || !strings.Contains(content, "DB_DSN=postgres://x") {
		t.Error("unrelated lines or comments were not preserved")
	}

	met := m.RefreshMetrics()
	if met.TotalAttempts != 1 || met.Successes != 1 || met.Failures != 0 {
		t.Errorf("metrics = %+v", met)
	}
}

func TestRefreshAcceptsAlternateFieldNames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"token":   testAccess,
			"refresh": testRefresh,
		})
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if !m.Refresh(context.Background(), oldRefresh, false) {
		t.Fatal("Refresh() = false for token/refresh field convention")
	}
	if m.AccessToken() != testAccess {
		t.Errorf("AccessToken = %q", m.AccessToken())
	}
}

func TestRefreshRateLimited(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(successHandler(&calls))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if !m.Refresh(context.Background(), oldRefresh, false) {
		t.Fatal("first Refresh() failed")
	}
	if m.Refresh(context.Background(), m.RefreshToken(), false) {
		t.Error("second Refresh() inside the window = true, want false")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("outbound calls = %d, want 1 (rate limit must skip the network)", got)
	}

	// force bypasses the window.
	if !m.Refresh(context.Background(), m.RefreshToken(), true) {
		t.Error("forced Refresh() inside the window = false, want true")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("outbound calls = %d, want 2", got)
	}
}

func TestRefreshConcurrentSingleFlight(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":       true,
			"access_token":  testAccess,
			"refresh_token": testRefresh,
		})
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)

	const n = 5
	results := make(chan bool, n)
	var started sync.WaitGroup
	for i := 0; i < n; i++ {
		started.Add(1)
		go func() {
			started.Done()
			results <- m.Refresh(context.Background(), oldRefresh, false)
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond) // let every caller reach the mutex or the wait
	close(release)

	for i := 0; i < n; i++ {
		select {
		case ok := <-results:
			if !ok {
				t.Error("concurrent Refresh() = false, want shared true result")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for concurrent Refresh results")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("outbound calls = %d, want exactly 1", got)
	}
}

func TestRefreshInvalidTokenLockout(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "Invalid refresh token",
		})
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	now := time.Now()
	m.now = func() time.Time { return now }

	for i := 0; i < maxInvalidTokenAttempts; i++ {
		if m.Refresh(context.Background(), oldRefresh, true) {
			t.Fatal("Refresh() = true for invalid refresh token")
		}
	}
	before := calls.Load()

	// Locked out: short-circuits without a network call.
	if m.Refresh(context.Background(), oldRefresh, true) {
		t.Error("Refresh() during lockout = true, want false")
	}
	if calls.Load() != before {
		t.Error("lockout still issued a network call")
	}

	// After the reset window the counter clears and calls go out again.
	now = now.Add(invalidTokenResetInterval + time.Minute)
	m.Refresh(context.Background(), oldRefresh, true)
	if calls.Load() == before {
		t.Error("refresh after lockout window still short-circuited")
	}
}

func TestRefreshSuccessResetsInvalidCounter(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Invalid refresh token"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "access_token": testAccess, "refresh_token": testRefresh})
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	m.Refresh(context.Background(), oldRefresh, true)
	m.Refresh(context.Background(), oldRefresh, true)

	fail.Store(false)
	if !m.Refresh(context.Background(), oldRefresh, true) {
		t.Fatal("Refresh() = false after API recovered")
	}
	m.mu.Lock()
	attempts := m.invalidAttempts
	m.mu.Unlock()
	if attempts != 0 {
		t.Errorf("invalidAttempts = %d after success, want 0", attempts)
	}
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "access_token": testAccess, "refresh_token": testRefresh})
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if !m.Refresh(context.Background(), oldRefresh, false) {
		t.Fatal("Refresh() = false, want success after transient retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("outbound calls = %d, want 3", got)
	}
}

func TestRefreshExhaustedRetriesFail(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if m.Refresh(context.Background(), oldRefresh, false) {
		t.Fatal("Refresh() = true with a permanently failing API")
	}
	if got := calls.Load(); got != maxRefreshTries {
		t.Errorf("outbound calls = %d, want %d", got, maxRefreshTries)
	}
	if met := m.RefreshMetrics(); met.Failures != 1 || met.LastError == "" {
		t.Errorf("metrics = %+v", met)
	}
}

func TestRefreshRejectsMalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "<html>err</html>"},
		{"missing refresh token", `{"success":true,"access_token":"` + testAccess + `"}`},
		{"short tokens", `{"success":true,"access_token":"abc","refresh_token":"def"}`},
		{"failure without message", `{"success":false}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			m := newTestManager(t, server.URL)
			if m.Refresh(context.Background(), oldRefresh, false) {
				t.Error("Refresh() = true for malformed response")
			}
		})
	}
}

func TestRefreshBadTokenFormatSkipsNetwork(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(successHandler(&calls))
	defer server.Close()

	m := newTestManager(t, server.URL)
	if m.Refresh(context.Background(), "not a token!", false) {
		t.Error("Refresh() = true for malformed refresh token")
	}
	if calls.Load() != 0 {
		t.Error("malformed refresh token still issued a network call")
	}
}
