package twitchapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "OAuth sometoken" {
			t.Errorf("Authorization = %q, want OAuth scheme", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client_id":"abc","login":"streambot","user_id":"123","scopes":["chat:read","chat:edit"],"expires_in":3600}`))
	}))
	defer server.Close()

	v := &Validator{URL: server.URL}
	out, err := v.Validate(context.Background(), "sometoken")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if out.Login != "streambot" || out.UserID != "123" {
		t.Errorf("validation = %+v", out)
	}
	if len(out.Scopes) != 2 {
		t.Errorf("scopes = %v", out.Scopes)
	}
}

func TestValidateUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	v := &Validator{URL: server.URL}
	if _, err := v.Validate(context.Background(), "expired"); err == nil {
		t.Error("Validate with 401 = nil error")
	}
}

func TestValidateEmptyToken(t *testing.T) {
	v := &Validator{}
	if _, err := v.Validate(context.Background(), ""); err == nil {
		t.Error("Validate with empty token = nil error")
	}
}
