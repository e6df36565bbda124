package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/authgate/internal/model"
)

// newTokenServer はアクセストークンを返すトークンエンドポイントを立てる。
func newTokenServer(t *testing.T, wantCode string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("code"); got != wantCode {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	url := provider.GetLoginURL("test-state-value")

	if !strings.HasPrefix(url, "https://accounts.google.com/") {
		t.Errorf("URL should use the Google endpoint, got %q", url)
	}

	tests := []struct {
		name     string
		contains string
	}{
		{"client_id", "client_id=test-client-id"},
		{"redirect_uri", "redirect_uri="},
		{"state", "state=test-state-value"},
		{"response_type", "response_type=code"},
		{"scope email", "email"},
		{"scope profile", "profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(url, tt.contains) {
				t.Errorf("URL should contain %q, got %q", tt.contains, url)
			}
		})
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenServer := newTokenServer(t, "test-auth-code")

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Authorizationヘッダーの検証
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("unexpected Authorization header: %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":            "google-sub-12345",
			"email":          "user@gmail.com",
			"email_verified": true,
			"name":           "Google User",
			"given_name":     "Google",
			"family_name":    "User",
			"picture":        "https://lh3.googleusercontent.com/a/photo.jpg",
		})
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userInfoServer.URL,
		HTTPClient:   userInfoServer.Client(),
	})

	profile, err := provider.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if profile.Provider != model.ProviderGoogle {
		t.Errorf("provider = %q, want %q", profile.Provider, model.ProviderGoogle)
	}
	if profile.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q, want %q", profile.ProviderUserID, "google-sub-12345")
	}
	if profile.Email != "user@gmail.com" || !profile.EmailVerified {
		t.Errorf("email = %q verified = %v", profile.Email, profile.EmailVerified)
	}
	if profile.FirstName != "Google" || profile.LastName != "User" || profile.DisplayName != "Google User" {
		t.Errorf("names = %q %q %q", profile.FirstName, profile.LastName, profile.DisplayName)
	}
	if profile.AvatarURL != "https://lh3.googleusercontent.com/a/photo.jpg" {
		t.Errorf("avatar = %q", profile.AvatarURL)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UnverifiedEmail(t *testing.T) {
	tokenServer := newTokenServer(t, "code")
	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":   "google-sub-1",
			"email": "user@example.com",
		})
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	profile, err := provider.ExchangeCode(context.Background(), "code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if profile.EmailVerified {
		t.Error("email_verified missing from the response must be treated as unverified")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := newTokenServer(t, "valid-code")

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     tokenServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "invalid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UserInfoError(t *testing.T) {
	tokenServer := newTokenServer(t, "code")
	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "code"); err == nil {
		t.Fatal("expected error when userinfo endpoint fails")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_EmptySub(t *testing.T) {
	tokenServer := newTokenServer(t, "code")
	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"email":"user@example.com","email_verified":true}`))
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "code"); err == nil {
		t.Fatal("expected error when sub is missing")
	}
}

func TestGoogleOAuthProvider_Name(t *testing.T) {
	if got := NewGoogleOAuthProvider(GoogleOAuthConfig{}).Name(); got != model.ProviderGoogle {
		t.Errorf("Name() = %q, want %q", got, model.ProviderGoogle)
	}
}
