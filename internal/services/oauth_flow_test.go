package services

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sorglos123/OpenArchiver/internal/config"
	"github.com/sorglos123/OpenArchiver/internal/database/models"
)

func newCredentialsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.OAuthCredential{}))
	return db
}

// flowEnv wires an OAuthFlow against an in-memory credential store and a
// stubbed provider token endpoint
type flowEnv struct {
	flow    *OAuthFlow
	store   *TokenStore
	pending *PendingAuthCache
}

func newFlowEnv(t *testing.T, tokenURL string) *flowEnv {
	t.Helper()
	cfg := &config.Config{
		PublicBaseURL: "https://archive.example.org",
		JWTSecret:     "flow-test-secret",
	}
	store := NewTokenStore(newCredentialsDB(t), NewVault(cfg.GetEncryptionKey()))
	pending := NewPendingAuthCache()
	flow := NewOAuthFlow(cfg, store, pending, nil)
	flow.endpoint = oauth2.Endpoint{
		AuthURL:  "https://login.example.org/authorize",
		TokenURL: tokenURL,
	}
	return &flowEnv{flow: flow, store: store, pending: pending}
}

func TestPKCEChallengeDerivation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("challenge is the unpadded base64url of sha256(verifier)", prop.ForAll(
		func(verifier string) bool {
			sum := sha256.Sum256([]byte(verifier))
			return challengeFromVerifier(verifier) == base64.RawURLEncoding.EncodeToString(sum[:])
		},
		gen.AlphaString(),
	))

	properties.Property("fresh verifiers are distinct and long enough", prop.ForAll(
		func(byte) bool {
			a, err := generateVerifier()
			if err != nil {
				return false
			}
			b, err := generateVerifier()
			if err != nil {
				return false
			}
			// 32 bytes of entropy encode to 43 URL-safe characters
			return a != b && len(a) >= 43 && len(b) >= 43
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestStartAuthorizationBuildsProviderURL(t *testing.T) {
	env := newFlowEnv(t, "https://login.example.org/token")

	rawURL, err := env.flow.StartAuthorization(7, "alice@example.org")
	require.NoError(t, err)

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	query := parsed.Query()

	assert.Equal(t, "https://login.example.org/authorize", parsed.Scheme+"://"+parsed.Host+parsed.Path)
	assert.Equal(t, wellKnownClientID, query.Get("client_id"), "falls back to the well-known public client")
	assert.Equal(t, "https://archive.example.org/api/oauth/callback", query.Get("redirect_uri"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, "query", query.Get("response_mode"))
	assert.Contains(t, query.Get("scope"), "IMAP.AccessAsUser.All")
	assert.Contains(t, query.Get("scope"), "offline_access")

	state := query.Get("state")
	require.NotEmpty(t, state)
	entry, ok := env.pending.TakeIfValid(state)
	require.True(t, ok, "state is retrievable exactly once")
	assert.Equal(t, uint(7), entry.UserID)
	assert.Equal(t, "alice@example.org", entry.Email)
	assert.Equal(t, challengeFromVerifier(entry.Verifier), query.Get("code_challenge"))
}

func TestHandleCallbackExchangesAndStores(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-plaintext",
			"refresh_token": "rt-plaintext",
			"expires_in":    3600,
			"token_type":    "Bearer",
			"scope":         "IMAP.AccessAsUser.All offline_access",
		})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)
	rawURL, err := env.flow.StartAuthorization(7, "alice@example.org")
	require.NoError(t, err)
	state := mustQueryParam(t, rawURL, "state")

	credential, err := env.flow.HandleCallback(state, "auth-code-1")
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "auth-code-1", gotForm.Get("code"))
	assert.NotEmpty(t, gotForm.Get("code_verifier"), "verifier from the pending entry accompanies the code")

	assert.Equal(t, uint(7), credential.UserID)
	assert.Equal(t, models.ProviderMicrosoft, credential.Provider)
	assert.Equal(t, "alice@example.org", credential.Email)

	// Token material is encrypted at rest.
	assert.NotContains(t, credential.AccessTokenEncrypted, "at-plaintext")
	assert.NotContains(t, credential.RefreshTokenEncrypted, "rt-plaintext")

	access, err := env.store.DecryptAccessToken(credential)
	require.NoError(t, err)
	assert.Equal(t, "at-plaintext", access)
	refresh, err := env.store.DecryptRefreshToken(credential)
	require.NoError(t, err)
	assert.Equal(t, "rt-plaintext", refresh)

	require.NotNil(t, credential.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *credential.ExpiresAt, 10*time.Second)
}

func TestHandleCallbackRejectsUnknownAndReusedState(t *testing.T) {
	env := newFlowEnv(t, "https://login.example.org/token")

	_, err := env.flow.HandleCallback("never-issued", "code")
	assert.ErrorIs(t, err, ErrPendingAuthorizationExpired)

	rawURL, err := env.flow.StartAuthorization(7, "alice@example.org")
	require.NoError(t, err)
	state := mustQueryParam(t, rawURL, "state")
	_, ok := env.pending.TakeIfValid(state)
	require.True(t, ok)

	_, err = env.flow.HandleCallback(state, "code")
	assert.ErrorIs(t, err, ErrPendingAuthorizationExpired, "a consumed state is indistinguishable from an expired one")
}

func TestHandleCallbackSurfacesExchangeRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "AADSTS70008: The provided authorization code has expired.",
		})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)
	rawURL, err := env.flow.StartAuthorization(7, "alice@example.org")
	require.NoError(t, err)

	_, err = env.flow.HandleCallback(mustQueryParam(t, rawURL, "state"), "expired-code")
	assert.ErrorIs(t, err, ErrAuthExchange)

	credentials, err := env.store.ListByUserID(7)
	require.NoError(t, err)
	assert.Empty(t, credentials, "nothing persisted for a failed exchange")
}

func TestRefreshRotatesStoredTokens(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-rotated",
			"refresh_token": "rt-rotated",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)
	expired := time.Now().Add(-time.Minute)
	credential, err := env.store.Create(CreateCredentialInput{
		UserID:       7,
		Provider:     models.ProviderMicrosoft,
		Email:        "alice@example.org",
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    &expired,
	})
	require.NoError(t, err)

	require.NoError(t, env.flow.Refresh(credential.ID))

	assert.Equal(t, "refresh_token", gotForm.Get("grant_type"))
	assert.Equal(t, "rt-old", gotForm.Get("refresh_token"))

	reloaded, err := env.store.GetByID(credential.ID)
	require.NoError(t, err)
	access, err := env.store.DecryptAccessToken(reloaded)
	require.NoError(t, err)
	assert.Equal(t, "at-rotated", access)
	refresh, err := env.store.DecryptRefreshToken(reloaded)
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", refresh, "rotated refresh token replaces the old one")
	require.NotNil(t, reloaded.ExpiresAt)
	assert.True(t, reloaded.ExpiresAt.After(time.Now()))
}

func TestRefreshRejectionLeavesCredentialUnchanged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)
	expired := time.Now().Add(-time.Hour)
	credential, err := env.store.Create(CreateCredentialInput{
		UserID:       7,
		Provider:     models.ProviderMicrosoft,
		Email:        "alice@example.org",
		AccessToken:  "at-old",
		RefreshToken: "rt-revoked",
		ExpiresAt:    &expired,
	})
	require.NoError(t, err)

	err = env.flow.Refresh(credential.ID)
	assert.ErrorIs(t, err, ErrRefreshRejected)

	reloaded, err := env.store.GetByID(credential.ID)
	require.NoError(t, err)
	assert.Equal(t, credential.AccessTokenEncrypted, reloaded.AccessTokenEncrypted)
	assert.Equal(t, credential.RefreshTokenEncrypted, reloaded.RefreshTokenEncrypted)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	env := newFlowEnv(t, "https://login.example.org/token")
	credential, err := env.store.Create(CreateCredentialInput{
		UserID:      7,
		Provider:    models.ProviderMicrosoft,
		Email:       "alice@example.org",
		AccessToken: "at-only",
	})
	require.NoError(t, err)

	assert.ErrorIs(t, env.flow.Refresh(credential.ID), ErrNoRefreshToken)
}

func TestResolveAccessTokenRefreshesOnlyNearExpiry(t *testing.T) {
	refreshes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-fresh",
			"refresh_token": "rt-fresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.flow.now = func() time.Time { return now }

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("refreshed exactly when expiry falls within the skew window", prop.ForAll(
		func(offsetSeconds int) bool {
			expiresAt := now.Add(time.Duration(offsetSeconds) * time.Second)
			credential, err := env.store.Create(CreateCredentialInput{
				UserID:       7,
				Provider:     models.ProviderMicrosoft,
				Email:        "alice@example.org",
				AccessToken:  "at-stored",
				RefreshToken: "rt-stored",
				ExpiresAt:    &expiresAt,
			})
			if err != nil {
				return false
			}

			before := refreshes
			token, err := env.flow.ResolveAccessToken(credential.ID)
			if err != nil {
				return false
			}

			shouldRefresh := expiresAt.Before(now.Add(tokenExpirySkew))
			if shouldRefresh {
				return refreshes == before+1 && token == "at-fresh"
			}
			return refreshes == before && token == "at-stored"
		},
		gen.IntRange(-7200, 7200),
	))

	properties.TestingRun(t)
}

func TestResolveAccessTokenRefreshesWhenExpiryUnknown(t *testing.T) {
	refreshes := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-fresh",
			"refresh_token": "rt-fresh",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	env := newFlowEnv(t, server.URL)

	withRefresh, err := env.store.Create(CreateCredentialInput{
		UserID:       7,
		Provider:     models.ProviderMicrosoft,
		Email:        "alice@example.org",
		AccessToken:  "at-stored",
		RefreshToken: "rt-stored",
	})
	require.NoError(t, err)

	token, err := env.flow.ResolveAccessToken(withRefresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token, "a token of unknown age is refreshed when a refresh token is stored")
	assert.Equal(t, 1, refreshes)

	withoutRefresh, err := env.store.Create(CreateCredentialInput{
		UserID:      8,
		Provider:    models.ProviderMicrosoft,
		Email:       "bob@example.org",
		AccessToken: "at-bare",
	})
	require.NoError(t, err)

	token, err = env.flow.ResolveAccessToken(withoutRefresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-bare", token, "nothing to refresh with; the stored token is returned as-is")
	assert.Equal(t, 1, refreshes)
}

func mustQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	value := parsed.Query().Get(key)
	require.NotEmpty(t, value)
	return value
}
