package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sorglos123/OpenArchiver/internal/config"
	"github.com/sorglos123/OpenArchiver/internal/database/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// wellKnownClientID is a public client registration usable without any
// operator-side app registration. Public clients carry no secret; the PKCE
// verifier is what binds the authorization code to this process.
const wellKnownClientID = "9e5f94bc-e8a4-4e73-b8be-63364c29d753"

// tokenExpirySkew is how early an access token is considered expired, so a
// token that dies mid-connect is refreshed before the connection is opened
const tokenExpirySkew = time.Minute

// ProviderConfig describes the identity provider endpoints and client
// registration used for one authorization flow
type ProviderConfig struct {
	ClientID    string
	RedirectURL string
	AuthURL     string
	TokenURL    string
	Scopes      []string
}

// OAuthFlow runs the authorization-code-with-PKCE exchange and manages the
// token lifecycle. It is the single component the sync engine asks for a
// valid bearer token before opening a protocol connection.
type OAuthFlow struct {
	cfg        *config.Config
	store      *TokenStore
	pending    PendingAuthStore
	logService *LogService

	endpoint   oauth2.Endpoint
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuthFlow creates a new OAuthFlow instance
func NewOAuthFlow(cfg *config.Config, store *TokenStore, pending PendingAuthStore, logService *LogService) *OAuthFlow {
	return &OAuthFlow{
		cfg:        cfg,
		store:      store,
		pending:    pending,
		logService: logService,
		endpoint:   microsoft.AzureADEndpoint("common"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
}

// generateVerifier produces a fresh PKCE code verifier: 32 bytes of
// cryptographic entropy, URL-safe encoded. Verifiers are never reused.
func generateVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// challengeFromVerifier derives the S256 code challenge: base64url(sha256(v))
func challengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState generates a random state token correlating the callback with
// the initiating session
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// ResolveProviderConfig returns the effective client registration. Operators
// may override the client id and redirect URL; without overrides the
// well-known public client is used and the redirect is derived from the
// deployment's public base URL, so no manual registration step is required.
func (f *OAuthFlow) ResolveProviderConfig() ProviderConfig {
	clientID := f.cfg.OAuthClientID
	if clientID == "" {
		clientID = wellKnownClientID
	}

	redirectURL := f.cfg.OAuthRedirectURL
	if redirectURL == "" {
		redirectURL = strings.TrimRight(f.cfg.PublicBaseURL, "/") + "/api/oauth/callback"
	}

	return ProviderConfig{
		ClientID:    clientID,
		RedirectURL: redirectURL,
		AuthURL:     f.endpoint.AuthURL,
		TokenURL:    f.endpoint.TokenURL,
		Scopes: []string{
			"https://outlook.office365.com/IMAP.AccessAsUser.All",
			"offline_access",
			"openid",
			"email",
		},
	}
}

// BuildAuthorizationURL constructs the provider authorization URL for the
// given state and challenge. Pure construction, no side effects.
func (f *OAuthFlow) BuildAuthorizationURL(pc ProviderConfig, state, challenge string) string {
	oc := oauth2.Config{
		ClientID:    pc.ClientID,
		RedirectURL: pc.RedirectURL,
		Scopes:      pc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  pc.AuthURL,
			TokenURL: pc.TokenURL,
		},
	}
	return oc.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("response_mode", "query"),
	)
}

// StartAuthorization issues an authorization URL for the given user and
// mailbox address, remembering the PKCE verifier under a one-time state.
func (f *OAuthFlow) StartAuthorization(userID uint, email string) (string, error) {
	verifier, err := generateVerifier()
	if err != nil {
		return "", err
	}
	state, err := generateState()
	if err != nil {
		return "", err
	}

	f.pending.Put(state, PendingAuthorization{
		Verifier: verifier,
		UserID:   userID,
		Email:    email,
	})

	pc := f.ResolveProviderConfig()
	return f.BuildAuthorizationURL(pc, state, challengeFromVerifier(verifier)), nil
}

// tokenResponse is the provider token endpoint JSON body
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
}

// postTokenForm performs one token endpoint request
func (f *OAuthFlow) postTokenForm(tokenURL string, form url.Values) (*tokenResponse, int, error) {
	resp, err := f.httpClient.PostForm(tokenURL, form)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode != http.StatusOK {
		var providerErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &providerErr)
		if providerErr.Error == "" {
			providerErr.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, resp.StatusCode, fmt.Errorf("token endpoint rejected request: %s", providerErr.Error)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, resp.StatusCode, err
	}
	return &token, resp.StatusCode, nil
}

// ExchangeCode redeems an authorization code using the PKCE verifier.
// The provider rejecting the code (expired, reused, verifier mismatch) and
// network failure both surface as ErrAuthExchange; the interactive flow must
// be restarted, there is no automatic retry.
func (f *OAuthFlow) ExchangeCode(pc ProviderConfig, code, verifier string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":     {pc.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {pc.RedirectURL},
		"code_verifier": {verifier},
	}

	token, _, err := f.postTokenForm(pc.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExchange, err)
	}
	return token, nil
}

// HandleCallback consumes the state+code pair from the provider redirect,
// performs the exchange, and persists the resulting credential.
func (f *OAuthFlow) HandleCallback(state, code string) (*models.OAuthCredential, error) {
	pendingEntry, ok := f.pending.TakeIfValid(state)
	if !ok {
		return nil, ErrPendingAuthorizationExpired
	}

	pc := f.ResolveProviderConfig()
	token, err := f.ExchangeCode(pc, code, pendingEntry.Verifier)
	if err != nil {
		return nil, err
	}

	credential, err := f.store.Create(CreateCredentialInput{
		UserID:       pendingEntry.UserID,
		Provider:     models.ProviderMicrosoft,
		Email:        pendingEntry.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    f.expiryFromSeconds(token.ExpiresIn),
		Scope:        token.Scope,
	})
	if err != nil {
		return nil, err
	}

	f.logService.LogInfo(pendingEntry.UserID, models.LogModuleOAuth, "exchange", "Authorization code exchanged", map[string]interface{}{
		"credential_id": credential.ID,
		"email":         pendingEntry.Email,
	})
	return credential, nil
}

// Refresh performs a refresh_token grant for the credential and persists the
// rotated token material. A provider rejection surfaces as ErrRefreshRejected
// and leaves the stored credential unchanged; the user must re-authenticate.
func (f *OAuthFlow) Refresh(credentialID uint) error {
	credential, err := f.store.GetByID(credentialID)
	if err != nil {
		return err
	}

	refreshToken, err := f.store.DecryptRefreshToken(credential)
	if err != nil {
		return err
	}

	pc := f.ResolveProviderConfig()
	form := url.Values{
		"client_id":     {pc.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {strings.Join(pc.Scopes, " ")},
	}

	token, status, err := f.postTokenForm(pc.TokenURL, form)
	if err != nil {
		if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
			// Commonly invalid_grant after long inactivity
			return fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return fmt.Errorf("refresh request failed: %w", err)
	}

	if err := f.store.UpdateTokens(credentialID, token.AccessToken, token.RefreshToken, f.expiryFromSeconds(token.ExpiresIn)); err != nil {
		return err
	}

	f.logService.LogInfo(credential.UserID, models.LogModuleOAuth, "refresh", "Access token refreshed", map[string]interface{}{
		"credential_id": credentialID,
		"email":         credential.Email,
		"rotated":       token.RefreshToken != "",
	})
	return nil
}

// ResolveAccessToken returns a currently valid plaintext access token for
// the credential, refreshing first when the stored expiry is past (or within
// the skew of) now. A credential without a recorded expiry is refreshed up
// front whenever a refresh token is stored: the token's age is unknown, and
// refreshing here is cheaper than handing the sync engine a dead token.
// This is the choke point the sync engine calls before opening a protocol
// connection with OAuth.
func (f *OAuthFlow) ResolveAccessToken(credentialID uint) (string, error) {
	credential, err := f.store.GetByID(credentialID)
	if err != nil {
		return "", err
	}

	needsRefresh := credential.RefreshTokenEncrypted != ""
	if credential.ExpiresAt != nil {
		needsRefresh = credential.ExpiresAt.Before(f.now().Add(tokenExpirySkew))
	}

	if needsRefresh {
		if err := f.Refresh(credentialID); err != nil {
			return "", err
		}
		credential, err = f.store.GetByID(credentialID)
		if err != nil {
			return "", err
		}
	}

	return f.store.DecryptAccessToken(credential)
}

func (f *OAuthFlow) expiryFromSeconds(expiresIn int) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	expiry := f.now().Add(time.Duration(expiresIn) * time.Second)
	return &expiry
}
