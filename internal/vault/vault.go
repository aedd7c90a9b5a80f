package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// exchangeCodeTTL bounds how long a freshly minted exchange code stays
// tradeable.
const exchangeCodeTTL = 300 * time.Second

// Credential is one user's stored calendar authorization. The JSON
// field names are the shape tool backends expect inside the credential
// payload.
type Credential struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Payload renders the credential as the opaque map the orchestration
// loop injects into tool calls.
func (c *Credential) Payload() map[string]any {
	payload := map[string]any{"token": c.Token}
	if c.RefreshToken != "" {
		payload["refresh_token"] = c.RefreshToken
	}
	if c.TokenURI != "" {
		payload["token_uri"] = c.TokenURI
	}
	if c.ClientID != "" {
		payload["client_id"] = c.ClientID
	}
	if c.ClientSecret != "" {
		payload["client_secret"] = c.ClientSecret
	}
	if len(c.Scopes) > 0 {
		payload["scopes"] = c.Scopes
	}
	return payload
}

// AuthProvider runs the upstream half of the authorization flow.
type AuthProvider interface {
	// AuthURL returns the provider consent URL carrying state.
	AuthURL(state string) string

	// Exchange trades the provider's authorization code for a token.
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// OAuthClient implements AuthProvider over an oauth2.Config.
type OAuthClient struct {
	config oauth2.Config
}

// NewOAuthClient builds a provider client with explicit endpoints.
func NewOAuthClient(clientID, clientSecret, redirectURL string, scopes []string, endpoint oauth2.Endpoint) *OAuthClient {
	return &OAuthClient{config: oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}}
}

// NewGoogleClient builds a provider client against Google's OAuth
// endpoints, requesting offline access so a refresh token comes back.
func NewGoogleClient(clientID, clientSecret, redirectURL string, scopes []string) *OAuthClient {
	return NewOAuthClient(clientID, clientSecret, redirectURL, scopes, oauth2.Endpoint{
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	})
}

func (c *OAuthClient) AuthURL(state string) string {
	return c.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.config.Exchange(ctx, code)
}

// TokenURL exposes the configured token endpoint for credential
// assembly.
func (c *OAuthClient) TokenURL() string { return c.config.Endpoint.TokenURL }

// flowState is the caller context threaded through the provider's
// opaque state parameter.
type flowState struct {
	CLIRedirectURI   string `json:"cli_redirect_uri"`
	CLIState         string `json:"cli_state"`
	OriginalClientID string `json:"original_client_id"`
}

// packState encodes the caller context as base64url JSON.
func packState(s flowState) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// unpackState decodes a provider state back into the caller context.
func unpackState(packed string) (flowState, error) {
	data, err := base64.URLEncoding.DecodeString(packed)
	if err != nil {
		return flowState{}, fmt.Errorf("decode state: %w", err)
	}
	var s flowState
	if err := json.Unmarshal(data, &s); err != nil {
		return flowState{}, fmt.Errorf("parse state: %w", err)
	}
	return s, nil
}

// Config carries the vault's provider identity and record lifetimes.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string

	// TokenURL is recorded on stored credentials so backends can
	// refresh them.
	TokenURL string

	// CredentialTTL bounds stored credential lifetime. Zero keeps
	// records until overwritten.
	CredentialTTL time.Duration
}

// Vault owns credential storage and the authorization flow.
type Vault struct {
	store    Store
	tokens   *TokenService
	provider AuthProvider
	config   Config
	logger   *slog.Logger
}

// New builds a vault over the given store, token service, and upstream
// provider.
func New(store Store, tokens *TokenService, provider AuthProvider, cfg Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:    store,
		tokens:   tokens,
		provider: provider,
		config:   cfg,
		logger:   logger.With("component", "vault"),
	}
}

// Tokens exposes the session token service.
func (v *Vault) Tokens() *TokenService { return v.tokens }

// StoreCredential writes (or overwrites) a user's credential record.
func (v *Vault) StoreCredential(ctx context.Context, userID string, cred *Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := v.store.Set(ctx, CredentialKey(userID), data, v.config.CredentialTTL); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// GetCredential looks up a user's credential. Any store failure is
// logged and reported as absence so callers degrade to the
// re-authentication path instead of failing the task outright.
func (v *Vault) GetCredential(ctx context.Context, userID string) (*Credential, bool) {
	data, ok, err := v.store.Get(ctx, CredentialKey(userID))
	if err != nil {
		v.logger.Warn("credential lookup failed", "user", userID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		v.logger.Warn("stored credential unreadable", "user", userID, "error", err)
		return nil, false
	}
	return &cred, true
}

// BeginAuthorization starts the flow: the caller's redirect URI, state,
// and client id are packed into the provider state so the callback can
// route the user back.
func (v *Vault) BeginAuthorization(redirectURI, state, clientID string) (string, error) {
	if redirectURI == "" {
		return "", fmt.Errorf("redirect_uri required")
	}

	packed, err := packState(flowState{
		CLIRedirectURI:   redirectURI,
		CLIState:         state,
		OriginalClientID: clientID,
	})
	if err != nil {
		return "", err
	}
	return v.provider.AuthURL(packed), nil
}

// CompleteAuthorization finishes the flow after the provider redirects
// back: exchange the provider code, store the credential under a fresh
// user id, and hand the caller a single-use exchange code that trades
// for the session token. Returns the URL to send the user agent to.
func (v *Vault) CompleteAuthorization(ctx context.Context, code, packedState string) (string, error) {
	state, err := unpackState(packedState)
	if err != nil {
		return "", err
	}

	token, err := v.provider.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("provider exchange: %w", err)
	}

	userID := uuid.New().String()
	cred := &Credential{
		Token:        token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenURI:     v.config.TokenURL,
		ClientID:     v.config.ClientID,
		ClientSecret: v.config.ClientSecret,
		Scopes:       v.config.Scopes,
	}
	if err := v.StoreCredential(ctx, userID, cred); err != nil {
		return "", err
	}

	sessionToken, err := v.tokens.Issue(userID)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}

	exchangeCode := uuid.New().String()
	if err := v.store.Set(ctx, ExchangeCodeKey(exchangeCode), []byte(sessionToken), exchangeCodeTTL); err != nil {
		return "", fmt.Errorf("store exchange code: %w", err)
	}

	v.logger.Info("authorization completed", "user", userID)
	return callbackRedirect(state, exchangeCode)
}

// TradeExchangeCode redeems an exchange code for its session token.
// Codes are single-use: the first successful trade deletes the record.
func (v *Vault) TradeExchangeCode(ctx context.Context, code string) (string, bool) {
	data, ok, err := v.store.Take(ctx, ExchangeCodeKey(code))
	if err != nil {
		v.logger.Warn("exchange code lookup failed", "error", err)
		return "", false
	}
	if !ok {
		return "", false
	}
	return string(data), true
}

// callbackRedirect builds the URL returning the user agent to the
// caller with the exchange code and its original state.
func callbackRedirect(state flowState, exchangeCode string) (string, error) {
	u, err := url.Parse(state.CLIRedirectURI)
	if err != nil {
		return "", fmt.Errorf("caller redirect uri: %w", err)
	}
	q := u.Query()
	q.Set("code", exchangeCode)
	if state.CLIState != "" {
		q.Set("state", state.CLIState)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
