package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// fakeProvider scripts the upstream half of the flow.
type fakeProvider struct {
	gotState    string
	gotCode     string
	exchangeErr error
}

func (p *fakeProvider) AuthURL(state string) string {
	p.gotState = state
	return "https://provider.example/consent?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	p.gotCode = code
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &oauth2.Token{AccessToken: "ya29.access", RefreshToken: "1//refresh"}, nil
}

func testVault(t *testing.T) (*Vault, *fakeProvider, Store) {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	provider := &fakeProvider{}
	v := New(store, NewTokenService("test-secret", time.Hour), provider, Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar.readonly"},
		TokenURL:     "https://oauth2.googleapis.com/token",
	}, slog.New(slog.DiscardHandler))
	return v, provider, store
}

func TestBeginAuthorizationPacksCallerContext(t *testing.T) {
	v, provider, _ := testVault(t)

	authURL, err := v.BeginAuthorization("http://localhost:9000/cb", "cli-state-1", "cli-client")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	if !strings.HasPrefix(authURL, "https://provider.example/consent") {
		t.Errorf("auth URL = %q", authURL)
	}

	// The provider state must decode back to exactly the caller's
	// context.
	decoded, err := base64.URLEncoding.DecodeString(provider.gotState)
	if err != nil {
		t.Fatalf("state is not base64url: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(decoded, &got); err != nil {
		t.Fatalf("state is not JSON: %v", err)
	}
	want := map[string]string{
		"cli_redirect_uri":   "http://localhost:9000/cb",
		"cli_state":          "cli-state-1",
		"original_client_id": "cli-client",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("state[%s] = %q, want %q", k, got[k], v)
		}
	}
}

func TestBeginAuthorizationRequiresRedirectURI(t *testing.T) {
	v, _, _ := testVault(t)
	if _, err := v.BeginAuthorization("", "s", "c"); err == nil {
		t.Error("missing redirect_uri must be rejected")
	}
}

func TestCompleteAuthorizationEndToEnd(t *testing.T) {
	v, provider, _ := testVault(t)
	ctx := context.Background()

	packed, err := packState(flowState{
		CLIRedirectURI: "http://localhost:9000/cb",
		CLIState:       "cli-state-1",
	})
	if err != nil {
		t.Fatalf("packState: %v", err)
	}

	redirect, err := v.CompleteAuthorization(ctx, "provider-code", packed)
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if provider.gotCode != "provider-code" {
		t.Errorf("provider exchange not called with the code")
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect URL: %v", err)
	}
	if u.Host != "localhost:9000" || u.Path != "/cb" {
		t.Errorf("redirect target = %q", redirect)
	}
	if u.Query().Get("state") != "cli-state-1" {
		t.Errorf("caller state not echoed: %q", redirect)
	}

	exchangeCode := u.Query().Get("code")
	if exchangeCode == "" {
		t.Fatal("no exchange code in redirect")
	}

	// Trade the code and follow the session token back to the stored
	// credential.
	token, ok := v.TradeExchangeCode(ctx, exchangeCode)
	if !ok {
		t.Fatal("exchange code must trade once")
	}
	claims, valid := v.Tokens().Verify(token)
	if !valid {
		t.Fatal("traded token must verify")
	}

	cred, found := v.GetCredential(ctx, claims.UserID())
	if !found {
		t.Fatal("credential must be stored for the token's subject")
	}
	if cred.Token != "ya29.access" || cred.RefreshToken != "1//refresh" {
		t.Errorf("provider token not recorded: %+v", cred)
	}
	if cred.ClientID != "cid" || cred.TokenURI != "https://oauth2.googleapis.com/token" {
		t.Errorf("provider identity not recorded: %+v", cred)
	}

	// Single use.
	if _, ok := v.TradeExchangeCode(ctx, exchangeCode); ok {
		t.Error("exchange code traded twice")
	}
}

func TestCompleteAuthorizationRejectsBadState(t *testing.T) {
	v, _, _ := testVault(t)
	for _, state := range []string{"", "!!!not-base64url", base64.URLEncoding.EncodeToString([]byte("not json"))} {
		if _, err := v.CompleteAuthorization(context.Background(), "code", state); err == nil {
			t.Errorf("state %.20q must be rejected", state)
		}
	}
}

func TestCompleteAuthorizationProviderFailure(t *testing.T) {
	v, provider, _ := testVault(t)
	provider.exchangeErr = fmt.Errorf("invalid_grant")

	packed, _ := packState(flowState{CLIRedirectURI: "http://localhost:9000/cb"})
	if _, err := v.CompleteAuthorization(context.Background(), "bad", packed); err == nil {
		t.Error("provider exchange failure must propagate")
	}
}

func TestReauthorizationOverwritesCredential(t *testing.T) {
	v, _, _ := testVault(t)
	ctx := context.Background()

	if err := v.StoreCredential(ctx, "u1", &Credential{Token: "old"}); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}
	if err := v.StoreCredential(ctx, "u1", &Credential{Token: "new"}); err != nil {
		t.Fatalf("StoreCredential: %v", err)
	}

	cred, ok := v.GetCredential(ctx, "u1")
	if !ok || cred.Token != "new" {
		t.Errorf("re-authorization must overwrite: %+v", cred)
	}
}

// failingStore simulates an unreachable backend.
type failingStore struct{}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("store down")
}
func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("store down")
}
func (failingStore) Take(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("store down")
}
func (failingStore) Delete(context.Context, string) error { return fmt.Errorf("store down") }
func (failingStore) Close() error                         { return nil }

func TestGetCredentialDegradesOnStoreFailure(t *testing.T) {
	v := New(failingStore{}, NewTokenService("s", time.Hour), &fakeProvider{}, Config{}, slog.New(slog.DiscardHandler))

	if _, ok := v.GetCredential(context.Background(), "u1"); ok {
		t.Error("store failure must read as absence")
	}
	if _, ok := v.TradeExchangeCode(context.Background(), "c1"); ok {
		t.Error("store failure must read as invalid code")
	}
}

func TestCredentialPayloadShape(t *testing.T) {
	cred := &Credential{
		Token:        "t",
		RefreshToken: "r",
		TokenURI:     "https://oauth2.googleapis.com/token",
		ClientID:     "cid",
		ClientSecret: "cs",
		Scopes:       []string{"a"},
	}
	payload := cred.Payload()
	for _, key := range []string{"token", "refresh_token", "token_uri", "client_id", "client_secret", "scopes"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %s", key)
		}
	}

	minimal := (&Credential{Token: "t"}).Payload()
	if len(minimal) != 1 {
		t.Errorf("empty fields must be omitted: %v", minimal)
	}
}
