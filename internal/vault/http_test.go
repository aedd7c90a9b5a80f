package vault

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func testServer(t *testing.T) (*httptest.Server, *Vault, *fakeProvider) {
	t.Helper()
	v, provider, _ := testVault(t)

	mux := http.NewServeMux()
	NewHandler(v, slog.New(slog.DiscardHandler)).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server, v, provider
}

// noRedirectClient keeps 302 responses observable.
func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func TestAuthorizeRedirectsToProvider(t *testing.T) {
	server, _, _ := testServer(t)

	resp, err := noRedirectClient().Get(server.URL +
		"/auth/authorize?redirect_uri=http%3A%2F%2Flocalhost%3A9000%2Fcb&state=s1&client_id=c1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "https://provider.example/consent") {
		t.Errorf("Location = %q", location)
	}
}

func TestAuthorizeRequiresRedirectURI(t *testing.T) {
	server, _, _ := testServer(t)

	resp, err := http.Get(server.URL + "/auth/authorize?state=s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackRedirectsToCaller(t *testing.T) {
	server, _, _ := testServer(t)

	packed, err := packState(flowState{
		CLIRedirectURI: "http://localhost:9000/cb",
		CLIState:       "s1",
	})
	if err != nil {
		t.Fatalf("packState: %v", err)
	}

	resp, err := noRedirectClient().Get(server.URL +
		"/auth/callback?code=provider-code&state=" + url.QueryEscape(packed))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if location.Host != "localhost:9000" || location.Query().Get("code") == "" {
		t.Errorf("Location = %q", location)
	}
	if location.Query().Get("state") != "s1" {
		t.Errorf("caller state lost: %q", location)
	}
}

func TestCallbackRejectsMissingParams(t *testing.T) {
	server, _, _ := testServer(t)

	for _, path := range []string{
		"/auth/callback",
		"/auth/callback?code=x",
		"/auth/callback?state=y",
	} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestTokenEndpointTradesCodeOnce(t *testing.T) {
	server, v, _ := testServer(t)
	ctx := context.Background()

	packed, _ := packState(flowState{CLIRedirectURI: "http://localhost:9000/cb"})
	redirect, err := v.CompleteAuthorization(ctx, "provider-code", packed)
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	u, _ := url.Parse(redirect)
	code := u.Query().Get("code")

	resp, err := http.PostForm(server.URL+"/auth/token", url.Values{"code": {code}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.TokenType != "Bearer" || body.AccessToken == "" {
		t.Errorf("body = %+v", body)
	}
	if body.ExpiresIn <= 0 || body.ExpiresIn > int64(time.Hour.Seconds()) {
		t.Errorf("expires_in = %d", body.ExpiresIn)
	}
	if _, ok := v.Tokens().Verify(body.AccessToken); !ok {
		t.Error("returned token must verify")
	}

	// Second trade must fail.
	resp2, err := http.PostForm(server.URL+"/auth/token", url.Values{"code": {code}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed code: status = %d, want 400", resp2.StatusCode)
	}
}

func TestTokenEndpointRejectsUnknownCode(t *testing.T) {
	server, _, _ := testServer(t)

	resp, err := http.PostForm(server.URL+"/auth/token", url.Values{"code": {"never-issued"}})
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
