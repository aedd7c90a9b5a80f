package vault

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the vault's three authorization endpoints.
type Handler struct {
	vault  *Vault
	logger *slog.Logger
}

// NewHandler builds the HTTP handler for v.
func NewHandler(v *Vault, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{vault: v, logger: logger.With("component", "vault_http")}
}

// Register attaches the endpoints to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.HandleFunc("POST /auth/token", h.handleToken)
}

// handleAuthorize bounces the user agent to the provider consent page.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}

	authURL, err := h.vault.BeginAuthorization(redirectURI, q.Get("state"), q.Get("client_id"))
	if err != nil {
		h.logger.Warn("authorize request rejected", "error", err)
		http.Error(w, "invalid authorization request", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback receives the provider redirect and forwards the user
// agent back to the original caller with an exchange code.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "code and state are required", http.StatusBadRequest)
		return
	}

	redirectURL, err := h.vault.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		h.logger.Error("authorization callback failed", "error", err)
		http.Error(w, "authorization failed", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// tokenResponse is the /auth/token success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleToken trades an exchange code for the session token.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	code := r.PostFormValue("code")
	if code == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}

	token, ok := h.vault.TradeExchangeCode(r.Context(), code)
	if !ok {
		http.Error(w, "invalid or expired code", http.StatusBadRequest)
		return
	}

	var expiresIn int64
	if claims, valid := h.vault.Tokens().Verify(token); valid && claims.ExpiresAt != nil && claims.IssuedAt != nil {
		expiresIn = int64(claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
	})
}
