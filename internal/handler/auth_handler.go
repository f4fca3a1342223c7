// Package handler はHTTPトランスポート（chiルーター）を提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/keystone/internal/auth"
	"github.com/hitoshi/keystone/internal/identity"
	"github.com/hitoshi/keystone/internal/middleware"
	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/session"
)

const (
	// RotationCookieName はローテーショントークンを保持するCookie。
	RotationCookieName = "keystone_rotation"
	loginIntentCookie  = "keystone_login_intent"
	loginIntentMaxAge  = 600
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	LoginURL(providerName, state string) (string, error)
	HandleCallback(ctx context.Context, req identity.ResolveRequest, client model.ClientInfo) (*auth.LoginResult, error)
	Refresh(ctx context.Context, rotationToken string, client model.ClientInfo) (*session.Refreshed, error)
	Logout(ctx context.Context, accessToken string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
}

func (c AuthHandlerConfig) csrf() middleware.CSRFConfig {
	return middleware.CSRFConfig{CookieSecure: c.CookieSecure, CookieDomain: c.CookieDomain}
}

// AuthHandler はOAuthログインとトークン更新のHTTPハンドラー。
type AuthHandler struct {
	service AuthService
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{service: service, config: config, now: time.Now}
}

// loginIntent はログイン開始からコールバックまで持ち回る値。
type loginIntent struct {
	State       string
	Confirm     bool
	ReauthToken string
}

func (li loginIntent) encode() string {
	v := url.Values{}
	v.Set("state", li.State)
	if li.Confirm {
		v.Set("confirm", "1")
	}
	if li.ReauthToken != "" {
		v.Set("reauth", li.ReauthToken)
	}
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

func decodeLoginIntent(s string) (loginIntent, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return loginIntent{}, false
	}
	v, err := url.ParseQuery(string(raw))
	if err != nil || v.Get("state") == "" {
		return loginIntent{}, false
	}
	return loginIntent{State: v.Get("state"), Confirm: v.Get("confirm") == "1", ReauthToken: v.Get("reauth")}, true
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login
// ?confirm=true またはAuthorizationヘッダーのアクセストークンは、既存アカウントへの統合確認として持ち回る。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteError(w, err)
		return
	}

	loginURL, err := h.service.LoginURL(providerName, state)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	intent := loginIntent{
		State:       state,
		Confirm:     r.URL.Query().Get("confirm") == "true",
		ReauthToken: bearerToken(r),
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginIntentCookie,
		Value:    intent.encode(),
		Path:     "/auth/" + providerName,
		MaxAge:   loginIntentMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理し、ローテーションCookieを設定する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
// Accept: application/jsonの場合はアクセストークンをJSONで返し、それ以外はBASE_URLへリダイレクトする。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	var intent loginIntent
	if c, err := r.Cookie(loginIntentCookie); err == nil {
		intent, _ = decodeLoginIntent(c.Value)
	}
	state := r.URL.Query().Get("state")
	if intent.State == "" || subtle.ConstantTimeCompare([]byte(intent.State), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch", slog.String("provider", providerName))
		middleware.WriteErrorResponse(w, model.NewProtocolError(model.ErrCodeInvalidPayload, "invalid state parameter"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     loginIntentCookie,
		Value:    "",
		Path:     "/auth/" + providerName,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		middleware.WriteErrorResponse(w, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, nil))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, model.NewProtocolError(model.ErrCodeInvalidPayload, "missing authorization code"))
		return
	}

	client := clientInfo(r)
	result, err := h.service.HandleCallback(r.Context(), identity.ResolveRequest{
		Provider:    providerName,
		Code:        code,
		Confirm:     intent.Confirm,
		ReauthToken: intent.ReauthToken,
	}, client)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if info := middleware.RequestInfoFromContext(r.Context()); info != nil {
		info.SetUserGUID(result.Identity.GUID)
	}

	h.setRotationCookie(w, result.Grant.RotationToken, result.Grant.RotationExpiry)
	if _, err := middleware.IssueCSRFCookie(w, h.config.csrf()); err != nil {
		slog.Error("failed to issue csrf cookie", slog.String("error", err.Error()))
	}

	if !wantsJSON(r) {
		http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": result.Grant.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   result.Grant.AccessExpiry.UTC().Format(time.RFC3339),
		"user_guid":    result.Identity.GUID,
		"created":      result.Created,
		"relinked":     result.Relinked,
	})
}

// Refresh はローテーションCookieから新しいアクセストークンを発行する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RotationCookieName)
	if err != nil || cookie.Value == "" {
		middleware.WriteErrorResponse(w, model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, nil))
		return
	}

	refreshed, err := h.service.Refresh(r.Context(), cookie.Value, clientInfo(r))
	if err != nil {
		if model.IsKind(err, model.KindUnauthenticated) {
			h.clearRotationCookie(w)
		}
		middleware.WriteError(w, err)
		return
	}
	if info := middleware.RequestInfoFromContext(r.Context()); info != nil {
		info.SetUserGUID(refreshed.UserGUID)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": refreshed.AccessToken,
		"token_type":   "Bearer",
		"expires_at":   refreshed.AccessExpiry.UTC().Format(time.RFC3339),
	})
}

// Logout はアクセストークンの端末を失効させ、ローテーションCookieを消す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearRotationCookie(w)
	if err := h.service.Logout(r.Context(), bearerToken(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) setRotationCookie(w http.ResponseWriter, value string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     RotationCookieName,
		Value:    value,
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRotationCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RotationCookieName,
		Value:    "",
		Path:     "/auth",
		Domain:   h.config.CookieDomain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// bearerToken はAuthorizationヘッダーのBearerトークンを返す。
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func clientInfo(r *http.Request) model.ClientInfo {
	if info := middleware.RequestInfoFromContext(r.Context()); info != nil {
		return info.Client
	}
	return middleware.ClientInfoFromRequest(r)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
