package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// IDTokenValidator はGoogleのIDトークンを検証する関数。
type IDTokenValidator func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Google はGoogle OpenID Connectによる認証を提供する。
type Google struct {
	*exchanger
	profileURL string
	validate   IDTokenValidator
}

// NewGoogle はGoogleプロバイダーを生成する。
func NewGoogle(cfg Config) *Google {
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = defaultGoogleUserInfoURL
	}
	return &Google{
		exchanger: newExchanger("google", cfg, oauth2.Endpoint{
			AuthURL:   defaultGoogleAuthURL,
			TokenURL:  defaultGoogleTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}, []string{"openid", "email", "profile"}),
		profileURL: profileURL,
		validate:   idtoken.Validate,
	}
}

// WithValidator はIDトークンの検証関数を差し替える。テスト用。
func (g *Google) WithValidator(v IDTokenValidator) *Google {
	g.validate = v
	return g
}

// Name はプロバイダー名を返す。
func (g *Google) Name() string { return "google" }

// LoginURL は認可URLを生成する。
func (g *Google) LoginURL(state string) string {
	return g.loginURL(state, oauth2.AccessTypeOnline)
}

// Exchange は認可コードをトークンに交換する。
func (g *Google) Exchange(ctx context.Context, code string) (*Tokens, error) {
	return g.exchange(ctx, code)
}

// VerifyToken はIDトークンの署名とaudienceを検証する。
func (g *Google) VerifyToken(ctx context.Context, tokens *Tokens) (map[string]any, error) {
	if err := g.checkConfig(); err != nil {
		return nil, err
	}
	if tokens.IDToken == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("google: id_token is missing"))
	}
	payload, err := g.validate(ctx, tokens.IDToken, g.oauth.ClientID)
	if err != nil {
		if isTimeout(err) {
			return nil, model.NewUpstreamError(model.ErrCodeProviderTimeout, fmt.Errorf("google id_token validation: %w", err))
		}
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, fmt.Errorf("google id_token validation: %w", err))
	}
	claims := make(map[string]any, len(payload.Claims)+1)
	for k, v := range payload.Claims {
		claims[k] = v
	}
	claims["sub"] = payload.Subject
	return claims, nil
}

type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile はuserinfoエンドポイントからプロフィールを取得する。
func (g *Google) FetchProfile(ctx context.Context, tokens *Tokens, claims map[string]any) (*Profile, error) {
	var info googleUserInfo
	if err := g.getJSON(ctx, g.profileURL, tokens.AccessToken, &info); err != nil {
		return nil, err
	}
	if sub := claimString(claims, "sub"); info.Sub != "" && sub != "" && info.Sub != sub {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected,
			errors.New("google: userinfo subject does not match id_token"))
	}
	return &Profile{
		Subject:  info.Sub,
		Email:    info.Email,
		Username: info.Name,
		Picture:  info.Picture,
	}, nil
}

// ExtractIdentifiers はsubをそのまま識別子とする。
func (g *Google) ExtractIdentifiers(claims map[string]any) ([]string, error) {
	sub := claimString(claims, "sub")
	if sub == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("google: sub claim is missing"))
	}
	return []string{sub}, nil
}

var _ AuthProvider = (*Google)(nil)
