package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	microsoftLoginBase         = "https://login.microsoftonline.com/"
	defaultMicrosoftTenant     = "common"
	defaultMicrosoftProfileURL = "https://graph.microsoft.com/v1.0/me"
)

// Microsoft はMicrosoft identity platform (v2.0) による認証を提供する。
type Microsoft struct {
	*exchanger
	profileURL string
	now        func() time.Time
}

// NewMicrosoft はMicrosoftプロバイダーを生成する。tenantが空の場合はcommonを使う。
func NewMicrosoft(cfg Config, tenant string) *Microsoft {
	if tenant == "" {
		tenant = defaultMicrosoftTenant
	}
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = defaultMicrosoftProfileURL
	}
	base := microsoftLoginBase + tenant + "/oauth2/v2.0/"
	return &Microsoft{
		exchanger: newExchanger("microsoft", cfg, oauth2.Endpoint{
			AuthURL:   base + "authorize",
			TokenURL:  base + "token",
			AuthStyle: oauth2.AuthStyleInParams,
		}, []string{"openid", "email", "profile", "User.Read"}),
		profileURL: profileURL,
		now:        time.Now,
	}
}

// Name はプロバイダー名を返す。
func (m *Microsoft) Name() string { return "microsoft" }

// LoginURL は認可URLを生成する。
func (m *Microsoft) LoginURL(state string) string {
	return m.loginURL(state, oauth2.SetAuthURLParam("response_mode", "query"))
}

// Exchange は認可コードをトークンに交換する。
func (m *Microsoft) Exchange(ctx context.Context, code string) (*Tokens, error) {
	return m.exchange(ctx, code)
}

// VerifyToken はIDトークンのaudienceと有効期限を検証する。
// IDトークンはTLS経由でトークンエンドポイントから直接受け取ったものに限るため、
// 署名検証は行わない。
func (m *Microsoft) VerifyToken(_ context.Context, tokens *Tokens) (map[string]any, error) {
	if err := m.checkConfig(); err != nil {
		return nil, err
	}
	if tokens.IDToken == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("microsoft: id_token is missing"))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokens.IDToken, claims); err != nil {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, fmt.Errorf("microsoft id_token: %w", err))
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains([]string(aud), m.oauth.ClientID) {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("microsoft id_token: audience mismatch"))
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !m.now().Before(exp.Time) {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("microsoft id_token: expired or missing exp"))
	}
	return map[string]any(claims), nil
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// FetchProfile はGraph APIの/meからプロフィールを取得する。
// Graphの写真は認証付きエンドポイントのため画像URLは扱わない。
func (m *Microsoft) FetchProfile(ctx context.Context, tokens *Tokens, claims map[string]any) (*Profile, error) {
	var u graphUser
	if err := m.getJSON(ctx, m.profileURL, tokens.AccessToken, &u); err != nil {
		return nil, err
	}
	email := u.Mail
	if email == "" {
		email = claimString(claims, "email")
	}
	if email == "" {
		email = u.UserPrincipalName
	}
	name := u.DisplayName
	if name == "" {
		name = claimString(claims, "name")
	}
	return &Profile{
		Subject:  claimString(claims, "sub"),
		Email:    email,
		Username: name,
	}, nil
}

// ExtractIdentifiers は識別子候補を sub, oid, base64url(tid + "." + sub) の順で返す。
// 過去に別の形式で記録された識別子とも照合できるようにするため。
func (m *Microsoft) ExtractIdentifiers(claims map[string]any) ([]string, error) {
	sub := claimString(claims, "sub")
	if sub == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("microsoft: sub claim is missing"))
	}
	candidates := []string{sub}
	if oid := claimString(claims, "oid"); oid != "" && oid != sub {
		candidates = append(candidates, oid)
	}
	if tid := claimString(claims, "tid"); tid != "" {
		composite := base64.RawURLEncoding.EncodeToString([]byte(tid + "." + sub))
		candidates = append(candidates, composite)
	}
	return candidates, nil
}

var _ AuthProvider = (*Microsoft)(nil)
