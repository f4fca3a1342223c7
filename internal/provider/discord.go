package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	defaultDiscordAuthURL    = "https://discord.com/oauth2/authorize"
	defaultDiscordTokenURL   = "https://discord.com/api/oauth2/token"
	defaultDiscordProfileURL = "https://discord.com/api/users/@me"
	discordCDN               = "https://cdn.discordapp.com"
)

// Discord はDiscord OAuth2による認証を提供する。IDトークンは発行されないため、
// アクセストークンで/users/@meを取得できたことを本人性の確認とする。
type Discord struct {
	*exchanger
	profileURL string
}

// NewDiscord はDiscordプロバイダーを生成する。
func NewDiscord(cfg Config) *Discord {
	profileURL := cfg.ProfileURL
	if profileURL == "" {
		profileURL = defaultDiscordProfileURL
	}
	return &Discord{
		exchanger: newExchanger("discord", cfg, oauth2.Endpoint{
			AuthURL:   defaultDiscordAuthURL,
			TokenURL:  defaultDiscordTokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}, []string{"identify", "email"}),
		profileURL: profileURL,
	}
}

// Name はプロバイダー名を返す。
func (d *Discord) Name() string { return "discord" }

// LoginURL は認可URLを生成する。
func (d *Discord) LoginURL(state string) string {
	return d.loginURL(state, oauth2.SetAuthURLParam("prompt", "none"))
}

// Exchange は認可コードをトークンに交換する。
func (d *Discord) Exchange(ctx context.Context, code string) (*Tokens, error) {
	return d.exchange(ctx, code)
}

type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
	Avatar     string `json:"avatar"`
}

// VerifyToken は/users/@meの応答をクレームとして返す。
func (d *Discord) VerifyToken(ctx context.Context, tokens *Tokens) (map[string]any, error) {
	if err := d.checkConfig(); err != nil {
		return nil, err
	}
	if tokens.AccessToken == "" {
		return nil, model.NewUpstreamError(model.ErrCodeProviderUnavailable, errors.New("discord: access token is missing"))
	}
	var u discordUser
	if err := d.getJSON(ctx, d.profileURL, tokens.AccessToken, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("discord: user id is missing"))
	}
	return map[string]any{
		"id":          u.ID,
		"username":    u.Username,
		"global_name": u.GlobalName,
		"email":       u.Email,
		"avatar":      u.Avatar,
	}, nil
}

// FetchProfile はVerifyTokenで得たクレームからプロフィールを組み立てる。
func (d *Discord) FetchProfile(_ context.Context, _ *Tokens, claims map[string]any) (*Profile, error) {
	id := claimString(claims, "id")
	name := claimString(claims, "global_name")
	if name == "" {
		name = claimString(claims, "username")
	}
	var picture string
	if avatar := claimString(claims, "avatar"); avatar != "" {
		picture = fmt.Sprintf("%s/avatars/%s/%s.png", discordCDN, id, avatar)
	}
	return &Profile{
		Subject:  id,
		Email:    claimString(claims, "email"),
		Username: name,
		Picture:  picture,
	}, nil
}

// ExtractIdentifiers はDiscordのユーザーIDを識別子とする。
func (d *Discord) ExtractIdentifiers(claims map[string]any) ([]string, error) {
	id := claimString(claims, "id")
	if id == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("discord: id claim is missing"))
	}
	return []string{id}, nil
}

var _ AuthProvider = (*Discord)(nil)
