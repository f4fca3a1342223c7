// Package provider はOAuthプロバイダーごとのトークン交換・検証・プロフィール取得を提供する。
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// Tokens はプロバイダーのトークンエンドポイントから得たトークン。
type Tokens struct {
	AccessToken string
	IDToken     string
}

// Profile はプロバイダーから取得したプロフィール。
type Profile struct {
	Subject  string
	Email    string
	Username string
	Picture  string
}

// AuthProvider はOAuthプロバイダーのインターフェース。
// 認可コードの交換、トークンの検証、プロフィール取得、識別子の正規化を行う。
type AuthProvider interface {
	// Name はプロバイダー名（"google" 等）を返す。
	Name() string
	// LoginURL は認可エンドポイントのURLを生成する。
	LoginURL(state string) string
	// Exchange は認可コードをトークンに交換する。
	Exchange(ctx context.Context, code string) (*Tokens, error)
	// VerifyToken はトークンを検証し、本人性のクレームを返す。
	VerifyToken(ctx context.Context, tokens *Tokens) (map[string]any, error)
	// FetchProfile はプロフィールを取得する。
	FetchProfile(ctx context.Context, tokens *Tokens, claims map[string]any) (*Profile, error)
	// ExtractIdentifiers はクレームから正規化済み識別子の候補を優先順に返す。
	// 同じクレームからは常に同じ候補列を返す。
	ExtractIdentifiers(claims map[string]any) ([]string, error)
}

// Config はOAuthクライアントの設定。
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なエンドポイント
	AuthURL    string
	TokenURL   string
	ProfileURL string
}

// Set は有効なプロバイダーを名前で引く。
type Set struct {
	providers map[string]AuthProvider
}

// NewSet はSetを生成する。
func NewSet(providers ...AuthProvider) *Set {
	s := &Set{providers: make(map[string]AuthProvider, len(providers))}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// Get はプロバイダーを返す。未登録の場合はUnknownOperationとなる。
func (s *Set) Get(name string) (AuthProvider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, model.NewUnknownOperationError(fmt.Sprintf("provider %q", name))
	}
	return p, nil
}

// Names は有効なプロバイダー名を昇順で返す。
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func claimString(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return v
}
