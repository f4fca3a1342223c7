package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	defaultTimeout  = 10 * time.Second
	maxProfileBytes = 1 << 20
)

// exchanger は認可コードフローの共通処理。
type exchanger struct {
	name    string
	oauth   oauth2.Config
	timeout time.Duration
	client  *http.Client
}

func newExchanger(name string, cfg Config, endpoint oauth2.Endpoint, scopes []string) *exchanger {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &exchanger{
		name: name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (e *exchanger) loginURL(state string, opts ...oauth2.AuthCodeOption) string {
	return e.oauth.AuthCodeURL(state, opts...)
}

// checkConfig はネットワーク呼び出しの前に設定不備を検出する。
func (e *exchanger) checkConfig() error {
	if e.oauth.ClientID == "" || e.oauth.ClientSecret == "" {
		return model.NewUpstreamError(model.ErrCodeProviderMisconfigured,
			fmt.Errorf("%s: client id or secret is not configured", e.name))
	}
	return nil
}

// exchange は認可コードをトークンに交換する。
// プロバイダーの4xx応答はUnauthenticated、タイムアウト・その他の失敗はUpstreamFailureとなる。
func (e *exchanger) exchange(ctx context.Context, code string) (*Tokens, error) {
	if err := e.checkConfig(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeProviderRejected, errors.New("authorization code is empty"))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	tok, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, e.classify("token exchange", err)
	}
	if tok.AccessToken == "" {
		return nil, model.NewUpstreamError(model.ErrCodeProviderUnavailable,
			fmt.Errorf("%s: token response has no access token", e.name))
	}
	idToken, _ := tok.Extra("id_token").(string)
	return &Tokens{AccessToken: tok.AccessToken, IDToken: idToken}, nil
}

func (e *exchanger) classify(step string, err error) error {
	if isTimeout(err) {
		return model.NewUpstreamError(model.ErrCodeProviderTimeout, fmt.Errorf("%s %s: %w", e.name, step, err))
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil &&
		re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
		return model.NewUnauthenticatedError(model.ErrCodeProviderRejected, fmt.Errorf("%s %s: %w", e.name, step, err))
	}
	return model.NewUpstreamError(model.ErrCodeProviderUnavailable, fmt.Errorf("%s %s: %w", e.name, step, err))
}

// getJSON はアクセストークン付きでJSONを取得する。
func (e *exchanger) getJSON(ctx context.Context, url, accessToken string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return e.classify("profile request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return e.classify("profile read", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.NewUnauthenticatedError(model.ErrCodeProviderRejected,
			fmt.Errorf("%s profile request rejected with status %d", e.name, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return model.NewUpstreamError(model.ErrCodeProviderUnavailable,
			fmt.Errorf("%s profile request failed with status %d: %s", e.name, resp.StatusCode, string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return model.NewUpstreamError(model.ErrCodeProviderUnavailable,
			fmt.Errorf("failed to parse %s profile response: %w", e.name, err))
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
