package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// Hint はHTTP以外の呼び出し元（チャットプラットフォーム等）が渡す本人性のヒント。
type Hint struct {
	Platform   string
	ExternalID string
}

// TransportContext はトランスポートに依存しない認証材料。
type TransportContext struct {
	BearerToken string
	Hint        *Hint
	Client      model.ClientInfo
}

// Invocation はプロセス内呼び出しの入力。
type Invocation struct {
	Op      string
	Payload map[string]any
	Hint    Hint
}

// AuthResolver はTransportContextからAuthContextを構築する。
// 失敗時に部分的なAuthContextを返してはならない。
type AuthResolver interface {
	Resolve(ctx context.Context, tc TransportContext) (model.AuthContext, error)
}

// Observer はディスパッチ結果の観測者。メトリクス用。
type Observer interface {
	ObserveDispatch(domain, outcome string, elapsed time.Duration)
}

// Dispatcher はオペレーション識別子を解析し、認証・ロール検査の後にドメインハンドラーを呼び出す。
// リクエストをまたぐ可変状態は持たない。
type Dispatcher struct {
	domains   *DomainRegistry
	suffixes  *SuffixRegistry
	processor *SuffixProcessor
	resolver  AuthResolver
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// Option はDispatcherのオプション。
type Option func(*Dispatcher)

// WithObserver はディスパッチ結果の観測者を設定する。
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock はレスポンスのタイムスタンプに使う時計を設定する。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(domains *DomainRegistry, suffixes *SuffixRegistry, formatters *FormatterRegistry, resolver AuthResolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		domains:   domains,
		suffixes:  suffixes,
		processor: NewSuffixProcessor(suffixes, formatters),
		resolver:  resolver,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke はプロセス内の呼び出し元向けの入口。HintをもとにHTTPと同じ経路で認証する。
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) (*model.Envelope, error) {
	hint := inv.Hint
	return d.Dispatch(ctx, inv.Op, inv.Payload, TransportContext{Hint: &hint})
}

// Dispatch はオペレーションを実行し、レスポンスの封筒を返す。
// 失敗は操作識別子とともにログに記録し、そのまま呼び出し元へ返す。
func (d *Dispatcher) Dispatch(ctx context.Context, rawOp string, payload map[string]any, tc TransportContext) (*model.Envelope, error) {
	start := time.Now()
	domain := "unknown"

	resp, err := d.dispatch(ctx, rawOp, payload, tc, &domain)

	outcome := "ok"
	if err != nil {
		apiErr := model.AsAPIError(err)
		outcome = string(apiErr.Kind)
		d.logger.Warn("rpc dispatch failed",
			slog.String("op", rawOp),
			slog.String("domain", domain),
			slog.String("kind", string(apiErr.Kind)),
			slog.String("code", apiErr.Code),
			slog.Int("status", apiErr.StatusCode()),
			slog.Any("error", err),
		)
		err = apiErr
	}
	if d.observer != nil {
		d.observer.ObserveDispatch(domain, outcome, time.Since(start))
	}
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, rawOp string, payload map[string]any, tc TransportContext, domainLabel *string) (*model.Envelope, error) {
	op, err := Parse(rawOp, d.suffixes)
	if err != nil {
		return nil, err
	}

	if _, ok := ParseDomain(string(op.Domain)); !ok {
		return nil, model.NewUnknownDomainError(string(op.Domain))
	}
	entry, ok := d.domains.lookup(op.Domain)
	if !ok {
		return nil, model.NewUnknownDomainError(string(op.Domain))
	}
	*domainLabel = string(op.Domain)

	auth, err := d.authenticate(ctx, op.Domain, tc)
	if err != nil {
		return nil, err
	}
	if entry.requiredMask != 0 && !auth.RoleMask.Has(entry.requiredMask) {
		return nil, model.NewForbiddenError(model.ErrCodeForbidden, string(op.Domain))
	}

	if payload == nil {
		payload = map[string]any{}
	}
	req := &Request{
		Op:          op,
		Payload:     payload,
		Auth:        auth,
		BearerToken: tc.BearerToken,
		Client:      tc.Client,
	}
	result, err := entry.handler.Handle(ctx, req)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, model.NewUpstreamError(model.ErrCodeInternal, err)
	}
	if result == nil {
		result = map[string]any{}
	}

	resp := &model.Envelope{
		Op:        op.Raw,
		Payload:   result,
		Version:   op.Version,
		Timestamp: d.now(),
	}
	return d.processor.Apply(ctx, op, resp)
}

// authenticate は認証コンテキストを構築する。
// public/authドメインでは認証失敗時に匿名コンテキストへフォールバックし、
// それ以外のドメインでは匿名を拒否する。
func (d *Dispatcher) authenticate(ctx context.Context, domain Domain, tc TransportContext) (model.AuthContext, error) {
	auth, err := d.resolver.Resolve(ctx, tc)
	if err != nil {
		if domain.Exempt() && model.IsKind(err, model.KindUnauthenticated) {
			return model.AuthContext{Roles: []string{}}, nil
		}
		return model.AuthContext{}, err
	}
	if !domain.Exempt() && auth.IsAnonymous() {
		return model.AuthContext{}, model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, nil)
	}
	return auth, nil
}
