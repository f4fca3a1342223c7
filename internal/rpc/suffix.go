package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	// ViewSuffix は代替レンダリングを要求する組み込みサフィックス。引数はcontextとcontextVersion。
	ViewSuffix = "view"

	DefaultViewContext = "default"
	DefaultViewVersion = "1"
)

// SuffixFunc はサフィックスによるレスポンス後処理。
type SuffixFunc func(ctx context.Context, op Operation, args []string, resp *model.Envelope) error

type suffixDef struct {
	arity int
	apply SuffixFunc
}

// SuffixRegistry はサフィックス名と位置引数の数を管理する。登録は起動時に行う。
type SuffixRegistry struct {
	mu   sync.RWMutex
	defs map[string]suffixDef
}

// NewSuffixRegistry は組み込みのviewサフィックスを登録済みのSuffixRegistryを生成する。
func NewSuffixRegistry() *SuffixRegistry {
	return &SuffixRegistry{
		defs: map[string]suffixDef{ViewSuffix: {arity: 2}},
	}
}

// Register はサフィックスを登録する。
func (r *SuffixRegistry) Register(name string, arity int, fn SuffixFunc) error {
	if name == "" || arity < 0 {
		return fmt.Errorf("invalid suffix definition %q/%d", name, arity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[name]; ok {
		return fmt.Errorf("suffix %q already registered", name)
	}
	r.defs[name] = suffixDef{arity: arity, apply: fn}
	return nil
}

// Arity はサフィックスの引数の数を返す。
func (r *SuffixRegistry) Arity(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d.arity, ok
}

func (r *SuffixRegistry) get(name string) (suffixDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Formatter はハンドラー結果を別の表現に変換する。
type Formatter func(ctx context.Context, op Operation, payload map[string]any) (map[string]any, error)

type formatterKey struct {
	baseOp  string
	context string
	variant string
}

// FormatterRegistry は(baseOp, context, variant)をキーにFormatterを管理する。
type FormatterRegistry struct {
	mu         sync.RWMutex
	formatters map[formatterKey]Formatter
}

// NewFormatterRegistry はFormatterRegistryを生成する。
func NewFormatterRegistry() *FormatterRegistry {
	return &FormatterRegistry{formatters: make(map[formatterKey]Formatter)}
}

// Register はFormatterを登録する。variantが空文字の場合はcontext全体のFormatterになる。
func (r *FormatterRegistry) Register(baseOp, context, variant string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[formatterKey{baseOp, context, variant}] = f
}

// Lookup はFormatterを検索する。variant指定で見つからない場合はvariant空のFormatterを返す。
func (r *FormatterRegistry) Lookup(baseOp, context, variant string) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.formatters[formatterKey{baseOp, context, variant}]; ok {
		return f, true
	}
	f, ok := r.formatters[formatterKey{baseOp, context, ""}]
	return f, ok
}

// SuffixProcessor はサフィックスに従ってレスポンスを後処理する。
type SuffixProcessor struct {
	suffixes   *SuffixRegistry
	formatters *FormatterRegistry
}

// NewSuffixProcessor はSuffixProcessorを生成する。
func NewSuffixProcessor(suffixes *SuffixRegistry, formatters *FormatterRegistry) *SuffixProcessor {
	return &SuffixProcessor{suffixes: suffixes, formatters: formatters}
}

// Apply はサフィックスを順に適用する。
// viewが指定されていない場合はview:default:1を合成して適用し、opの末尾に付け足す。
// viewが指定された場合はopを要求されたままの識別子に戻す。
func (p *SuffixProcessor) Apply(ctx context.Context, op Operation, resp *model.Envelope) (*model.Envelope, error) {
	explicitView := false
	for _, call := range op.Suffixes {
		if call.Name == ViewSuffix {
			explicitView = true
			if err := p.applyView(ctx, op, call.Args[0], call.Args[1], resp); err != nil {
				return nil, err
			}
			continue
		}
		def, ok := p.suffixes.get(call.Name)
		if !ok {
			return nil, model.NewProtocolError(model.ErrCodeUnknownSuffix, fmt.Sprintf("unknown suffix %q", call.Name))
		}
		if def.apply != nil {
			if err := def.apply(ctx, op, call.Args, resp); err != nil {
				return nil, err
			}
		}
	}

	if explicitView {
		resp.Op = op.Raw
		return resp, nil
	}

	if err := p.applyView(ctx, op, DefaultViewContext, DefaultViewVersion, resp); err != nil {
		return nil, err
	}
	resp.Op = op.Raw + separator + ViewSuffix + separator + DefaultViewContext + separator + DefaultViewVersion
	return resp, nil
}

func (p *SuffixProcessor) applyView(ctx context.Context, op Operation, viewContext, variant string, resp *model.Envelope) error {
	f, ok := p.formatters.Lookup(op.Base(), viewContext, variant)
	if !ok {
		if viewContext == DefaultViewContext {
			return nil
		}
		return model.NewUnknownOperationError(fmt.Sprintf("%s (view %s:%s)", op.Base(), viewContext, variant))
	}
	payload, err := f(ctx, op, resp.Payload)
	if err != nil {
		return err
	}
	resp.Payload = payload
	return nil
}
