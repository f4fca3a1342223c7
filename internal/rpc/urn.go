// Package rpc はURN形式のオペレーション識別子によるRPCディスパッチを提供する。
package rpc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	urnScheme = "urn"
	separator = ":"
)

// Domain はオペレーションのトップレベルドメイン。
type Domain string

const (
	DomainPublic Domain = "public"
	DomainAuth   Domain = "auth"
	DomainRole   Domain = "role"
	DomainUser   Domain = "user"
	DomainConfig Domain = "config"
	DomainNav    Domain = "nav"
	DomainRoute  Domain = "route"
	DomainBlob   Domain = "blob"
)

var knownDomains = map[Domain]struct{}{
	DomainPublic: {}, DomainAuth: {}, DomainRole: {}, DomainUser: {},
	DomainConfig: {}, DomainNav: {}, DomainRoute: {}, DomainBlob: {},
}

// ParseDomain は文字列を既知のドメインに変換する。
func ParseDomain(s string) (Domain, bool) {
	d := Domain(s)
	_, ok := knownDomains[d]
	return d, ok
}

// Exempt はロール強制の対象外（匿名アクセス可）のドメインかを返す。
func (d Domain) Exempt() bool {
	return d == DomainPublic || d == DomainAuth
}

// SuffixCall は解析済みのサフィックス（名前と位置引数）。
type SuffixCall struct {
	Name string
	Args []string
}

// Operation は解析済みのオペレーション識別子。
type Operation struct {
	Raw      string
	Domain   Domain
	Path     []string // ドメインより後ろ、サフィックスより前のセグメント。末尾2つがverbとversion。
	Version  int
	Suffixes []SuffixCall
}

// Verb は動詞セグメントを返す。
func (o Operation) Verb() string {
	return o.Path[len(o.Path)-2]
}

// Key はドメイン内のサブルーティング用キー（例: "session:logout:1"）を返す。
func (o Operation) Key() string {
	return strings.Join(o.Path, separator)
}

// Base はサフィックスを除いたオペレーション識別子を返す。
func (o Operation) Base() string {
	return urnScheme + separator + string(o.Domain) + separator + o.Key()
}

// Suffix は指定名の最初のサフィックスを返す。
func (o Operation) Suffix(name string) (SuffixCall, bool) {
	for _, s := range o.Suffixes {
		if s.Name == name {
			return s, true
		}
	}
	return SuffixCall{}, false
}

// Parse はオペレーション識別子を解析する。
// サフィックスの開始位置は、version（整数）の直後に現れる最初の登録済みサフィックス名とする。
func Parse(raw string, suffixes *SuffixRegistry) (Operation, error) {
	segs := strings.Split(raw, separator)
	if segs[0] != urnScheme {
		return Operation{}, model.NewProtocolError(model.ErrCodeMalformedOperation, "operation must start with \"urn\"")
	}
	if len(segs) < 4 {
		return Operation{}, model.NewProtocolError(model.ErrCodeMalformedOperation, "operation requires domain, verb and version")
	}
	for _, s := range segs {
		if s == "" {
			return Operation{}, model.NewProtocolError(model.ErrCodeMalformedOperation, "empty segment")
		}
	}

	split := len(segs)
	for i := 4; i < len(segs); i++ {
		if _, ok := suffixes.Arity(segs[i]); !ok {
			continue
		}
		if isInt(segs[i-1]) {
			split = i
			break
		}
	}

	if split == len(segs) && !isInt(segs[split-1]) {
		// 未登録サフィックスはversion直後で切り出し、サフィックス解析でエラーにする。
		for i := 4; i < len(segs); i++ {
			if isInt(segs[i-1]) {
				split = i
				break
			}
		}
	}

	base := segs[:split]
	version, err := strconv.Atoi(base[len(base)-1])
	if err != nil || version < 1 {
		return Operation{}, model.NewProtocolError(model.ErrCodeMalformedOperation,
			fmt.Sprintf("invalid version %q", base[len(base)-1]))
	}

	calls, err := parseSuffixes(segs[split:], suffixes)
	if err != nil {
		return Operation{}, err
	}

	return Operation{
		Raw:      raw,
		Domain:   Domain(base[1]),
		Path:     append([]string(nil), base[2:]...),
		Version:  version,
		Suffixes: calls,
	}, nil
}

func parseSuffixes(tail []string, suffixes *SuffixRegistry) ([]SuffixCall, error) {
	var calls []SuffixCall
	seen := make(map[string]bool)
	for i := 0; i < len(tail); {
		name := tail[i]
		arity, ok := suffixes.Arity(name)
		if !ok {
			return nil, model.NewProtocolError(model.ErrCodeUnknownSuffix, fmt.Sprintf("unknown suffix %q", name))
		}
		if seen[name] {
			return nil, model.NewProtocolError(model.ErrCodeMalformedOperation, fmt.Sprintf("duplicate suffix %q", name))
		}
		if i+1+arity > len(tail) {
			return nil, model.NewProtocolError(model.ErrCodeSuffixArity,
				fmt.Sprintf("suffix %q takes %d args, got %d", name, arity, len(tail)-i-1))
		}
		seen[name] = true
		calls = append(calls, SuffixCall{Name: name, Args: append([]string(nil), tail[i+1:i+1+arity]...)})
		i += 1 + arity
	}
	return calls, nil
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
