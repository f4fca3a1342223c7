package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxTextRunes は表示名などの短いテキストの最大文字数。
const DefaultMaxTextRunes = 64

// TextSanitizer はプロバイダー由来のテキストからマークアップと制御文字を除去する。
// bluemondayのStrictPolicyは全てのタグを除去する。
type TextSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer(maxRunes int) *TextSanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxTextRunes
	}
	return &TextSanitizer{policy: bluemonday.StrictPolicy(), maxRunes: maxRunes}
}

// Sanitize はタグを除去し、空白を1つにまとめ、最大文字数で切り詰める。
func (s *TextSanitizer) Sanitize(raw string) string {
	// StrictPolicyは&等をエスケープして返すため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > s.maxRunes {
		text = strings.TrimSpace(string(runes[:s.maxRunes]))
	}
	return text
}
