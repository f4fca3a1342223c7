package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTextSanitizer_Sanitize(t *testing.T) {
	s := NewTextSanitizer(0)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"プレーンテキストはそのまま", "Alice Smith", "Alice Smith"},
		{"タグを除去", "<b>Alice</b><script>alert(1)</script>", "Alice"},
		{"エンティティを戻す", "Tom & Jerry", "Tom & Jerry"},
		{"空白をまとめる", "  Alice \n\t Smith  ", "Alice Smith"},
		{"日本語", "山田 太郎", "山田 太郎"},
		{"空文字", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Truncates(t *testing.T) {
	s := NewTextSanitizer(5)
	got := s.Sanitize(strings.Repeat("あ", 10))
	if utf8.RuneCountInString(got) != 5 {
		t.Errorf("Sanitize() = %q, want 5 runes", got)
	}
}
