package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	defaultAvatarTimeout  = 3 * time.Second
	defaultAvatarMaxBytes = 1 << 20
)

// SafeClientFactory はSSRF対策済みのHTTPクライアントを生成する。
type SafeClientFactory interface {
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
	ValidateURL(rawURL string) error
}

// Avatar は取得したプロフィール画像。
type Avatar struct {
	Data     []byte
	MimeType string
}

// AvatarFetcher はプロフィール画像を取得する。
type AvatarFetcher struct {
	guard    SafeClientFactory
	timeout  time.Duration
	maxBytes int64
}

// NewAvatarFetcher はAvatarFetcherを生成する。guardがnilの場合は通常のクライアントを使う。
func NewAvatarFetcher(guard SafeClientFactory, timeout time.Duration, maxBytes int64) *AvatarFetcher {
	if timeout <= 0 {
		timeout = defaultAvatarTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultAvatarMaxBytes
	}
	return &AvatarFetcher{guard: guard, timeout: timeout, maxBytes: maxBytes}
}

// Fetch は画像を取得する。タイムアウトはPROVIDER_TIMEOUT、その他の失敗はPROVIDER_UNAVAILABLEとなる。
// 呼び出し側は失敗時も処理を継続できる。
func (f *AvatarFetcher) Fetch(ctx context.Context, rawURL string) (*Avatar, error) {
	if rawURL == "" {
		return nil, errors.New("avatar url is empty")
	}
	if f.guard != nil {
		if err := f.guard.ValidateURL(rawURL); err != nil {
			return nil, fmt.Errorf("avatar url rejected: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create avatar request: %w", err)
	}
	req.Header.Set("User-Agent", "Keystone/1.0")

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, avatarError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewUpstreamError(model.ErrCodeProviderUnavailable,
			fmt.Errorf("avatar fetch failed with status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, avatarError(err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("avatar exceeds %d bytes", f.maxBytes)
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("avatar has non-image content type %q", mimeType)
	}
	return &Avatar{Data: body, MimeType: mimeType}, nil
}

func (f *AvatarFetcher) client() *http.Client {
	if f.guard != nil {
		return f.guard.NewSafeClient(f.timeout, f.maxBytes)
	}
	return &http.Client{Timeout: f.timeout}
}

func avatarError(err error) error {
	if isTimeout(err) {
		return model.NewUpstreamError(model.ErrCodeProviderTimeout, fmt.Errorf("avatar fetch: %w", err))
	}
	return model.NewUpstreamError(model.ErrCodeProviderUnavailable, fmt.Errorf("avatar fetch: %w", err))
}

// extractMimeType はContent-Typeヘッダーからメディアタイプを抽出する。
func extractMimeType(contentType string) string {
	parts := strings.SplitN(contentType, ";", 2)
	return strings.TrimSpace(strings.ToLower(parts[0]))
}
