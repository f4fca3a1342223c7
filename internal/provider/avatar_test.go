package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

func TestAvatarFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write([]byte("\x89PNG"))
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case "/big.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/slow.png":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewAvatarFetcher(nil, 100*time.Millisecond, 32)
	ctx := context.Background()

	avatar, err := f.Fetch(ctx, srv.URL+"/ok.png")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if avatar.MimeType != "image/png" || string(avatar.Data) != "\x89PNG" {
		t.Errorf("avatar = %+v", avatar)
	}

	for _, path := range []string{"/page", "/big.png", "/missing.png", ""} {
		url := srv.URL + path
		if path == "" {
			url = ""
		}
		if _, err := f.Fetch(ctx, url); err == nil {
			t.Errorf("Fetch(%q) expected error", path)
		}
	}

	_, err = f.Fetch(ctx, srv.URL+"/slow.png")
	if apiErr := model.AsAPIError(err); apiErr.Code != model.ErrCodeProviderTimeout {
		t.Errorf("slow fetch error = %v, want PROVIDER_TIMEOUT", err)
	}
}

type rejectingGuard struct{}

func (rejectingGuard) NewSafeClient(timeout time.Duration, _ int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (rejectingGuard) ValidateURL(string) error {
	return http.ErrNotSupported
}

func TestAvatarFetcher_GuardRejects(t *testing.T) {
	f := NewAvatarFetcher(rejectingGuard{}, time.Second, 1024)
	if _, err := f.Fetch(context.Background(), "http://169.254.169.254/latest"); err == nil {
		t.Error("expected guard rejection")
	}
}
