package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/keystone/internal/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T, c *clock, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(c.now)}, opts...)
	svc, err := NewService("test-secret", opts...)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestNewService_RequiresSecret(t *testing.T) {
	if _, err := NewService(""); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAccessToken_RoundTrip(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, c)

	for _, guid := range []string{"8d0c7c5e-1b7e-4c1e-9f1a-0d5b2f7c3a11", "u", "user-with-ümlaut"} {
		issued, err := svc.IssueAccessToken(guid)
		if err != nil {
			t.Fatalf("IssueAccessToken() error = %v", err)
		}
		if !issued.ExpiresAt.Equal(c.t.Add(DefaultAccessTTL)) {
			t.Errorf("ExpiresAt = %v", issued.ExpiresAt)
		}
		claims, err := svc.VerifyAccessToken(issued.Token)
		if err != nil {
			t.Fatalf("VerifyAccessToken() error = %v", err)
		}
		if claims.UserGUID != guid {
			t.Errorf("UserGUID = %q, want %q", claims.UserGUID, guid)
		}
	}
}

func TestAccessToken_DeviceBinding(t *testing.T) {
	c := &clock{t: time.Now()}
	svc := newTestService(t, c)

	issued, err := svc.IssueDeviceAccessToken("user-1", DeviceBinding{SessionGUID: "s-1", DeviceGUID: "d-1"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.VerifyAccessToken(issued.Token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.SessionGUID != "s-1" || claims.DeviceGUID != "d-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestAccessToken_Expiry(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, c, WithAccessTTL(10*time.Minute))

	issued, err := svc.IssueAccessToken("user-1")
	if err != nil {
		t.Fatal(err)
	}

	c.t = c.t.Add(9 * time.Minute)
	if _, err := svc.VerifyAccessToken(issued.Token); err != nil {
		t.Fatalf("before expiry: error = %v", err)
	}

	c.t = c.t.Add(2 * time.Minute)
	_, err = svc.VerifyAccessToken(issued.Token)
	if !model.IsKind(err, model.KindUnauthenticated) {
		t.Fatalf("after expiry: error = %v, want unauthenticated", err)
	}
}

func TestVerifyAccessToken_Rejects(t *testing.T) {
	c := &clock{t: time.Now()}
	svc := newTestService(t, c)
	other, _ := NewService("other-secret", WithClock(c.now))

	foreign, _ := other.IssueAccessToken("user-1")
	rotation, _ := svc.IssueRotationToken("user-1", "s-1")

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	exp := jwt.NewNumericDate(c.t.Add(time.Hour))

	tests := []struct {
		name string
		tok  string
	}{
		{"空", ""},
		{"形式不正", "not-a-jwt"},
		{"別の鍵で署名", foreign.Token},
		{"ローテーショントークンはbearerに使えない", rotation.Token},
		{"subjectなし", sign(claims{Type: typeAccess, RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer, ExpiresAt: exp}}, jwt.SigningMethodHS256, []byte("test-secret"))},
		{"有効期限なし", sign(claims{Type: typeAccess, RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer, Subject: "u"}}, jwt.SigningMethodHS256, []byte("test-secret"))},
		{"アルゴリズム不一致", sign(claims{Type: typeAccess, RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer, Subject: "u", ExpiresAt: exp}}, jwt.SigningMethodHS512, []byte("test-secret"))},
		{"発行者不一致", sign(claims{Type: typeAccess, RegisteredClaims: jwt.RegisteredClaims{Issuer: "evil", Subject: "u", ExpiresAt: exp}}, jwt.SigningMethodHS256, []byte("test-secret"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.VerifyAccessToken(tt.tok)
			if claims != nil {
				t.Errorf("claims = %+v, want nil", claims)
			}
			if !model.IsKind(err, model.KindUnauthenticated) {
				t.Errorf("error = %v, want unauthenticated", err)
			}
		})
	}
}

func TestRotationToken(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(t, c, WithRotationTTL(2*time.Hour))

	rt, err := svc.IssueRotationToken("user-1", "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Key) != 64 {
		t.Errorf("key length = %d, want 64", len(rt.Key))
	}

	decoded, err := svc.DecodeRotationToken(rt.Token)
	if err != nil {
		t.Fatalf("DecodeRotationToken() error = %v", err)
	}
	if decoded.UserGUID != "user-1" || decoded.SessionGUID != "s-1" || decoded.Key != rt.Key {
		t.Errorf("decoded = %+v", decoded)
	}

	// アクセストークンはローテーショントークンとして使えない
	access, _ := svc.IssueAccessToken("user-1")
	if _, err := svc.DecodeRotationToken(access.Token); !model.IsKind(err, model.KindUnauthenticated) {
		t.Errorf("access as rotation: error = %v", err)
	}

	c.t = c.t.Add(3 * time.Hour)
	if _, err := svc.DecodeRotationToken(rt.Token); !model.IsKind(err, model.KindUnauthenticated) {
		t.Errorf("expired rotation: error = %v", err)
	}
}

func TestRotationToken_KeysAreUnique(t *testing.T) {
	svc := newTestService(t, &clock{t: time.Now()})
	a, _ := svc.IssueRotationToken("user-1", "s-1")
	b, _ := svc.IssueRotationToken("user-1", "s-1")
	if a.Key == b.Key || Hash(a.Key) == Hash(b.Key) {
		t.Error("rotation keys must differ per issuance")
	}
}
