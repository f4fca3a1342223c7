// Package token はアクセストークンとローテーショントークンの署名・検証を提供する。
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	typeAccess   = "access"
	typeRotation = "rotation"

	DefaultAccessTTL   = 15 * time.Minute
	DefaultRotationTTL = 12 * time.Hour
	DefaultIssuer      = "keystone"
)

// claims はトークンのJWTクレーム。typで用途を区別する。
type claims struct {
	Type      string `json:"typ"`
	SessionID string `json:"sid,omitempty"`
	DeviceID  string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// Issued は発行済みトークンを表す。
type Issued struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// DeviceBinding はアクセストークンに埋め込むセッション・端末の識別子。
type DeviceBinding struct {
	SessionGUID string
	DeviceGUID  string
}

// AccessClaims は検証済みアクセストークンの内容。
type AccessClaims struct {
	UserGUID    string
	SessionGUID string
	DeviceGUID  string
	ExpiresAt   time.Time
}

// RotationToken は発行済みローテーショントークン。Keyのハッシュのみを永続化する。
type RotationToken struct {
	Token     string
	Key       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RotationClaims は検証済みローテーショントークンの内容。
type RotationClaims struct {
	UserGUID    string
	SessionGUID string
	Key         string
	ExpiresAt   time.Time
}

// Service はHS256でトークンを署名・検証する。署名鍵以外の状態は持たない。
type Service struct {
	secret      []byte
	accessTTL   time.Duration
	rotationTTL time.Duration
	issuer      string
	now         func() time.Time
}

// Option はServiceのオプション。
type Option func(*Service)

// WithAccessTTL はアクセストークンの有効期間を設定する。
func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) { s.accessTTL = d }
}

// WithRotationTTL はローテーショントークンの有効期間を設定する。
func WithRotationTTL(d time.Duration) Option {
	return func(s *Service) { s.rotationTTL = d }
}

// WithIssuer は発行者を設定する。
func WithIssuer(iss string) Option {
	return func(s *Service) { s.issuer = iss }
}

// WithClock は時刻取得関数を設定する。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService はServiceを生成する。
func NewService(secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	s := &Service{
		secret:      []byte(secret),
		accessTTL:   DefaultAccessTTL,
		rotationTTL: DefaultRotationTTL,
		issuer:      DefaultIssuer,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccessToken はユーザーのアクセストークンを発行する。
func (s *Service) IssueAccessToken(userGUID string) (Issued, error) {
	return s.IssueDeviceAccessToken(userGUID, DeviceBinding{})
}

// IssueDeviceAccessToken はセッション・端末の識別子を埋め込んだアクセストークンを発行する。
func (s *Service) IssueDeviceAccessToken(userGUID string, b DeviceBinding) (Issued, error) {
	if userGUID == "" {
		return Issued{}, errors.New("user guid is required")
	}
	now := s.now().Truncate(time.Second)
	exp := now.Add(s.accessTTL)
	c := claims{
		Type:      typeAccess,
		SessionID: b.SessionGUID,
		DeviceID:  b.DeviceGUID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userGUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := s.sign(c)
	if err != nil {
		return Issued{}, err
	}
	return Issued{Token: signed, IssuedAt: now, ExpiresAt: exp}, nil
}

// VerifyAccessToken はアクセストークンを検証する。
// 署名不正・subject欠落・有効期限の欠落または経過・ローテーショントークンの提示はUnauthenticatedとなる。
func (s *Service) VerifyAccessToken(tok string) (*AccessClaims, error) {
	c, err := s.parse(tok, typeAccess)
	if err != nil {
		return nil, err
	}
	return &AccessClaims{
		UserGUID:    c.Subject,
		SessionGUID: c.SessionID,
		DeviceGUID:  c.DeviceID,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

// IssueRotationToken はローテーショントークンを発行する。
// トークン自体は他のトークンを埋め込まず、ランダムな鍵をjtiに持つ。
func (s *Service) IssueRotationToken(userGUID, sessionGUID string) (RotationToken, error) {
	if userGUID == "" {
		return RotationToken{}, errors.New("user guid is required")
	}
	key, err := randomKey()
	if err != nil {
		return RotationToken{}, err
	}
	now := s.now().Truncate(time.Second)
	exp := now.Add(s.rotationTTL)
	c := claims{
		Type:      typeRotation,
		SessionID: sessionGUID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userGUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        key,
		},
	}
	signed, err := s.sign(c)
	if err != nil {
		return RotationToken{}, err
	}
	return RotationToken{Token: signed, Key: key, IssuedAt: now, ExpiresAt: exp}, nil
}

// DecodeRotationToken はローテーショントークンを検証する。
func (s *Service) DecodeRotationToken(tok string) (*RotationClaims, error) {
	c, err := s.parse(tok, typeRotation)
	if err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeInvalidToken, errors.New("rotation token has no key"))
	}
	return &RotationClaims{
		UserGUID:    c.Subject,
		SessionGUID: c.SessionID,
		Key:         c.ID,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}

// Hash はトークン・鍵の保存用ハッシュ（SHA-256の16進表現）を返す。
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (s *Service) sign(c claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", c.Type, err)
	}
	return signed, nil
}

func (s *Service) parse(tok, wantType string) (*claims, error) {
	if tok == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, errors.New("token is empty"))
	}
	c := &claims{}
	_, err := jwt.ParseWithClaims(tok, c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, model.NewUnauthenticatedError(model.ErrCodeInvalidToken, err)
	}
	if c.Type != wantType {
		return nil, model.NewUnauthenticatedError(model.ErrCodeInvalidToken,
			fmt.Errorf("expected %s token, got %q", wantType, c.Type))
	}
	if c.Subject == "" {
		return nil, model.NewUnauthenticatedError(model.ErrCodeInvalidToken, errors.New("token has no subject"))
	}
	return c, nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate rotation key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
