// Package memstore はリポジトリインターフェースのインメモリ実装を提供する。
// ユニットテストとシナリオテストで使用する。
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/repository"
)

// Store は全リポジトリを1つのロックで守るインメモリストア。
type Store struct {
	mu         sync.Mutex
	identities map[string]*model.Identity
	links      []*model.ProviderLink
	sessions   map[string]*model.Session // user_guid -> session
	devices    map[string]*model.Device
	roles      map[string]model.Role
	platform   map[string]string

	// TouchErr が設定されている場合、TouchDeviceはこのエラーを返す。
	TouchErr error
	// GrantErr が設定されている場合、Grantは何も書き込まずにこのエラーを返す。
	GrantErr error
}

var (
	_ repository.IdentityRepository     = (*Store)(nil)
	_ repository.SessionRepository      = (*Store)(nil)
	_ repository.RoleRepository         = (*Store)(nil)
	_ repository.PlatformLinkRepository = (*Store)(nil)
)

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		identities: make(map[string]*model.Identity),
		sessions:   make(map[string]*model.Session),
		devices:    make(map[string]*model.Device),
		roles:      make(map[string]model.Role),
		platform:   make(map[string]string),
	}
}

func copyIdentity(i *model.Identity) *model.Identity {
	c := *i
	return &c
}

func copyLink(l *model.ProviderLink) *model.ProviderLink {
	c := *l
	return &c
}

// Identities は保存済みIdentityの件数を返す。
func (s *Store) Identities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

// Devices はユーザーの全端末を返す。
func (s *Store) Devices(userGUID string) []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userGUID]
	if !ok {
		return nil
	}
	var out []model.Device
	for _, d := range s.devices {
		if d.SessionGUID == sess.GUID {
			out = append(out, *d)
		}
	}
	return out
}

// --- IdentityRepository ---

// FindByGUID はIdentityを返す。
func (s *Store) FindByGUID(_ context.Context, guid string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[guid]
	if !ok {
		return nil, nil
	}
	return copyIdentity(i), nil
}

func (s *Store) findLink(provider, identifier string, match func(*model.ProviderLink, *model.Identity) bool) *model.IdentityMatch {
	for _, l := range s.links {
		if l.Provider != provider || l.ProviderIdentifier != identifier {
			continue
		}
		i := s.identities[l.IdentityGUID]
		if i != nil && match(l, i) {
			return &model.IdentityMatch{Identity: copyIdentity(i), Link: copyLink(l)}
		}
	}
	return nil
}

// FindActiveLink は紐付け中のIdentityを返す。
func (s *Store) FindActiveLink(_ context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLink(provider, identifier, func(l *model.ProviderLink, i *model.Identity) bool {
		return l.Linked && i.SoftDeletedAt == nil
	}), nil
}

// FindSoftDeletedLink はソフトデリート済みIdentityを返す。
func (s *Store) FindSoftDeletedLink(_ context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLink(provider, identifier, func(_ *model.ProviderLink, i *model.Identity) bool {
		return i.SoftDeletedAt != nil
	}), nil
}

// FindAnyLink は状態を問わずIdentityを返す。
func (s *Store) FindAnyLink(_ context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLink(provider, identifier, func(*model.ProviderLink, *model.Identity) bool { return true }), nil
}

// ListLinks はIdentityの紐付けを返す。
func (s *Store) ListLinks(_ context.Context, guid string) ([]model.ProviderLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProviderLink
	for _, l := range s.links {
		if l.IdentityGUID == guid {
			out = append(out, *l)
		}
	}
	return out, nil
}

// CreateWithLink はIdentityと紐付けを作成する。
func (s *Store) CreateWithLink(_ context.Context, identity *model.Identity, link *model.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.GUID]; ok {
		return fmt.Errorf("failed to insert identity: duplicate guid %s", identity.GUID)
	}
	for _, l := range s.links {
		if l.Provider == link.Provider && l.ProviderIdentifier == link.ProviderIdentifier {
			return fmt.Errorf("failed to insert provider link %s/%s: %w", link.Provider, link.ProviderIdentifier, repository.ErrDuplicate)
		}
	}
	s.identities[identity.GUID] = copyIdentity(identity)
	s.links = append(s.links, copyLink(link))
	return nil
}

// Relink はソフトデリートを解除し紐付けを戻す。
func (s *Store) Relink(_ context.Context, guid, provider, identifier string, upd model.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[guid]
	if !ok {
		return fmt.Errorf("failed to relink: identity %s not found", guid)
	}
	now := time.Now()
	i.SoftDeletedAt = nil
	applyProfile(i, upd)
	i.UpdatedAt = now

	for _, l := range s.links {
		if l.Provider == provider && l.ProviderIdentifier == identifier {
			l.IdentityGUID = guid
			l.Linked = true
			l.UpdatedAt = now
			return nil
		}
	}
	s.links = append(s.links, &model.ProviderLink{
		IdentityGUID: guid, Provider: provider, ProviderIdentifier: identifier,
		Linked: true, CreatedAt: now, UpdatedAt: now,
	})
	return nil
}

// UpdateProfile はプロフィールを部分更新する。
func (s *Store) UpdateProfile(_ context.Context, guid string, upd model.ProfileUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[guid]
	if !ok {
		return fmt.Errorf("failed to update profile: identity %s not found", guid)
	}
	applyProfile(i, upd)
	return nil
}

func applyProfile(i *model.Identity, upd model.ProfileUpdate) {
	if upd.DisplayName != nil {
		i.DisplayName = *upd.DisplayName
	}
	if upd.Email != nil {
		i.Email = *upd.Email
	}
	if upd.ProfileImage != nil {
		i.ProfileImage = *upd.ProfileImage
	}
}

// Unlink は紐付けを解除し、残数を返す。
func (s *Store) Unlink(_ context.Context, guid, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := 0
	for _, l := range s.links {
		if l.IdentityGUID != guid {
			continue
		}
		if l.Provider == provider {
			l.Linked = false
			continue
		}
		if l.Linked {
			remaining++
		}
	}
	return remaining, nil
}

// SoftDelete はIdentityをソフトデリートし、全紐付けを解除する。
func (s *Store) SoftDelete(_ context.Context, guid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[guid]
	if !ok {
		return fmt.Errorf("failed to soft delete: identity %s not found", guid)
	}
	i.SoftDeletedAt = &at
	for _, l := range s.links {
		if l.IdentityGUID == guid {
			l.Linked = false
		}
	}
	return nil
}

// UpdateRoleMask はロールマスクを更新する。
func (s *Store) UpdateRoleMask(_ context.Context, guid string, mask model.RoleMask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[guid]
	if !ok {
		return fmt.Errorf("failed to update role mask: identity %s not found", guid)
	}
	i.RoleMask = mask
	return nil
}

// --- SessionRepository ---

// Grant はローテーション資格情報・セッション・端末をまとめて書き込む。
func (s *Store) Grant(_ context.Context, grant *model.SessionGrant, issue repository.IssueFunc) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GrantErr != nil {
		return nil, s.GrantErr
	}
	ident, ok := s.identities[grant.UserGUID]
	if !ok {
		return nil, fmt.Errorf("failed to grant session: identity %s not found", grant.UserGUID)
	}

	sess, ok := s.sessions[grant.UserGUID]
	if !ok {
		sess = &model.Session{GUID: grant.SessionGUID, UserGUID: grant.UserGUID, CreatedAt: time.Now()}
	}
	deviceGUID := grant.Device.GUID
	var existing *model.Device
	for _, d := range s.devices {
		if d.SessionGUID == sess.GUID && d.Fingerprint == grant.Device.Fingerprint {
			existing = d
			deviceGUID = d.GUID
			break
		}
	}

	creds, err := issue(sess.GUID, deviceGUID)
	if err != nil {
		return nil, err
	}

	// ここから先は失敗しない
	issued, expires := creds.Rotation.IssuedAt, creds.Rotation.ExpiresAt
	ident.RotationKeyHash = creds.Rotation.KeyHash
	ident.RotationIssuedAt = &issued
	ident.RotationExpiresAt = &expires
	s.sessions[grant.UserGUID] = sess

	d := grant.Device
	d.GUID = deviceGUID
	d.SessionGUID = sess.GUID
	d.AccessTokenHash = creds.AccessTokenHash
	d.TokenIssuedAt = creds.TokenIssuedAt
	d.TokenExpiresAt = creds.TokenExpiresAt
	d.RevokedAt = nil
	if existing != nil {
		*existing = d
	} else {
		s.devices[deviceGUID] = &d
	}
	out := d
	return &out, nil
}

func (s *Store) ownerOf(d *model.Device) string {
	for _, sess := range s.sessions {
		if sess.GUID == d.SessionGUID {
			return sess.UserGUID
		}
	}
	return ""
}

// FindDeviceByTokenHash はトークンハッシュで端末を返す。
func (s *Store) FindDeviceByTokenHash(_ context.Context, tokenHash string) (*model.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.AccessTokenHash == tokenHash {
			return &model.DeviceSession{Device: *d, UserGUID: s.ownerOf(d)}, nil
		}
	}
	return nil, nil
}

// FindDevice はセッションとフィンガープリントで端末を返す。
func (s *Store) FindDevice(_ context.Context, sessionGUID, fingerprint string) (*model.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.SessionGUID == sessionGUID && d.Fingerprint == fingerprint {
			return &model.DeviceSession{Device: *d, UserGUID: s.ownerOf(d)}, nil
		}
	}
	return nil, nil
}

// UpdateDeviceToken は端末のアクセストークンを差し替える。
func (s *Store) UpdateDeviceToken(_ context.Context, deviceGUID, tokenHash string, issuedAt, expiresAt time.Time, client model.ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceGUID]
	if !ok {
		return fmt.Errorf("failed to update device token: device %s not found", deviceGUID)
	}
	d.AccessTokenHash = tokenHash
	d.TokenIssuedAt = issuedAt
	d.TokenExpiresAt = expiresAt
	d.UserAgent = client.UserAgent
	d.IPLastSeen = client.IP
	return nil
}

// TouchDevice は最終IP・User-Agentを更新する。
func (s *Store) TouchDevice(_ context.Context, deviceGUID string, client model.ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TouchErr != nil {
		return s.TouchErr
	}
	if d, ok := s.devices[deviceGUID]; ok {
		d.UserAgent = client.UserAgent
		d.IPLastSeen = client.IP
	}
	return nil
}

// RevokeDeviceByTokenHash は端末を失効させる。
func (s *Store) RevokeDeviceByTokenHash(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.AccessTokenHash == tokenHash && d.RevokedAt == nil {
			t := at
			d.RevokedAt = &t
		}
	}
	return nil
}

func (s *Store) revokeWhere(userGUID string, at time.Time, match func(*model.Device) bool) int64 {
	sess, ok := s.sessions[userGUID]
	if !ok {
		return 0
	}
	var n int64
	for _, d := range s.devices {
		if d.SessionGUID == sess.GUID && d.RevokedAt == nil && match(d) {
			t := at
			d.RevokedAt = &t
			n++
		}
	}
	return n
}

// RevokeAllForUser はユーザーの全端末を失効させる。
func (s *Store) RevokeAllForUser(_ context.Context, userGUID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeWhere(userGUID, at, func(*model.Device) bool { return true }), nil
}

// RevokeForProvider はプロバイダー経由の端末を失効させる。
func (s *Store) RevokeForProvider(_ context.Context, userGUID, provider string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeWhere(userGUID, at, func(d *model.Device) bool { return d.Provider == provider }), nil
}

// --- RoleRepository ---

// ListRoles は全ロールを返す。
func (s *Store) ListRoles(_ context.Context) ([]model.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

// CreateRole はロールを作成する。
func (s *Store) CreateRole(_ context.Context, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roles {
		if r.Name == role.Name || r.Bit == role.Bit {
			return fmt.Errorf("failed to insert role: conflicts with %q: %w", r.Name, repository.ErrDuplicate)
		}
	}
	s.roles[role.Name] = role
	return nil
}

// UpdateRole はロールを更新し、ビット変更を既存マスクに反映する。
func (s *Store) UpdateRole(_ context.Context, name string, role model.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[name]
	if !ok {
		return fmt.Errorf("failed to update role: %q not found", name)
	}
	for n, r := range s.roles {
		if n != name && (r.Name == role.Name || r.Bit == role.Bit) {
			return fmt.Errorf("failed to update role: conflicts with %q: %w", r.Name, repository.ErrDuplicate)
		}
	}
	if old.Bit != role.Bit {
		for _, i := range s.identities {
			if i.RoleMask.Has(old.Mask()) {
				i.RoleMask = i.RoleMask&^old.Mask() | role.Mask()
			}
		}
	}
	delete(s.roles, name)
	s.roles[role.Name] = role
	return nil
}

// DeleteRole はロールを削除し、全マスクからビットを落とす。
func (s *Store) DeleteRole(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[name]
	if !ok {
		return fmt.Errorf("failed to delete role: %q not found", name)
	}
	for _, i := range s.identities {
		i.RoleMask &^= old.Mask()
	}
	delete(s.roles, name)
	return nil
}

// --- PlatformLinkRepository ---

// AddPlatformLink は外部プラットフォームIDとIdentityの対応を登録する。
func (s *Store) AddPlatformLink(platform, externalID, userGUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platform[platform+"\x00"+externalID] = userGUID
}

// FindUserGUID は対応するIdentityのGUIDを返す。
func (s *Store) FindUserGUID(_ context.Context, platform, externalID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.platform[platform+"\x00"+externalID], nil
}

// PutIdentity はIdentityと紐付けをそのまま保存する。テストの前提データ投入用。
func (s *Store) PutIdentity(identity *model.Identity, links ...model.ProviderLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.GUID] = copyIdentity(identity)
	for i := range links {
		l := links[i]
		l.IdentityGUID = identity.GUID
		s.links = append(s.links, &l)
	}
}
