package model

import "time"

// Identity はサービス利用者の正規化された識別情報を表す。
// 1つ以上のプロバイダーと紐付き、全ての紐付けが解除されるとソフトデリートされる。
type Identity struct {
	GUID            string
	DisplayName     string
	Email           string
	Credits         int64
	ProfileImage    string
	RoleMask        RoleMask
	DefaultProvider string

	// ProfileEdited はユーザーが表示名・メールアドレスを編集済みかを示す。
	// 値の管理はユーザー編集ハンドラー側の責務で、ここでは参照のみ行う。
	ProfileEdited bool

	SoftDeletedAt *time.Time

	// ローテーション資格情報。ユーザーごとに有効なものは常に1つだけ。
	RotationKeyHash   string
	RotationIssuedAt  *time.Time
	RotationExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsSevered は全プロバイダーとの紐付けが解除された（ソフトデリート済み）状態かを返す。
func (i *Identity) IsSevered() bool {
	return i.SoftDeletedAt != nil
}

// ProviderLink は外部IdPとの紐付け情報を表す。
type ProviderLink struct {
	IdentityGUID       string
	Provider           string
	ProviderIdentifier string
	Linked             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IdentityMatch は識別子検索の結果。紐付けと所有Identityの組を表す。
type IdentityMatch struct {
	Identity *Identity
	Link     *ProviderLink
}

// ProfileUpdate はプロバイダー由来のプロフィール同期内容を表す。
// nilのフィールドは更新しない。
type ProfileUpdate struct {
	DisplayName  *string
	Email        *string
	ProfileImage *string
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.DisplayName == nil && u.Email == nil && u.ProfileImage == nil
}
