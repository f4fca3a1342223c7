package model

import "time"

// Session はユーザーごとに1つだけ存在するログインセッションを表す。
// 複数のデバイスが1つのセッションにぶら下がる。
type Session struct {
	GUID      string
	UserGUID  string
	CreatedAt time.Time
}

// Device はセッションに紐づくクライアント端末を表す。
// (SessionGUID, Fingerprint) で一意となり、同一端末からの再ログインは更新扱いになる。
type Device struct {
	GUID            string
	SessionGUID     string
	Provider        string
	AccessTokenHash string
	TokenIssuedAt   time.Time
	TokenExpiresAt  time.Time
	RevokedAt       *time.Time
	Fingerprint     string
	UserAgent       string
	IPLastSeen      string
}

// IsRevoked は端末が失効済みかを返す。
func (d *Device) IsRevoked() bool {
	return d.RevokedAt != nil
}

// DeviceSession は端末と所有ユーザーの組を表す。
type DeviceSession struct {
	Device   Device
	UserGUID string
}

// ClientInfo はリクエスト元クライアントの情報を表す。
type ClientInfo struct {
	Fingerprint string
	UserAgent   string
	IP          string
}

// RotationCredential はIdentityに埋め込まれるローテーション資格情報を表す。
type RotationCredential struct {
	KeyHash   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SessionGrant はセッション作成時に1トランザクションで書き込む内容をまとめたもの。
type SessionGrant struct {
	UserGUID    string
	SessionGUID string // 既存セッションがない場合に使用する
	Device      Device
}

// GrantCredentials はセッション作成トランザクション内で発行される資格情報。
type GrantCredentials struct {
	Rotation        RotationCredential
	AccessTokenHash string
	TokenIssuedAt   time.Time
	TokenExpiresAt  time.Time
}
