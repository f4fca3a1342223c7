package model

import "time"

// Envelope はRPCのリクエスト・レスポンス共通の封筒形式。
type Envelope struct {
	Op        string         `json:"op"`
	Payload   map[string]any `json:"payload"`
	Version   int            `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuthContext はリクエスト単位の認証コンテキスト。永続化しない。
type AuthContext struct {
	UserGUID string         `json:"user_guid,omitempty"`
	RoleMask RoleMask       `json:"role_mask"`
	Roles    []string       `json:"roles"`
	Provider string         `json:"provider,omitempty"`
	Claims   map[string]any `json:"claims,omitempty"`
}

// IsAnonymous は匿名（未認証）のコンテキストかを返す。
func (a AuthContext) IsAnonymous() bool {
	return a.UserGUID == ""
}
