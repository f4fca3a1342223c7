// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind はエラーの分類。トランスポート境界でステータスコードに変換される。
type ErrorKind string

const (
	KindProtocol         ErrorKind = "protocol"
	KindUnknownDomain    ErrorKind = "unknown_domain"
	KindUnknownOperation ErrorKind = "unknown_operation"
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindForbidden        ErrorKind = "forbidden"
	KindUpstream         ErrorKind = "upstream"
	KindConflict         ErrorKind = "conflict"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Kind     ErrorKind
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: protocol, auth, permission, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因（ログ用。レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// StatusCode はエラー分類に対応するHTTPステータスコードを返す。
func (e *APIError) StatusCode() int {
	switch e.Kind {
	case KindProtocol:
		return http.StatusBadRequest
	case KindUnknownDomain, KindUnknownOperation:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		switch e.Code {
		case ErrCodeProviderUnavailable:
			return http.StatusBadGateway
		case ErrCodeProviderTimeout:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// 定義済みエラーコード
const (
	ErrCodeMalformedOperation    = "MALFORMED_OPERATION"
	ErrCodeSuffixArity           = "SUFFIX_ARITY"
	ErrCodeUnknownSuffix         = "UNKNOWN_SUFFIX"
	ErrCodeInvalidPayload        = "INVALID_PAYLOAD"
	ErrCodeUnknownDomain         = "UNKNOWN_DOMAIN"
	ErrCodeUnknownOperation      = "UNKNOWN_OPERATION"
	ErrCodeUnauthenticated       = "UNAUTHENTICATED"
	ErrCodeInvalidToken          = "INVALID_TOKEN"
	ErrCodeProviderRejected      = "PROVIDER_REJECTED"
	ErrCodeForbidden             = "FORBIDDEN"
	ErrCodeRoleCeiling           = "ROLE_CEILING"
	ErrCodeProviderMisconfigured = "PROVIDER_MISCONFIGURED"
	ErrCodeProviderUnavailable   = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout       = "PROVIDER_TIMEOUT"
	ErrCodeIdentityUnresolved    = "IDENTITY_UNRESOLVED"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeMergeConfirmation     = "MERGE_CONFIRMATION_REQUIRED"
	ErrCodeUserNotFound          = "USER_NOT_FOUND"
	ErrCodeCSRF                  = "CSRF_VALIDATION_FAILED"
	ErrCodeRateLimited           = "RATE_LIMIT_EXCEEDED"
)

// KindOf はエラーの分類を返す。APIError以外は予期しない障害としてupstreamに分類する。
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUpstream
}

// AsAPIError はerrをAPIErrorに変換する。APIError以外は内部エラーとして包む。
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError(err)
}

// IsKind はerrが指定分類のAPIErrorかを返す。
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// NewProtocolError は不正なオペレーション識別子・ペイロードのエラーを生成する。
func NewProtocolError(code, reason string) *APIError {
	return &APIError{
		Kind:     KindProtocol,
		Code:     code,
		Message:  fmt.Sprintf("リクエストの形式が不正です: %s", reason),
		Category: "protocol",
		Action:   "オペレーション識別子とペイロードの形式を確認してください。",
	}
}

// NewUnknownDomainError は未登録ドメインのエラーを生成する。
func NewUnknownDomainError(domain string) *APIError {
	return &APIError{
		Kind:     KindUnknownDomain,
		Code:     ErrCodeUnknownDomain,
		Message:  fmt.Sprintf("指定されたドメインは存在しません: %s", domain),
		Category: "protocol",
		Action:   "オペレーション識別子のドメイン部分を確認してください。",
	}
}

// NewUnknownOperationError は未登録オペレーションのエラーを生成する。
func NewUnknownOperationError(op string) *APIError {
	return &APIError{
		Kind:     KindUnknownOperation,
		Code:     ErrCodeUnknownOperation,
		Message:  fmt.Sprintf("指定されたオペレーションは存在しません: %s", op),
		Category: "protocol",
		Action:   "オペレーション識別子を確認してください。",
	}
}

// NewUnauthenticatedError は認証失敗のエラーを生成する。
func NewUnauthenticatedError(code string, cause error) *APIError {
	return &APIError{
		Kind:     KindUnauthenticated,
		Code:     code,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
		Err:      cause,
	}
}

// NewForbiddenError は権限不足のエラーを生成する。
func NewForbiddenError(code, reason string) *APIError {
	return &APIError{
		Kind:     KindForbidden,
		Code:     code,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", reason),
		Category: "permission",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewUpstreamError は外部プロバイダー・依存サービスの障害エラーを生成する。
func NewUpstreamError(code string, cause error) *APIError {
	return &APIError{
		Kind:     KindUpstream,
		Code:     code,
		Message:  "外部サービスとの連携に失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}

// NewMergeConfirmationError はアカウント統合に明示的な確認が必要な場合のエラーを生成する。
func NewMergeConfirmationError() *APIError {
	return &APIError{
		Kind:     KindConflict,
		Code:     ErrCodeMergeConfirmation,
		Message:  "既存のアカウントに他のログイン方法が紐付いています。",
		Category: "auth",
		Action:   "統合を確認するか、既存のログイン方法で再認証してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Kind:     KindUnknownOperation,
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewInternalError は予期しない内部エラーを生成する。
func NewInternalError(cause error) *APIError {
	return &APIError{
		Kind:     KindUpstream,
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Err:      cause,
	}
}
