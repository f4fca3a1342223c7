package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/keystone/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はエラー分類に対応するステータスで統一フォーマットのレスポンスを書き込む。
// 原因エラー（Err）はレスポンスに含めない。
func WriteErrorResponse(w http.ResponseWriter, apiErr *model.APIError) {
	if apiErr.Kind == model.KindUnauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="keystone"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode())
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError は任意のerrorを統一フォーマットで書き込む。APIError以外は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, model.AsAPIError(err))
}
