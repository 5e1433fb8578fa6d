package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/authrelay/internal/model"
)

// ErrorDetail は認証サービスのエラー詳細。
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorResponseBody は認証サービスのエラーレスポンスの統一フォーマット。
// {"error": {"code": ..., "message": ..., "field": ...}}
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ReasonResponseBody はリソースサービスの拒否レスポンス。
// 上流のエラー本文は含めず、固定の理由文字列のみを返す。
type ReasonResponseBody struct {
	Error string `json:"error"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Error: ErrorDetail{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Field:   apiErr.Field,
		},
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteReasonResponse は {"error": reason} 形式のレスポンスを書き込む。
func WriteReasonResponse(w http.ResponseWriter, statusCode int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReasonResponseBody{Error: reason})
}
