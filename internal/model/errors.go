// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は認証サービスの統一エラーフォーマットを表す。
// Fieldが設定されている場合、フロントエンドはフィールドエラーとして表示する。
type APIError struct {
	Code    string // エラーコード
	Message string // エラーメッセージ
	Field   string // 対象フィールド（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials = "INVALID_EMAIL_OR_PASSWORD"
	ErrCodeUserExists         = "USER_ALREADY_EXISTS"
	ErrCodeUntrustedOrigin    = "UNTRUSTED_ORIGIN"
	ErrCodeInvalidBody        = "INVALID_REQUEST_BODY"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレスの存在有無を区別しないメッセージを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidCredentials,
		Message: "Invalid email or password",
	}
}

// NewUserExistsError は登録済みメールアドレスによるサインアップのエラーを生成する。
func NewUserExistsError() *APIError {
	return &APIError{
		Code:    ErrCodeUserExists,
		Message: "User already exists",
		Field:   "email",
	}
}

// NewUntrustedOriginError は信頼されていないOriginからの状態変更リクエストのエラーを生成する。
func NewUntrustedOriginError() *APIError {
	return &APIError{
		Code:    ErrCodeUntrustedOrigin,
		Message: "Invalid origin",
	}
}

// NewInvalidBodyError はリクエストボディのパース失敗エラーを生成する。
func NewInvalidBodyError() *APIError {
	return &APIError{
		Code:    ErrCodeInvalidBody,
		Message: "Invalid request body",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:    ErrCodeRateLimited,
		Message: "Too many requests. Please try again later.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:    ErrCodeInternal,
		Message: "Internal server error",
	}
}
