// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 認証・セッション処理のエラー分類。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrConflict はメールアドレスが既に登録済みであることを示す。
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized はセッション・リフレッシュトークン・認証情報が無効であることを示す。
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredential はアクセストークンが不正または期限切れであることを示す。
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNotFound は他に分類されない検索ミスを示す。
	ErrNotFound = errors.New("not found")
	// ErrDuplicate は永続層の一意制約違反を示す。
	// IdentityLinkerが再検索に変換するため、通常は呼び出し元に届かない。
	ErrDuplicate = errors.New("duplicate key")
	// ErrUnsupportedProvider は未対応または無効化されたプロバイダーを示す。
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrInvalidInput は必須項目の欠落など入力値の不正を示す。
	ErrInvalidInput = errors.New("invalid input")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeEmailAlreadyRegistered = "EMAIL_ALREADY_REGISTERED"
	ErrCodeUnauthorized           = "UNAUTHORIZED"
	ErrCodeInvalidAccessToken     = "INVALID_ACCESS_TOKEN"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeUnsupportedProvider    = "UNSUPPORTED_PROVIDER"
	ErrCodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// NewEmailAlreadyRegisteredError はメールアドレス重複エラーを生成する。
func NewEmailAlreadyRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyRegistered,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewUnauthorizedError は認証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidAccessTokenError はアクセストークン不正エラーを生成する。
func NewInvalidAccessTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAccessToken,
		Message:  "アクセストークンが無効か、期限切れです。",
		Category: "auth",
		Action:   "リフレッシュトークンでアクセストークンを再発行してください。",
	}
}

// NewNotFoundError は検索ミスのエラーを生成する。
func NewNotFoundError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定された%sが見つかりません。", what),
		Category: "validation",
		Action:   "指定内容を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnsupportedProviderError は未対応プロバイダーのエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("対応していないプロバイダーです: %s", provider),
		Category: "auth",
		Action:   "google または github を指定してください。",
	}
}
