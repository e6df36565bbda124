package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authgate/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はエラー分類に応じたステータスコードと統一フォーマットでレスポンスを書き込む。
// 分類できないエラーは内部エラーとしてログに記録する。
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrConflict):
		WriteErrorResponse(w, http.StatusConflict, model.NewEmailAlreadyRegisteredError())
	case errors.Is(err, model.ErrInvalidCredential):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidAccessTokenError())
	case errors.Is(err, model.ErrUnauthorized):
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	case errors.Is(err, model.ErrNotFound):
		WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("リソース"))
	case errors.Is(err, model.ErrInvalidInput):
		WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("必須項目が不足しています"))
	default:
		slog.Error("request failed",
			slog.String("error", err.Error()),
		)
		WriteInternalServerError(w)
	}
}
