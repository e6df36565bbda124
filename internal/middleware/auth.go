// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// claimsContextKey はリクエストコンテキストにアクセストークンのクレームを格納するためのキー。
var claimsContextKey = contextKey("claims")

// Authenticator はアクセストークンの検証に必要なインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string, requireLiveSession bool) (*token.Claims, error)
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// requireLiveSessionがtrueの場合、埋め込まれたセッションが失効していれば拒否する。
// 検証済みのクレームをリクエストコンテキストに注入する。
func NewAuthMiddleware(authenticator Authenticator, requireLiveSession bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accessToken := bearerToken(r)
			if accessToken == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			claims, err := authenticator.Authenticate(r.Context(), accessToken, requireLiveSession)
			if err != nil {
				if !errors.Is(err, model.ErrInvalidCredential) && !errors.Is(err, model.ErrUnauthorized) {
					slog.Error("failed to authenticate request",
						slog.String("error", err.Error()),
					)
				}
				WriteError(w, err)
				return
			}

			recordUserID(r.Context(), claims.UserID())
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}

// ClaimsFromContext はリクエストコンテキストからクレームを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func ClaimsFromContext(ctx context.Context) (*token.Claims, error) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	if !ok || claims == nil {
		return nil, fmt.Errorf("claims not found in context")
	}
	return claims, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	claims, err := ClaimsFromContext(ctx)
	if err != nil {
		return "", err
	}
	if claims.UserID() == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return claims.UserID(), nil
}

// ContextWithClaims はコンテキストにクレームを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
