// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/token"
)

const (
	oauthStateCookie = "oauth_state"

	// maxRequestBodySize はJSONリクエストボディの最大バイト数。
	maxRequestBodySize = 64 << 10
	// maxUserAgentLength はセッションに記録するUser-Agentの最大長。
	maxUserAgentLength = 512
	// minPasswordLength はパスワードの最小文字数。
	minPasswordLength = 8
)

// AuthGateway は認証ハンドラーが必要とするゲートウェイインターフェース。
type AuthGateway interface {
	Register(ctx context.Context, reg identity.PasswordRegistration, meta model.ClientMeta) (*auth.AuthResult, error)
	PasswordLogin(ctx context.Context, email, password string, meta model.ClientMeta) (*auth.AuthResult, error)
	ProviderLogin(ctx context.Context, profile identity.ProviderProfile, meta model.ClientMeta) (*auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, claims *token.Claims) error
	LogoutAll(ctx context.Context, claims *token.Claims) (int64, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// FrontendURL はプロバイダーログイン完了後のリダイレクト先のベースURL。
	FrontendURL  string
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	gateway   AuthGateway
	providers map[model.Provider]auth.OAuthProvider
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
// providersに含まれないプロバイダーのルートは404を返す。
func NewAuthHandler(gateway AuthGateway, providers []auth.OAuthProvider, config AuthHandlerConfig) *AuthHandler {
	byName := make(map[model.Provider]auth.OAuthProvider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &AuthHandler{
		gateway:   gateway,
		providers: byName,
		config:    config,
	}
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Register はメールアドレスとパスワードでユーザーを登録する。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !strings.Contains(req.Email, "@") {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスの形式が正しくありません"))
		return
	}
	if len([]rune(req.Password)) < minPasswordLength {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("パスワードは8文字以上で指定してください"))
		return
	}
	if strings.TrimSpace(req.FirstName) == "" || strings.TrimSpace(req.LastName) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("氏名は必須です"))
		return
	}

	result, err := h.gateway.Register(r.Context(), identity.PasswordRegistration{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// Login はメールアドレスとパスワードでログインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスとパスワードは必須です"))
		return
	}

	result, err := h.gateway.PasswordLogin(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ProviderLogin は外部IdPの認可フローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// ProviderCallback は外部IdPからのコールバックを処理する。
// 成功時はアクセストークンをクエリに付けてフロントエンドにリダイレクトする。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch",
			slog.String("provider", string(provider.Name())),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("stateが一致しません"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("認可コードがありません"))
		return
	}

	// 3. コード交換とログイン
	profile, err := provider.ExchangeCode(r.Context(), code)
	if err != nil {
		slog.Warn("oauth code exchange failed",
			slog.String("provider", string(provider.Name())),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	result, err := h.gateway.ProviderLogin(r.Context(), *profile, clientMeta(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	// 4. フロントエンドにリダイレクト
	redirect := strings.TrimRight(h.config.FrontendURL, "/") + "/auth/callback?token=" + url.QueryEscape(result.AccessToken)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Refresh はリフレッシュトークンでアクセストークンを再発行する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("refreshTokenは必須です"))
		return
	}

	pair, err := h.gateway.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// Logout は現在のセッションを失効させる。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.ClaimsFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.gateway.Logout(r.Context(), claims); err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// LogoutAll は呼び出し元ユーザーの全セッションを失効させる。
// POST /auth/logout/all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.ClaimsFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	revoked, err := h.gateway.LogoutAll(r.Context(), claims)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"revoked": revoked})
}

// VerifyEmail はメールアドレス確認の受付のみを返す。
// GET /auth/verify?token=xxx
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("tokenは必須です"))
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Email verification not implemented yet"})
}

// provider はURLパスのプロバイダー名に対応するアダプタを返す。
// 未対応の場合は404を書き込んでfalseを返す。
func (h *AuthHandler) provider(w http.ResponseWriter, r *http.Request) (auth.OAuthProvider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.providers[model.Provider(name)]
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnsupportedProviderError(name))
		return nil, false
	}
	return p, true
}

// clientMeta はセッションに記録するクライアント情報を取り出す。
func clientMeta(r *http.Request) model.ClientMeta {
	userAgent := r.UserAgent()
	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}
	return model.ClientMeta{
		UserAgent: userAgent,
		IPAddress: middleware.ClientIP(r),
	}
}

// decodeJSON はリクエストボディをvに読み込む。
// 失敗時は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		reason := "JSONの形式が正しくありません"
		if errors.Is(err, io.EOF) {
			reason = "リクエストボディが空です"
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	return true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
