// Package auth は認証の入口となるフローを提供する。
// 本人性の解決、セッションの作成、アクセストークンの発行を組み合わせ、
// 外部に返す結果の形を揃える。
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/token"
)

// IdentityResolver は本人性の主張からユーザーを解決するインターフェース。
type IdentityResolver interface {
	Resolve(ctx context.Context, claim identity.Claim) (*model.User, error)
	Authenticate(ctx context.Context, email, password string) (*model.User, error)
}

// SessionStore はセッション管理のインターフェース。
type SessionStore interface {
	Create(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error)
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	RevokeByID(ctx context.Context, id string) error
	RevokeAll(ctx context.Context, userID string) (int64, error)
}

// TokenIssuer はアクセストークンの発行と検証のインターフェース。
type TokenIssuer interface {
	Mint(userID, email, sessionID string) (string, error)
	Verify(signed string) (*token.Claims, error)
}

// UserFinder はユーザー検索のインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// AvatarFilter はプロバイダーから受け取ったアバターURLを検査する。
// 安全でないURLは空文字列に置き換える。
type AvatarFilter interface {
	SafeAvatarURL(rawURL string) string
}

// AuthResult は認証成功時のレスポンス。
type AuthResult struct {
	User         model.UserProjection `json:"user"`
	AccessToken  string               `json:"accessToken"`
	RefreshToken string               `json:"refreshToken"`
}

// TokenPair はリフレッシュ時に返すトークンの組。
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Gateway は登録・ログイン・プロバイダーログイン・リフレッシュ・ログアウトを提供する。
// リクエスト単位で状態を持たず、整合性は永続層に委ねる。
type Gateway struct {
	identities IdentityResolver
	sessions   SessionStore
	issuer     TokenIssuer
	users      UserFinder
	avatars    AvatarFilter
	metrics    metrics.MetricsCollector
}

// GatewayOption はGatewayの設定を変更する。
type GatewayOption func(*Gateway)

// WithAvatarFilter はアバターURLの検査を設定する。
func WithAvatarFilter(f AvatarFilter) GatewayOption {
	return func(g *Gateway) { g.avatars = f }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway はGatewayを生成する。
func NewGateway(identities IdentityResolver, sessions SessionStore, issuer TokenIssuer, users UserFinder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		identities: identities,
		sessions:   sessions,
		issuer:     issuer,
		users:      users,
		metrics:    metrics.NopCollector{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register はメールアドレスとパスワードでユーザーを登録し、ログイン状態にする。
// メールアドレスが登録済みの場合は model.ErrConflict を返す。
func (g *Gateway) Register(ctx context.Context, reg identity.PasswordRegistration, meta model.ClientMeta) (*AuthResult, error) {
	user, err := g.identities.Resolve(ctx, reg)
	if err != nil {
		g.metrics.RecordAuthAttempt(metrics.FlowRegister, false)
		return nil, err
	}

	result, err := g.Login(ctx, user, meta)
	g.metrics.RecordAuthAttempt(metrics.FlowRegister, err == nil)
	return result, err
}

// Login は検証済みのユーザーに対してセッションを作成し、トークンを発行する。
// パスワード照合は呼び出し側で済ませておく。
func (g *Gateway) Login(ctx context.Context, user *model.User, meta model.ClientMeta) (*AuthResult, error) {
	if user == nil {
		return nil, model.ErrUnauthorized
	}

	sess, err := g.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	accessToken, err := g.issuer.Mint(user.ID, user.Email, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", sess.ID),
		slog.String("provider", string(user.Provider)),
	)

	return &AuthResult{
		User:         user.Projection(),
		AccessToken:  accessToken,
		RefreshToken: sess.RefreshToken,
	}, nil
}

// PasswordLogin はメールアドレスとパスワードを照合してログインする。
// 照合に失敗した場合は理由に関わらず model.ErrUnauthorized を返す。
func (g *Gateway) PasswordLogin(ctx context.Context, email, password string, meta model.ClientMeta) (*AuthResult, error) {
	user, err := g.identities.Authenticate(ctx, email, password)
	if err != nil {
		g.metrics.RecordAuthAttempt(metrics.FlowLogin, false)
		return nil, err
	}

	result, err := g.Login(ctx, user, meta)
	g.metrics.RecordAuthAttempt(metrics.FlowLogin, err == nil)
	return result, err
}

// ProviderLogin は外部IdPのプロフィールからユーザーを解決してログインする。
// 初回は同じ検証済みメールアドレスの既存ユーザーに紐付くか、新規作成される。
func (g *Gateway) ProviderLogin(ctx context.Context, profile identity.ProviderProfile, meta model.ClientMeta) (*AuthResult, error) {
	if g.avatars != nil {
		profile.AvatarURL = g.avatars.SafeAvatarURL(profile.AvatarURL)
	}

	user, err := g.identities.Resolve(ctx, profile)
	if err != nil {
		g.metrics.RecordAuthAttempt(metrics.FlowOAuth, false)
		return nil, err
	}

	result, err := g.Login(ctx, user, meta)
	g.metrics.RecordAuthAttempt(metrics.FlowOAuth, err == nil)
	return result, err
}

// Refresh はリフレッシュトークンでセッションを延長し、同じセッションに紐付くアクセストークンを再発行する。
// セッションが無効な場合やユーザーが存在しない場合は model.ErrUnauthorized を返す。
func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := g.refresh(ctx, refreshToken)
	g.metrics.RecordAuthAttempt(metrics.FlowRefresh, err == nil)
	return pair, err
}

func (g *Gateway) refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := g.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if sess == nil {
		return nil, model.ErrUnauthorized
	}

	user, err := g.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Warn("refreshed session references missing user",
			slog.String("session_id", sess.ID),
			slog.String("user_id", sess.UserID),
		)
		return nil, model.ErrUnauthorized
	}

	accessToken, err := g.issuer.Mint(user.ID, user.Email, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: sess.RefreshToken,
	}, nil
}

// Authenticate はアクセストークンを検証し、クレームを返す。
// requireLiveSessionがtrueの場合は埋め込まれたセッションが有効であることも確認し、
// 失効を即座に反映させる。
func (g *Gateway) Authenticate(ctx context.Context, accessToken string, requireLiveSession bool) (*token.Claims, error) {
	claims, err := g.issuer.Verify(accessToken)
	if err != nil {
		return nil, err
	}
	if !requireLiveSession {
		return claims, nil
	}

	sess, err := g.sessions.FindByID(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if sess == nil || sess.UserID != claims.UserID() {
		return nil, model.ErrUnauthorized
	}
	return claims, nil
}

// Logout は呼び出し元の現在のセッションを失効させる。
func (g *Gateway) Logout(ctx context.Context, claims *token.Claims) error {
	if claims == nil {
		return model.ErrUnauthorized
	}
	if err := g.sessions.RevokeByID(ctx, claims.SessionID); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	slog.Info("user logged out",
		slog.String("user_id", claims.UserID()),
		slog.String("session_id", claims.SessionID),
	)
	return nil
}

// LogoutAll は呼び出し元ユーザーの全セッションを失効させ、失効させた件数を返す。
func (g *Gateway) LogoutAll(ctx context.Context, claims *token.Claims) (int64, error) {
	if claims == nil {
		return 0, model.ErrUnauthorized
	}
	n, err := g.sessions.RevokeAll(ctx, claims.UserID())
	if err != nil {
		return 0, fmt.Errorf("failed to logout all sessions: %w", err)
	}
	slog.Info("user logged out from all sessions",
		slog.String("user_id", claims.UserID()),
		slog.Int64("revoked", n),
	)
	return n, nil
}

// compile-time interface check
var (
	_ IdentityResolver = (*identity.Linker)(nil)
	_ SessionStore     = (*session.Store)(nil)
	_ TokenIssuer      = (*token.Issuer)(nil)
)
