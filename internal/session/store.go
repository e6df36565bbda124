// Package session は永続層とキャッシュの二層でセッションを管理する。
// 永続層が正本であり、キャッシュはセッショントークンからの検索を速めるための索引にすぎない。
// キャッシュの障害はリクエストの失敗にせず、永続層のみの経路に縮退する。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authgate/internal/cache"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/model"
	"github.com/hitoshi/authgate/internal/repository"
)

// tokenBytes はセッショントークン・リフレッシュトークンの乱数バイト数。
const tokenBytes = 32

// Cache はセッション索引のキャッシュインターフェース。
type Cache interface {
	Set(ctx context.Context, sessionToken string, entry cache.Entry) error
	Get(ctx context.Context, sessionToken string) (*cache.Entry, error)
	Delete(ctx context.Context, sessionToken string) error
	DeleteMany(ctx context.Context, sessionTokens []string) error
}

// Config はセッションストアの設定。
type Config struct {
	// Window はセッションの有効期間。作成時とリフレッシュ時に現在時刻からこの期間だけ有効になる。
	Window time.Duration
	// StoreTimeout は永続層への1回の呼び出しの上限時間。
	StoreTimeout time.Duration
	// CacheTimeout はキャッシュへの1回の呼び出しの上限時間。超過時は永続層のみで処理する。
	CacheTimeout time.Duration
	// RotateRefreshTokens が有効な場合、リフレッシュのたびにリフレッシュトークンを新しい値に置き換える。
	RotateRefreshTokens bool
}

// DefaultConfig はデフォルトのセッションストア設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:       24 * time.Hour,
		StoreTimeout: 3 * time.Second,
		CacheTimeout: 250 * time.Millisecond,
	}
}

// Store はセッションの作成・検索・延長・失効を行う。
type Store struct {
	repo    repository.SessionRepository
	cache   Cache
	cfg     Config
	metrics metrics.MetricsCollector
	now     func() time.Time
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithClock は時刻関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore はStoreを生成する。cacheがnilの場合は永続層のみで動作する。
// cfgのゼロ値の項目はDefaultConfigの値で補う。
func NewStore(repo repository.SessionRepository, c Cache, cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = def.CacheTimeout
	}

	s := &Store{
		repo:    repo,
		cache:   c,
		cfg:     cfg,
		metrics: metrics.NopCollector{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create はユーザーの新しいセッションを作成する。
// 永続層への書き込みが確定点であり、キャッシュへの書き込み失敗は作成失敗にしない。
func (s *Store) Create(ctx context.Context, userID string, meta model.ClientMeta) (*model.Session, error) {
	sessionToken, err := newToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &model.Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		SessionToken: sessionToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Add(s.cfg.Window),
		IsActive:     true,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.repo.Create(storeCtx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.cacheSet(ctx, session)
	s.metrics.RecordSessionCreated()
	return session, nil
}

// FindByToken はセッショントークンに対応する有効なセッションを返す。
// キャッシュにヒットしても必ず永続層の行を読み直す。見つからない場合はnilを返す。
func (s *Store) FindByToken(ctx context.Context, sessionToken string) (*model.Session, error) {
	if sessionToken == "" {
		return nil, nil
	}
	now := s.now()

	entry, cacheOK := s.cacheGet(ctx, sessionToken)
	if entry != nil {
		session, err := s.findByID(ctx, entry.SessionID)
		if err != nil {
			return nil, err
		}
		if session != nil && session.SessionToken == sessionToken {
			if session.IsLive(now) {
				return session, nil
			}
			s.cacheDelete(ctx, sessionToken)
			return nil, nil
		}
		// 索引が存在しないか別のセッションを指している
		s.cacheDelete(ctx, sessionToken)
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	session, err := s.repo.FindActiveByToken(storeCtx, sessionToken, now)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	if cacheOK {
		s.cacheSet(ctx, session)
	}
	return session, nil
}

// FindByID はセッションIDに対応する有効なセッションを返す。見つからない場合はnilを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, nil
	}
	session, err := s.findByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.IsLive(s.now()) {
		return nil, nil
	}
	return session, nil
}

// Refresh はリフレッシュトークンに対応するセッションの期限を延長する。
// セッションが存在しない、失効済み、期限切れの場合はnilを返す。
// 同じトークンでの同時リフレッシュは永続層の条件付き更新により1件だけが成功する。
func (s *Store) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, nil
	}
	now := s.now()

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	session, err := s.repo.FindByRefreshToken(storeCtx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to find session by refresh token: %w", err)
	}
	if session == nil || !session.IsLive(now) {
		return nil, nil
	}

	nextRefresh := refreshToken
	if s.cfg.RotateRefreshTokens {
		if nextRefresh, err = newToken(); err != nil {
			return nil, err
		}
	}

	expiresAt := now.Add(s.cfg.Window)
	// 時刻が進んでいない場合も期限は必ず延びる
	if !expiresAt.After(session.ExpiresAt) {
		expiresAt = session.ExpiresAt.Add(time.Microsecond)
	}

	extendCtx, cancelExtend := s.storeContext(ctx)
	defer cancelExtend()
	ok, err := s.repo.Extend(extendCtx, session.ID, refreshToken, nextRefresh, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	if !ok {
		slog.Info("session refresh lost to concurrent update",
			slog.String("session_id", session.ID),
		)
		return nil, nil
	}

	session.RefreshToken = nextRefresh
	session.ExpiresAt = expiresAt
	session.UpdatedAt = now
	s.cacheSet(ctx, session)
	return session, nil
}

// Revoke はセッショントークンに対応するセッションを失効させる。
// 存在しない、または失効済みのトークンでもエラーにしない。
func (s *Store) Revoke(ctx context.Context, sessionToken string) error {
	if sessionToken == "" {
		return nil
	}
	s.cacheDelete(ctx, sessionToken)

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.repo.DeactivateByToken(storeCtx, sessionToken, s.now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	s.metrics.RecordSessionsRevoked(1)
	return nil
}

// RevokeByID はセッションIDに対応するセッションを失効させる。
// 存在しないIDでもエラーにしない。
func (s *Store) RevokeByID(ctx context.Context, id string) error {
	session, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	s.cacheDelete(ctx, session.SessionToken)

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.repo.DeactivateByID(storeCtx, id, s.now()); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if session.IsActive {
		s.metrics.RecordSessionsRevoked(1)
	}
	return nil
}

// RevokeAll はユーザーの全セッションを失効させ、失効させた件数を返す。
// キャッシュの削除と永続層の一括更新は別の書き込みであり、
// 間で失敗した場合に残ったキャッシュはTTLで消える。
func (s *Store) RevokeAll(ctx context.Context, userID string) (int64, error) {
	listCtx, cancelList := s.storeContext(ctx)
	defer cancelList()
	sessions, err := s.repo.ListActiveByUserID(listCtx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}

	if s.cache != nil && len(sessions) > 0 {
		tokens := make([]string, 0, len(sessions))
		for _, session := range sessions {
			tokens = append(tokens, session.SessionToken)
		}
		cacheCtx, cancelCache := context.WithTimeout(ctx, s.cfg.CacheTimeout)
		defer cancelCache()
		if err := s.cache.DeleteMany(cacheCtx, tokens); err != nil {
			s.cacheDegraded("delete_many", err)
		}
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	n, err := s.repo.DeactivateByUserID(storeCtx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	s.metrics.RecordSessionsRevoked(int(n))
	slog.Info("all sessions revoked",
		slog.String("user_id", userID),
		slog.Int64("count", n),
	)
	return n, nil
}

// SweepExpired は失効済みかつ期限切れのセッションを削除し、削除件数を返す。
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	n, err := s.repo.DeleteExpiredInactive(storeCtx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	s.metrics.RecordSessionsSwept(n)
	return n, nil
}

// CountActive は有効なセッション数を返す。
func (s *Store) CountActive(ctx context.Context) (int64, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	n, err := s.repo.CountActive(storeCtx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	s.metrics.SetActiveSessions(n)
	return n, nil
}

func (s *Store) findByID(ctx context.Context, id string) (*model.Session, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	session, err := s.repo.FindByID(storeCtx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

func (s *Store) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// cacheGet はキャッシュから索引を取得する。
// 2番目の戻り値はキャッシュが応答したかどうかを示す。
func (s *Store) cacheGet(ctx context.Context, sessionToken string) (*cache.Entry, bool) {
	if s.cache == nil {
		return nil, false
	}
	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	entry, err := s.cache.Get(cacheCtx, sessionToken)
	if err != nil {
		s.cacheDegraded("get", err)
		return nil, false
	}
	return entry, true
}

func (s *Store) cacheSet(ctx context.Context, session *model.Session) {
	if s.cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	err := s.cache.Set(cacheCtx, session.SessionToken, cache.Entry{
		UserID:    session.UserID,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		s.cacheDegraded("set", err)
	}
}

func (s *Store) cacheDelete(ctx context.Context, sessionToken string) {
	if s.cache == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()
	if err := s.cache.Delete(cacheCtx, sessionToken); err != nil {
		s.cacheDegraded("delete", err)
	}
}

func (s *Store) cacheDegraded(op string, err error) {
	slog.Warn("session cache unavailable, continuing with durable store",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	s.metrics.RecordCacheDegraded(op)
}

// newToken は推測不能な不透明トークンを生成する。
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
