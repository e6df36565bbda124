package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/authgate/internal/auth"
	"github.com/hitoshi/authgate/internal/cache"
	"github.com/hitoshi/authgate/internal/config"
	"github.com/hitoshi/authgate/internal/database"
	"github.com/hitoshi/authgate/internal/handler"
	"github.com/hitoshi/authgate/internal/identity"
	"github.com/hitoshi/authgate/internal/logger"
	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/middleware"
	"github.com/hitoshi/authgate/internal/repository"
	"github.com/hitoshi/authgate/internal/security"
	"github.com/hitoshi/authgate/internal/session"
	"github.com/hitoshi/authgate/internal/token"
	"github.com/hitoshi/authgate/internal/user"
	"github.com/hitoshi/authgate/internal/worker/cleanup"
)

// Version はビルド時に -ldflags で埋め込むバージョン文字列。
var Version = "dev"

const (
	dbPingTimeout    = 5 * time.Second
	redisPingTimeout = 2 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再構成する
	logger.SetupDefault(w, cfg.Level())

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSweep:
		return runSweep(cfg)
	default:
		return runServe(cfg)
	}
}

// server はAPIサーバーモードで組み立てた依存関係。
type server struct {
	router      http.Handler
	sessions    *session.Store
	rateLimiter *middleware.RateLimiter
}

// newServer は設定と接続済みのクライアントから全依存関係をワイヤリングする。
func newServer(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient, reg *prometheus.Registry) (*server, error) {
	collector := metrics.NewCollector(reg)

	// 1. リポジトリとキャッシュ
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	sessionCache := cache.NewRedisSessionCache(rdb)

	// 2. ドメインサービス
	sessions := newSessionStore(cfg, sessionRepo, sessionCache, collector)

	issuer, err := token.NewIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	linker := identity.NewLinker(userRepo, identity.NewBcryptHasher(cfg.BcryptCost),
		identity.WithNameSanitizer(security.NewNameSanitizer()),
	)

	ssrfGuard := security.NewSSRFGuard()
	gateway := auth.NewGateway(linker, sessions, issuer, userRepo,
		auth.WithAvatarFilter(ssrfGuard),
		auth.WithMetrics(collector),
	)

	// 3. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitAuth))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		Authenticator: gateway,
		Gateway:       gateway,
		Providers:     newProviders(cfg, ssrfGuard),
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieSecure: cfg.SecureCookies(),
		},

		UserService: user.NewService(userRepo),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),
		Version:        Version,
	})

	return &server{
		router:      router,
		sessions:    sessions,
		rateLimiter: rateLimiter,
	}, nil
}

func newSessionStore(cfg *config.Config, repo repository.SessionRepository, c session.Cache, collector metrics.MetricsCollector) *session.Store {
	return session.NewStore(repo, c, session.Config{
		Window:              cfg.SessionTTL,
		StoreTimeout:        cfg.StoreTimeout,
		CacheTimeout:        cfg.CacheTimeout,
		RotateRefreshTokens: cfg.RotateRefreshTokens,
	}, session.WithMetrics(collector))
}

// newProviders はクライアントIDが設定された外部IdPのアダプタを生成する。
// IdPへの通信はSSRF対策済みのクライアントで行う。
func newProviders(cfg *config.Config, guard security.SSRFGuardService) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	if cfg.GoogleEnabled() {
		providers = append(providers, auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			HTTPClient:   guard.NewSafeClient(cfg.OAuthTimeout),
		}))
	}
	if cfg.GitHubEnabled() {
		providers = append(providers, auth.NewGitHubOAuthProvider(auth.GitHubOAuthConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.GitHubRedirectURL,
			HTTPClient:   guard.NewSafeClient(cfg.OAuthTimeout),
		}))
	}
	for _, p := range providers {
		slog.Info("oauth provider enabled", slog.String("provider", string(p.Name())))
	}
	return providers
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// openRedis はRedisクライアントを生成する。
// 起動時に疎通できない場合も停止せず、永続層のみで動作を続ける。
func openRedis(cfg *config.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()

	client, err := cache.Connect(ctx, opts)
	if err != nil {
		slog.Warn("redis unavailable, continuing without session cache",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		return redis.NewClient(opts)
	}
	slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	return client
}

// runServe はAPIサーバーモードで起動する。
// DBとRedisに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := openRedis(cfg)
	defer rdb.Close()

	srv, err := newServer(cfg, db, rdb, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer srv.rateLimiter.Stop()

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 有効セッション数のゲージを定期的に更新
	go refreshActiveSessions(ctx, srv.sessions, cfg.SessionSweepInterval)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// refreshActiveSessions は起動直後とintervalごとに有効セッション数を集計する。
func refreshActiveSessions(ctx context.Context, sessions *session.Store, interval time.Duration) {
	if interval <= 0 {
		interval = cleanup.DefaultInterval
	}
	count := func() {
		if _, err := sessions.CountActive(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("failed to count active sessions", slog.String("error", err.Error()))
		}
	}

	count()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count()
		}
	}
}

// newCleanupJob はワーカー用のセッション掃除ジョブを組み立てる。
func newCleanupJob(cfg *config.Config, db *sql.DB, rdb redis.UniversalClient) *cleanup.CleanupJob {
	sessions := newSessionStore(cfg,
		repository.NewPostgresSessionRepo(db),
		cache.NewRedisSessionCache(rdb),
		metrics.NopCollector{},
	)
	job := cleanup.NewCleanupJob(sessions, slog.Default())
	job.Interval = cfg.SessionSweepInterval
	return job
}

// runWorker はワーカーモードで起動する。
// セッション掃除ジョブを起動直後とSESSION_SWEEP_INTERVALごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := openRedis(cfg)
	defer rdb.Close()

	job := newCleanupJob(cfg, db, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// メインgoroutineで実行（ブロッキング）
	job.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runSweep はセッション掃除を1回だけ実行する。cron等からの単発実行用。
func runSweep(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := openRedis(cfg)
	defer rdb.Close()

	return newCleanupJob(cfg, db, rdb).Run(context.Background())
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
