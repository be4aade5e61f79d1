package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authsvc/internal/auth"
	"github.com/hitoshi/authsvc/internal/config"
	"github.com/hitoshi/authsvc/internal/database"
	"github.com/hitoshi/authsvc/internal/handler"
	"github.com/hitoshi/authsvc/internal/logger"
	"github.com/hitoshi/authsvc/internal/metrics"
	"github.com/hitoshi/authsvc/internal/middleware"
	"github.com/hitoshi/authsvc/internal/repository"
	"github.com/hitoshi/authsvc/internal/security"
	"github.com/hitoshi/authsvc/internal/user"
	"github.com/hitoshi/authsvc/internal/worker/cleanup"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 30 * time.Second
	providerTimeout = 10 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

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
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandServe:
		return runServe(ctx, cfg)
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// openStore はDB接続プールを開き、初回の疎通確認を行う。
// 可用性の変化はcollectorに記録する。
func openStore(ctx context.Context, cfg *config.Config, collector *metrics.Collector) (*database.Handle, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	handle := database.NewHandle(db, database.HandleConfig{
		HealthInterval: cfg.StoreHealthInterval,
		OnStateChange:  collector.SetStoreAvailable,
	}, slog.Default())

	if err := handle.Connect(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return handle, nil
}

// newRegistry はアプリケーションのメトリクスとプロセスメトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildRouter は全依存関係をワイヤリングしてAPIルーターを構築する。
// 戻り値のstop関数でバックグラウンド処理（レートリミッターのクリーンアップ）を停止する。
func buildRouter(cfg *config.Config, store *database.Handle, collector *metrics.Collector, gatherer prometheus.Gatherer) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(store, cfg.StoreTimeout)
	identityRepo := repository.NewPostgresIdentityRepo(store, cfg.StoreTimeout)
	sessionRepo := repository.NewPostgresSessionRepo(store, cfg.StoreTimeout)

	// 2. セキュリティ部品の初期化
	signer, err := security.NewTokenSigner(security.TokenConfig{
		AccessSecret:  []byte(cfg.AccessTokenSecret),
		RefreshSecret: []byte(cfg.RefreshTokenSecret),
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
		Issuer:        cfg.TokenIssuer,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	hasher := security.NewPasswordHasher(cfg.BcryptCost)

	// 3. ドメインサービスの初期化
	logger := slog.Default()
	userService := user.NewService(userRepo, identityRepo, hasher, logger)
	authService := auth.NewService(userRepo, sessionRepo, signer, hasher, collector, logger)

	// IdPへの送信は内部ネットワーク宛てを拒否するクライアントで行う
	egress := security.NewEgressGuard()
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   egress.NewProviderClient(providerTimeout),
	})
	for _, endpoint := range oauthProvider.Endpoints() {
		if err := egress.ValidateEndpoint(endpoint); err != nil {
			return nil, nil, fmt.Errorf("invalid identity provider endpoint: %w", err)
		}
	}
	bridge := auth.NewBridge(oauthProvider, userService, authService, collector, logger)

	// 4. ルーターの構築
	trusted, err := middleware.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse trusted proxies: %w", err)
	}
	limiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAuth))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		TrustedProxies:    trusted,
		HTTPRecorder:      collector,
		AccessVerifier:    signer,
		UserFinder:        userRepo,

		AuthService:  authService,
		Registration: userService,
		OAuth:        bridge,
		Recorder:     collector,
		AuthConfig: handler.AuthHandlerConfig{
			PostLoginURL:  cfg.PostLoginURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			AccessMaxAge:  int(signer.AccessTTL().Seconds()),
			RefreshMaxAge: int(signer.RefreshTTL().Seconds()),
		},

		Health:   store,
		Gatherer: gatherer,
	})

	return router, limiter.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	reg, collector := newRegistry()

	// 1. DB接続
	store, err := openStore(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	// 2. 疎通確認と再接続をバックグラウンドで継続
	go store.Run(ctx)

	// 3. ルーターの構築
	router, stopLimiter, err := buildRouter(cfg, store, collector, reg)
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、セッションのクリーンアップジョブを定期実行する。
// コンテナのヘルスチェック用に/healthと/metricsだけを公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	reg, collector := newRegistry()

	// 1. DB接続
	store, err := openStore(ctx, cfg, collector)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	go store.Run(ctx)

	// 2. クリーンアップジョブの初期化
	sessionRepo := repository.NewPostgresSessionRepo(store, cfg.StoreTimeout)
	job := cleanup.NewCleanupJob(sessionRepo, collector, slog.Default(), cfg.SessionRetention)

	// 3. ヘルスチェック用サーバー
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))
	r.Get("/health", handler.HealthHandler(store))
	r.Handle("/metrics", metrics.Handler(reg))
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("session_retention", cfg.SessionRetention),
	)

	go job.Start(ctx, cfg.CleanupInterval)

	return serveUntilDone(ctx, server, "worker")
}

// serveUntilDone はサーバーを起動し、ctxのキャンセルまたは起動失敗まで待つ。
// キャンセル時はshutdownTimeout以内にグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}

	slog.Info(name + " stopped gracefully")
	return nil
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

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
