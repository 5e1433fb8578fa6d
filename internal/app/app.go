// Package app はコマンドごとの依存関係のワイヤリングとサーバーの起動を提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hitoshi/authrelay/internal/auth"
	"github.com/hitoshi/authrelay/internal/config"
	"github.com/hitoshi/authrelay/internal/database"
	"github.com/hitoshi/authrelay/internal/frontend"
	"github.com/hitoshi/authrelay/internal/handler"
	"github.com/hitoshi/authrelay/internal/httpretry"
	"github.com/hitoshi/authrelay/internal/logger"
	"github.com/hitoshi/authrelay/internal/metrics"
	"github.com/hitoshi/authrelay/internal/middleware"
	"github.com/hitoshi/authrelay/internal/password"
	"github.com/hitoshi/authrelay/internal/repository"
	"github.com/hitoshi/authrelay/internal/security"
	"github.com/hitoshi/authrelay/internal/verifier"
	"github.com/hitoshi/authrelay/internal/worker/cleanup"
)

const (
	// shutdownTimeout はグレースフルシャットダウンの待機上限。
	shutdownTimeout = 30 * time.Second
	// defaultWriteTimeout は外向き呼び出しを行わないサーバーの書き込みタイムアウト。
	defaultWriteTimeout = 30 * time.Second
	// writeTimeoutMargin は外向き呼び出しの最悪時間に上乗せする応答書き込みの余裕。
	writeTimeoutMargin = 5 * time.Second
)

type serverFunc func(ctx context.Context, cfg *config.Config) error

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := NewRootCmd(w)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}

// newMetrics はプロセスごとのレジストリとCollector、/metricsハンドラーを生成する。
func newMetrics() (*metrics.Collector, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.NewCollector(reg), metrics.Handler(reg)
}

// newOutboundClient は認証サービス等への外向き呼び出しに使うクライアントを生成する。
func newOutboundClient(cfg *config.Config, collector *metrics.Collector, name string) *httpretry.Client {
	return httpretry.NewClient(
		&http.Client{Timeout: cfg.OutboundTimeout},
		slog.Default(),
		httpretry.Config{
			MaxAttempts:             cfg.RetryMaxAttempts,
			BaseDelay:               cfg.RetryBaseDelay,
			BreakerName:             name,
			BreakerFailureThreshold: cfg.BreakerFailureThreshold,
			BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		},
		httpretry.WithMetrics(collector),
	)
}

// outboundBudget はリトライを含む外向き呼び出し1回の最悪所要時間を返す。
// 全試行のタイムアウトと試行間のバックオフ（base, 2·base, 4·base…）の合計。
func outboundBudget(cfg *config.Config) time.Duration {
	budget := time.Duration(cfg.RetryMaxAttempts) * cfg.OutboundTimeout
	delay := cfg.RetryBaseDelay
	for k := 1; k < cfg.RetryMaxAttempts; k++ {
		budget += delay
		delay *= 2
	}
	return budget
}

// outboundWriteTimeout は外向き呼び出しを待つサーバーの書き込みタイムアウトを返す。
// ゲートやサーバーアクションの応答が最悪時間の後でも書き込めるようにする。
func outboundWriteTimeout(cfg *config.Config) time.Duration {
	if t := outboundBudget(cfg) + writeTimeoutMargin; t > defaultWriteTimeout {
		return t
	}
	return defaultWriteTimeout
}

// authStores は認証サービスのストア一式。
type authStores struct {
	health   handler.HealthChecker
	users    repository.UserRepository
	sessions repository.SessionRepository
	// expired はPostgresセッションストアの場合のみ設定される。
	expired repository.ExpiredSessionDeleter
	close   func()
}

// openAuthStores はDB接続を開き、REDIS_URLが設定されていればセッションをRedisに置く。
func openAuthStores(ctx context.Context, cfg *config.Config) (*authStores, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	stores := &authStores{
		health: db,
		users:  repository.NewPostgresUserRepo(db),
		close:  func() { db.Close() },
	}

	if cfg.RedisURL == "" {
		sessions := repository.NewPostgresSessionRepo(db)
		stores.sessions = sessions
		stores.expired = sessions
		return stores, nil
	}

	client, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	stores.sessions = repository.NewRedisSessionRepo(client)
	stores.close = func() {
		client.Close()
		db.Close()
	}
	slog.Info("redis session store enabled")
	return stores, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// authHandlerDeps は認証サービスのハンドラー構築に必要な依存関係。
type authHandlerDeps struct {
	health      handler.HealthChecker
	users       repository.UserRepository
	sessions    repository.SessionRepository
	collector   *metrics.Collector
	metrics     http.Handler
	rateLimiter *middleware.RateLimiter
}

// buildAuthHandler は認証サービスのルーターを構築する。
func buildAuthHandler(cfg *config.Config, deps authHandlerDeps) (http.Handler, error) {
	hasher, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return nil, fmt.Errorf("failed to create password hasher: %w", err)
	}

	authService := auth.NewService(
		deps.users, deps.sessions, hasher, security.NewNameSanitizer(), deps.collector,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	return handler.NewAuthRouter(&handler.AuthRouterDeps{
		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieName:    cfg.SessionCookieName,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		CORSAllowedOrigin: cfg.AppURL,
		TrustedOrigins:    []string{cfg.AppURL},
		RateLimiter:       deps.rateLimiter,
		HealthChecker:     deps.health,
		MetricsHandler:    deps.metrics,
		Logger:            slog.Default(),
	}), nil
}

// runAuth は認証サービスを起動する。
// Postgresセッションストアの場合は期限切れセッションのクリーンアップジョブも起動する。
func runAuth(ctx context.Context, cfg *config.Config) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	stores, err := openAuthStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	collector, metricsHandler := newMetrics()
	limiter := middleware.NewRateLimiter("auth", middleware.AuthRateLimiterConfig(cfg.RateLimitAuth))
	defer limiter.Stop()

	router, err := buildAuthHandler(cfg, authHandlerDeps{
		health:      stores.health,
		users:       stores.users,
		sessions:    stores.sessions,
		collector:   collector,
		metrics:     metricsHandler,
		rateLimiter: limiter,
	})
	if err != nil {
		return err
	}

	if stores.expired != nil {
		job := cleanup.NewCleanupJob(stores.expired, slog.Default())
		go job.Start(ctx, cfg.CleanupInterval)
	}

	return serveHTTP(ctx, string(CommandAuth), cfg.AuthPort, router, defaultWriteTimeout)
}

// buildProductHandler はアクセスゲートで保護したリソースサービスのルーターを構築する。
func buildProductHandler(cfg *config.Config, collector *metrics.Collector, metricsHandler http.Handler) http.Handler {
	sender := newOutboundClient(cfg, collector, "auth-session")
	sessionVerifier := verifier.NewClient(sender, cfg.AuthBaseURL, cfg.AppURL, slog.Default(), collector)

	return handler.NewProductRouter(&handler.ProductRouterDeps{
		Gate: middleware.NewGateMiddleware(middleware.GateConfig{
			Verifier: sessionVerifier,
			Metrics:  collector,
			Logger:   slog.Default(),
		}),
		MetricsHandler: metricsHandler,
		Logger:         slog.Default(),
	})
}

// runProductAPI はリソースサービスを起動する。
func runProductAPI(ctx context.Context, cfg *config.Config) error {
	collector, metricsHandler := newMetrics()
	return serveHTTP(ctx, string(CommandProductAPI), cfg.ProductAPIPort,
		buildProductHandler(cfg, collector, metricsHandler), outboundWriteTimeout(cfg))
}

// buildFrontendHandler はフロントエンドサーバーのルーターを構築する。
// 認証サービスとリソースサービスはそれぞれ別のクライアントとサーキットブレーカーで呼び出す。
func buildFrontendHandler(cfg *config.Config, collector *metrics.Collector, metricsHandler http.Handler) http.Handler {
	authSender := newOutboundClient(cfg, collector, "frontend-auth")
	productSender := newOutboundClient(cfg, collector, "frontend-product-api")
	sessionVerifier := verifier.NewClient(authSender, cfg.AuthBaseURL, cfg.AppURL, slog.Default(), collector)

	actions := frontend.NewActions(authSender, productSender, sessionVerifier, frontend.Config{
		AuthBaseURL:   cfg.AuthBaseURL,
		ProductAPIURL: cfg.ProductAPIURL,
		Origin:        cfg.AppURL,
		CookiePrefix:  cfg.SessionCookiePrefix,
		CookieDomain:  cfg.CookieDomain,
	}, slog.Default())

	return handler.NewFrontendRouter(&handler.FrontendRouterDeps{
		Actions:        actions,
		TrustedOrigins: []string{cfg.AppURL},
		MetricsHandler: metricsHandler,
		Logger:         slog.Default(),
	})
}

// runFrontend はフロントエンドサーバーを起動する。
func runFrontend(ctx context.Context, cfg *config.Config) error {
	collector, metricsHandler := newMetrics()
	return serveHTTP(ctx, string(CommandFrontend), cfg.FrontendPort,
		buildFrontendHandler(cfg, collector, metricsHandler), outboundWriteTimeout(cfg))
}

// serveHTTP はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func serveHTTP(ctx context.Context, name, port string, h http.Handler, writeTimeout time.Duration) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			slog.String("service", name),
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server...", slog.String("service", name))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully", slog.String("service", name))
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

	slog.Info("database migrations completed successfully")
	return nil
}

// runRollback は直近stepsの数だけマイグレーションを戻す。
func runRollback(cfg *config.Config, steps int) error {
	slog.Info("rolling back database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("steps", steps),
	)

	if err := database.RollbackMigrations(cfg.DatabaseURL, steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database rollback completed successfully")
	return nil
}

// runMigrateVersion は現在のマイグレーションバージョンを出力する。
func runMigrateVersion(cmd *cobra.Command, cfg *config.Config) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	cmd.Printf("version=%d dirty=%t\n", version, dirty)
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
