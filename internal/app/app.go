package app

import (
	"context"
	"database/sql"
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/keystone/internal/auth"
	"github.com/hitoshi/keystone/internal/config"
	"github.com/hitoshi/keystone/internal/database"
	"github.com/hitoshi/keystone/internal/handler"
	"github.com/hitoshi/keystone/internal/identity"
	"github.com/hitoshi/keystone/internal/logger"
	"github.com/hitoshi/keystone/internal/metrics"
	"github.com/hitoshi/keystone/internal/middleware"
	"github.com/hitoshi/keystone/internal/provider"
	"github.com/hitoshi/keystone/internal/repository"
	"github.com/hitoshi/keystone/internal/role"
	"github.com/hitoshi/keystone/internal/rpc"
	"github.com/hitoshi/keystone/internal/security"
	"github.com/hitoshi/keystone/internal/session"
	"github.com/hitoshi/keystone/internal/token"
	"github.com/hitoshi/keystone/internal/worker/cleanup"
)

// Version はビルド時に -ldflags "-X github.com/hitoshi/keystone/internal/app.Version=..." で上書きする。
var Version = "dev"

// cleanupInterval はserveモードでの端末クリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		action, ok := ParseMigrateAction(args)
		if !ok {
			return fmt.Errorf("unknown migrate action %q (want up, down or version)", args[1])
		}
		return runMigrate(cfg, action)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// Server はserveモードで組み立てた依存関係。
type Server struct {
	Router      http.Handler
	Dispatcher  *rpc.Dispatcher
	Roles       *role.Registry
	Cleanup     *cleanup.CleanupJob
	RateLimiter *middleware.RateLimiter
}

// Close はバックグラウンドのgoroutineを停止する。
func (s *Server) Close() {
	s.RateLimiter.Stop()
}

// Build は全依存関係をワイヤリングする。
// ロール定義をDBから読み込むため、rolesテーブルが存在している必要がある。
func Build(ctx context.Context, cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*Server, error) {
	// 1. リポジトリの初期化
	identityRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	roleRepo := repository.NewPostgresRoleRepo(db)
	platformRepo := repository.NewPostgresPlatformLinkRepo(db)

	// 2. メトリクスとロール定義
	collector := metrics.NewCollector(reg)
	roles, err := role.NewRegistry()
	if err != nil {
		return nil, err
	}
	roles.OnSwap(collector.RecordRoleReload)
	if err := roles.Load(ctx, roleRepo); err != nil {
		return nil, err
	}

	// 3. トークンとプロバイダー
	tokens, err := token.NewService(cfg.TokenSecret,
		token.WithIssuer(cfg.TokenIssuer),
		token.WithAccessTTL(cfg.AccessTokenTTL),
		token.WithRotationTTL(cfg.RotationTokenTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	providers := buildProviders(cfg)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer(security.DefaultMaxTextRunes)
	avatars := provider.NewAvatarFetcher(ssrfGuard, cfg.AvatarTimeout, cfg.AvatarMaxBytes)

	// 5. ドメインサービスの初期化
	sessions := session.NewStore(sessionRepo, identityRepo, tokens)
	resolver := identity.NewResolver(providers, identityRepo, sessions, roles, tokens,
		identity.WithAvatars(avatars, nil),
		identity.WithSanitizer(sanitizer),
		identity.WithStartingCredits(cfg.StartingCredits),
	)
	authService := auth.NewService(providers, resolver, sessions, collector)
	roleService := role.NewService(roles, roleRepo, identityRepo)

	// 6. ディスパッチャーの構築
	domains := rpc.NewDomainRegistry()
	for _, d := range []struct {
		domain  rpc.Domain
		handler rpc.Handler
	}{
		{rpc.DomainPublic, rpc.NewPublicHandler(Version, time.Now)},
		{rpc.DomainAuth, auth.NewRPCHandler(authService, identityRepo)},
		{rpc.DomainRole, role.NewRPCHandler(roleService)},
	} {
		if err := domains.Register(d.domain, d.handler, 0); err != nil {
			return nil, fmt.Errorf("failed to register %s domain: %w", d.domain, err)
		}
	}
	formatters := rpc.NewFormatterRegistry()
	auth.RegisterFormatters(formatters)

	contextResolver := auth.NewContextResolver(sessions, identityRepo, platformRepo, roles)
	dispatcher := rpc.NewDispatcher(domains, rpc.NewSuffixRegistry(), formatters,
		handler.TrackingResolver(contextResolver),
		rpc.WithObserver(collector),
		rpc.WithLogger(slog.Default()),
	)

	// 7. ルーターの構築（RATE_LIMIT_* はreq/min単位）
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitLogin),
	)
	router := handler.NewRouter(&handler.RouterDeps{
		Dispatcher:  dispatcher,
		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),
		StatusRecorder:    collector,
		Health:            db,
		Version:           Version,
		Metrics:           metrics.Handler(reg),
	})

	slog.Info("dependencies wired",
		slog.Any("providers", providers.Names()),
		slog.Int("roles", len(roles.Roles())),
	)

	return &Server{
		Router:      router,
		Dispatcher:  dispatcher,
		Roles:       roles,
		Cleanup:     cleanup.NewCleanupJob(sessionRepo, slog.Default(), cfg.DeviceRetentionDays),
		RateLimiter: rateLimiter,
	}, nil
}

// buildProviders は設定済みのプロバイダーだけを有効にする。
func buildProviders(cfg *config.Config) *provider.Set {
	var enabled []provider.AuthProvider
	providerConfig := func(p config.ProviderConfig, name string) provider.Config {
		return provider.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  cfg.RedirectURL(p, name),
			Timeout:      cfg.ProviderTimeout,
		}
	}
	if cfg.Google.Enabled() {
		enabled = append(enabled, provider.NewGoogle(providerConfig(cfg.Google, "google")))
	}
	if cfg.Discord.Enabled() {
		enabled = append(enabled, provider.NewDiscord(providerConfig(cfg.Discord, "discord")))
	}
	if cfg.Microsoft.Enabled() {
		enabled = append(enabled, provider.NewMicrosoft(providerConfig(cfg.Microsoft, "microsoft"), cfg.MicrosoftTenant))
	}
	return provider.NewSet(enabled...)
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと端末クリーンアップを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := Build(ctx, cfg, db, reg)
	if err != nil {
		return err
	}
	defer srv.Close()

	go srv.Cleanup.Start(ctx, cleanupInterval)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
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
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runCleanup は端末クリーンアップを1回実行する。cron等からの起動用。
func runCleanup(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	job := cleanup.NewCleanupJob(repository.NewPostgresSessionRepo(db), slog.Default(), cfg.DeviceRetentionDays)
	_, err = job.Run(context.Background())
	return err
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config, action MigrateAction) error {
	slog.Info("running database migrations",
		slog.String("action", string(action)),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch action {
	case MigrateDown:
		if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	case MigrateVersion:
		version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to read migration version: %w", err)
		}
		slog.Info("current migration version",
			slog.Uint64("version", uint64(version)),
			slog.Bool("dirty", dirty),
		)
		return nil
	default:
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	return checkHealth(fmt.Sprintf("http://localhost:%s/health", port))
}

func checkHealth(endpoint string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
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
