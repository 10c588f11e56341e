package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/glassware/internal/audit"
	"github.com/hitoshi/glassware/internal/auth"
	"github.com/hitoshi/glassware/internal/command"
	"github.com/hitoshi/glassware/internal/config"
	"github.com/hitoshi/glassware/internal/credential"
	"github.com/hitoshi/glassware/internal/database"
	"github.com/hitoshi/glassware/internal/handler"
	"github.com/hitoshi/glassware/internal/location"
	"github.com/hitoshi/glassware/internal/logger"
	"github.com/hitoshi/glassware/internal/metrics"
	"github.com/hitoshi/glassware/internal/middleware"
	"github.com/hitoshi/glassware/internal/mirror"
	"github.com/hitoshi/glassware/internal/model"
	"github.com/hitoshi/glassware/internal/notify"
	"github.com/hitoshi/glassware/internal/repository"
	"github.com/hitoshi/glassware/internal/security"
	"github.com/hitoshi/glassware/internal/user"
	"github.com/hitoshi/glassware/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

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
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRollback:
		return runRollback(cfg)
	case CommandCleanup:
		return runCleanup(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	credentialRepo := repository.NewPostgresCredentialRepo(db)
	locationRepo := repository.NewPostgresLocationRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 認証と認可情報ストア
	oauthCfg := auth.NewOAuth2Config(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	oauthProvider := auth.NewGoogleOAuthProvider(oauthCfg, cfg.UserinfoURL, &http.Client{Timeout: cfg.MirrorTimeout})
	credStore := credential.NewStore(credentialRepo, oauthProvider)
	authService := auth.NewService(
		oauthProvider, credStore, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 5. Mirror APIクライアント
	mirrorFactory := mirror.NewFactory(oauthCfg, mirror.FactoryConfig{
		BaseURL:  cfg.MirrorBaseURL,
		BatchURL: cfg.MirrorBatchURL,
		Timeout:  cfg.MirrorTimeout,
		OnCall:   collector.RecordMirrorCall,
		OnTokenRefresh: func(ctx context.Context, userID string, tok *oauth2.Token) {
			if err := credStore.Store(ctx, userID, credential.FromToken(userID, tok)); err != nil {
				slog.Error("failed to persist refreshed token",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
		},
	}, slog.Default())

	// 6. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	imageFetcher := security.NewImageFetcher(
		ssrfGuard,
		ssrfGuard.NewSafeClient(cfg.ImageFetchTimeout),
		cfg.ImageFetchMaxSize,
	)
	sanitizer := security.NewCardSanitizer()

	// 7. ドメインサービスの初期化
	locationService := location.NewService(locationRepo, cfg.LocationTTL, cfg.ArrivalRadiusMiles)
	recorder := audit.NewRecorder(auditRepo)

	dispatcher := notify.NewDispatcher(
		credStore,
		func(ctx context.Context, cred *model.Credential) notify.MirrorAPI {
			return mirrorFactory.ForCredential(ctx, cred)
		},
		locationService,
		recorder,
		imageFetcher,
		collector,
		notify.Config{
			CallbackURL:   cfg.NotifyCallbackURL(),
			ContactName:   cfg.ContactName,
			DrillImageURL: cfg.DrillImageURL,
		},
		slog.Default(),
	)

	executor := command.NewExecutor(
		credStore,
		func(ctx context.Context, cred *model.Credential) command.MirrorAPI {
			return mirrorFactory.ForCredential(ctx, cred)
		},
		mirrorFactory,
		recorder,
		sanitizer,
		validator.New(validator.WithRequiredStructEnabled()),
		collector,
		command.Config{
			BaseURL:           cfg.BaseURL,
			CallbackURL:       cfg.NotifyCallbackURL(),
			ContactName:       cfg.ContactName,
			DemoHostname:      cfg.DemoHostname,
			BroadcastMaxUsers: cfg.BroadcastMaxUsers,
		},
		slog.Default(),
	)

	userService := user.NewService(credStore, sessionRepo)

	// 8. ルーターの構築
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}

	deps := &handler.RouterDeps{
		Logger:        slog.Default(),
		HealthChecker: db,
		SessionFinder: sessionRepo,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),
		NotifyRatePerMin:  cfg.RateLimitNotify,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		Dispatcher:     dispatcher,
		Rejections:     collector,
		NotifyMaxLines: cfg.NotifyMaxLines,

		CommandExecutor: executor,
		TagLister:       locationService,
		UserService:     userService,

		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("notify_callback", cfg.NotifyCallbackURL()),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、監査レコードと期限切れセッションのクリーンアップを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. クリーンアップジョブの初期化
	cleanupJob := newCleanupJob(db, cfg)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("retention_days", cleanupJob.RetentionDays),
	)

	// 起動直後に1回実行し、以降は日次で実行する
	cleanupJob.RunEvery(ctx, 24*time.Hour)
	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanup はクリーンアップジョブを1回だけ実行して終了する。
// cronなど外部スケジューラから起動する用途を想定している。
func runCleanup(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := newCleanupJob(db, cfg).Run(context.Background()); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// newCleanupJob は設定の保持日数を反映したクリーンアップジョブを生成する。
func newCleanupJob(db cleanup.Executor, cfg *config.Config) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(db, slog.Default())
	if cfg.AuditRetentionDays > 0 {
		job.RetentionDays = cfg.AuditRetentionDays
	}
	return job
}

// openDB はプール設定を適用してDB接続を開き、応答するまで待機する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.WaitReady(ctx, db, cfg.DBConnectAttempts, 2*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runRollback は直近のマイグレーションを1件だけ巻き戻す。
func runRollback(cfg *config.Config) error {
	slog.Warn("rolling back latest database migration",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RollbackMigrations(cfg.DatabaseURL, 1); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	slog.Info("database rollback completed")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
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

// maskDatabaseURL はデータベースURLのパスワードを伏せ字にする。
// URLとして解釈できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
