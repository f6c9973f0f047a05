package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/linedesk/internal/casework"
	"github.com/hitoshi/linedesk/internal/config"
	"github.com/hitoshi/linedesk/internal/database"
	"github.com/hitoshi/linedesk/internal/handler"
	"github.com/hitoshi/linedesk/internal/logger"
	"github.com/hitoshi/linedesk/internal/metrics"
	"github.com/hitoshi/linedesk/internal/middleware"
	"github.com/hitoshi/linedesk/internal/repository"
	"github.com/hitoshi/linedesk/internal/security"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からコマンドに応じたConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	// 1. .envの読み込み（環境変数が優先される）
	if err := config.LoadDotEnv(""); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	var (
		cfg *config.Config
		err error
	)
	if cmd == CommandOperator {
		cfg, err = config.LoadOperator()
	} else {
		cfg, err = config.LoadServer()
	}
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

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("case_store", cfg.CaseStore),
	)

	// SIGINTまたはSIGTERMでコンテキストをキャンセルし、グレースフルシャットダウンする
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandOperator:
		return runOperator(ctx, cfg, os.Stdin, os.Stdout)
	case CommandMigrate:
		return runMigrate(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はAPIサーバーの構成要素と後始末の手順を保持する。
type server struct {
	handler http.Handler
	closers []func()
}

// Close は開いた接続を逆順に閉じる。
func (s *server) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// buildServer はケースストア、キャッシュ、メトリクス、ルーターをワイヤリングする。
func buildServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, error) {
	s := &server{}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. ケースストア（必要に応じてRedisキャッシュを前段に置く）
	repo, err := s.openCaseRepository(ctx, cfg, collector, log)
	if err != nil {
		s.Close()
		return nil, err
	}

	// 3. ケースエンジン
	sanitizer := security.NewSnippetSanitizer(security.DefaultSnippetLength)
	store := casework.NewStore(repo, sanitizer, collector)
	claims := casework.NewClaimCoordinator(repo, collector)

	// 4. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitClaim),
	)
	s.closers = append(s.closers, rateLimiter.Stop)

	if cfg.IngestToken == "" {
		log.Warn("INGEST_TOKENが未設定のため、メッセージ取り込みは認証なしで受け付けます")
	}

	s.handler = handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		IngestToken:       cfg.IngestToken,
		Logger:            log,
		Metrics:           collector,
		CaseService:       store,
		ClaimService:      claims,
		Health:            store,
		MetricsHandler:    metrics.Handler(reg),
	})

	return s, nil
}

// openCaseRepository はCASE_STOREに応じたリポジトリを開く。
// REDIS_URLが設定されている場合は一覧取得をキャッシュするデコレーターで包む。
func (s *server) openCaseRepository(ctx context.Context, cfg *config.Config, m metrics.MetricsCollector, log *slog.Logger) (repository.CaseRepository, error) {
	var repo repository.CaseRepository

	switch cfg.CaseStore {
	case config.StorePostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		log.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		repo = repository.NewPostgresCaseRepo(db)

	case config.StoreMongo:
		mdb, err := database.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = mdb.Client().Disconnect(context.Background()) })

		mongoRepo := repository.NewMongoCaseRepo(mdb)
		if err := mongoRepo.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		log.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))
		repo = mongoRepo

	case config.StoreMemory:
		log.Warn("インメモリのケースストアを使用します。再起動でケースは失われます")
		repo = repository.NewMemoryCaseRepo()

	default:
		return nil, fmt.Errorf("unsupported case store %q", cfg.CaseStore)
	}

	if cfg.RedisURL == "" {
		return repo, nil
	}

	rdb, err := database.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = rdb.Close() })
	log.Info("redis cache enabled", slog.Duration("ttl", cfg.CacheTTL))

	return repository.NewCachedCaseRepo(repo, rdb, cfg.CacheTTL, m), nil
}

// runServe はAPIサーバーモードで起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	srv, err := buildServer(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer srv.Close()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はケースストアのスキーマを準備する。
// PostgreSQLでは未適用のマイグレーションを順番に適用し、MongoDBではインデックスを作成する。
func runMigrate(ctx context.Context, cfg *config.Config) error {
	switch cfg.CaseStore {
	case config.StorePostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if version, _, err := database.SchemaVersion(cfg.DatabaseURL); err == nil {
			slog.Info("schema version", slog.Uint64("version", uint64(version)))
		}

	case config.StoreMongo:
		slog.Info("creating mongodb indexes", slog.String("database", cfg.MongoDatabase))
		mdb, err := database.OpenMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return err
		}
		defer func() { _ = mdb.Client().Disconnect(context.Background()) }()

		if err := repository.NewMongoCaseRepo(mdb).EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

	default:
		slog.Info("no migrations required", slog.String("case_store", cfg.CaseStore))
		return nil
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
