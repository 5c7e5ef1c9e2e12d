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
	"golang.org/x/time/rate"

	"github.com/hitoshi/fedimirror/internal/changefeed"
	"github.com/hitoshi/fedimirror/internal/config"
	"github.com/hitoshi/fedimirror/internal/database"
	"github.com/hitoshi/fedimirror/internal/handler"
	"github.com/hitoshi/fedimirror/internal/ingest"
	"github.com/hitoshi/fedimirror/internal/lemmy"
	"github.com/hitoshi/fedimirror/internal/linker"
	"github.com/hitoshi/fedimirror/internal/logger"
	"github.com/hitoshi/fedimirror/internal/metrics"
	"github.com/hitoshi/fedimirror/internal/middleware"
	"github.com/hitoshi/fedimirror/internal/mirror"
	"github.com/hitoshi/fedimirror/internal/reddit"
	"github.com/hitoshi/fedimirror/internal/repository"
	"github.com/hitoshi/fedimirror/internal/security"
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
		slog.String("portal_url", cfg.PortalURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandIngestSubmissions:
		return runIngest(cfg, true, false)
	case CommandIngestComments:
		return runIngest(cfg, false, true)
	case CommandMirrorSubmissions:
		return runMirror(cfg, true, false, false)
	case CommandMirrorComments:
		return runMirror(cfg, false, true, false)
	case CommandMirrorAll:
		return runMirror(cfg, true, true, true)
	case CommandPullChangeFeeds:
		return runPullChangeFeeds(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はピアAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	peerRepo := repository.NewPostgresPeerRepo(db)
	feedRepo := repository.NewPostgresChangeFeedRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	registry := prometheus.NewRegistry()
	metrics.NewCollector(registry)

	// 4. ピア登録サービスの初期化（nodeinfo取得はSSRF対策済みクライアントで行う）
	safeClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	peerService := changefeed.NewService(peerRepo, feedRepo, ssrfGuard, safeClient, slog.Default())

	// 5. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Feed:      feedRepo,
		Registrar: peerService,
		Config: handler.PeerHandlerConfig{
			PortalURL: cfg.PortalURL,
			NodeInfo: changefeed.NodeInfo{
				AcceptsCommunityRequests: cfg.AcceptsCommunityRequests,
				AllowsRedditSignup:       cfg.AllowsRedditSignup,
				AllowsMirroredContent:    cfg.AllowsMirroredContent,
				CreatesMirrorBots:        cfg.CreatesMirrorBots,
				InstanceDomain:           cfg.LemmyMirrorDomain,
			},
		},
		RateLimiter: rateLimiter,
		Gatherer:    registry,
		Logger:      slog.Default(),
	})

	// 6. HTTPサーバーの起動
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
		slog.Info("peer API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down peer API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("peer API server stopped gracefully")
	return nil
}

// runIngest は取り込みワーカーモードで起動する。
// submissionsとcommentsの両方が真の場合は両ループを並行実行する。
func runIngest(cfg *config.Config, submissions, comments bool) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (ingest)")

	communityRepo := repository.NewPostgresCommunityRepo(db)
	submissionRepo := repository.NewPostgresSubmissionRepo(db)
	commentRepo := repository.NewPostgresCommentRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	peerRepo := repository.NewPostgresPeerRepo(db)
	feedRepo := repository.NewPostgresChangeFeedRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	source := reddit.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		slog.Default(),
		cfg.RedditClientID, cfg.RedditClientSecret,
		cfg.RedditUserAgent, cfg.RedditRefreshToken,
	)

	accountLinker, lemmyDB, err := buildLinker(cfg, accountRepo, peerRepo, feedRepo)
	if err != nil {
		return err
	}
	if lemmyDB != nil {
		defer lemmyDB.Close()
	}

	scheduler := ingest.NewScheduler(
		source, communityRepo, submissionRepo, commentRepo, accountRepo,
		accountLinker, collector, slog.Default(),
	)
	scheduler.PollInterval = cfg.PollInterval
	scheduler.BatchSize = cfg.PollBatchSize

	ctx, cancel := signalContext()
	defer cancel()

	slog.Info("ingest worker starting",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Bool("submissions", submissions),
		slog.Bool("comments", comments),
	)

	if submissions && comments {
		go scheduler.StartComments(ctx, cfg.PollInterval)
		scheduler.StartSubmissions(ctx, cfg.PollInterval)
	} else if submissions {
		scheduler.StartSubmissions(ctx, cfg.PollInterval)
	} else {
		scheduler.StartComments(ctx, cfg.PollInterval)
	}

	slog.Info("ingest worker stopped gracefully")
	return nil
}

// runMirror はミラーワーカーモードで起動する。
// withJanitorが真の場合は滞留アイテムの棚卸しジョブも起動する。
func runMirror(cfg *config.Config, submissions, comments, withJanitor bool) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (mirror)")

	if cfg.LemmyMirrorDomain == "" || cfg.ServiceActorUsername == "" {
		// configuration-missing: ミラー機能は設定なしでは動かせない
		return fmt.Errorf("LEMMY_MIRROR_DOMAIN and SERVICE_ACTOR_USERNAME are required for mirror workers")
	}

	submissionRepo := repository.NewPostgresSubmissionRepo(db)
	commentRepo := repository.NewPostgresCommentRepo(db)
	strategyRepo := repository.NewPostgresStrategyRepo(db)
	instanceRepo := repository.NewPostgresInstanceRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	mirrorRepo := repository.NewPostgresMirrorRepo(db)

	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	dest := lemmy.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		slog.Default(),
		"https://"+cfg.LemmyMirrorDomain,
	)

	creds := lemmy.Credentials{
		Username: cfg.ServiceActorUsername,
		Password: cfg.ServiceActorPassword,
	}

	// 画像の再ホストはSSRF対策済みクライアントでダウンロードする
	fetchClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)
	builder := mirror.NewPayloadBuilder(dest, creds, fetchClient, sanitizer, cfg.FetchMaxSize)

	engine := mirror.NewEngine(mirror.EngineDeps{
		SubmissionRepo: submissionRepo,
		CommentRepo:    commentRepo,
		StrategyRepo:   strategyRepo,
		InstanceRepo:   instanceRepo,
		AccountRepo:    accountRepo,
		MirrorRepo:     mirrorRepo,
		Dest:           dest,
		Builder:        builder,
		Governor:       mirror.NewGovernor(cfg.RateLimitCoolDown),
		Sanitizer:      sanitizer,
		Metrics:        collector,
		Logger:         slog.Default(),
	}, mirror.EngineConfig{
		Creds:             creds,
		MaxSubmissionAge:  cfg.MaxSubmissionAge,
		MaxCommentAge:     cfg.MaxCommentAge,
		CommentLookbehind: cfg.CommentLookbehind,
		DiscloseOrigin:    true,
	})

	ctx, cancel := signalContext()
	defer cancel()

	slog.Info("mirror worker starting",
		slog.Duration("interval", cfg.MirrorInterval),
		slog.Bool("submissions", submissions),
		slog.Bool("comments", comments),
		slog.Bool("janitor", withJanitor),
	)

	if withJanitor {
		janitor := mirror.NewJanitor(submissionRepo, commentRepo, slog.Default())
		janitor.SubmissionGrace = cfg.SubmissionGraceTime
		janitor.CommentGrace = cfg.CommentGraceTime

		go func() {
			// 起動直後に1回実行
			if err := janitor.RunOnce(ctx); err != nil {
				slog.Error("janitor run failed", slog.String("error", err.Error()))
			}

			ticker := time.NewTicker(cfg.MirrorInterval * 10)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := janitor.RunOnce(ctx); err != nil {
						slog.Error("janitor run failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	if submissions && comments {
		go engine.StartComments(ctx, cfg.MirrorInterval)
		engine.StartSubmissions(ctx, cfg.MirrorInterval)
	} else if submissions {
		engine.StartSubmissions(ctx, cfg.MirrorInterval)
	} else {
		engine.StartComments(ctx, cfg.MirrorInterval)
	}

	slog.Info("mirror worker stopped gracefully")
	return nil
}

// runPullChangeFeeds はチェンジフィード取り込みワーカーモードで起動する。
func runPullChangeFeeds(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (changefeed)")

	peerRepo := repository.NewPostgresPeerRepo(db)
	feedRepo := repository.NewPostgresChangeFeedRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	communityRepo := repository.NewPostgresCommunityRepo(db)
	instanceRepo := repository.NewPostgresInstanceRepo(db)

	ssrfGuard := security.NewSSRFGuard()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	source := reddit.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		slog.Default(),
		cfg.RedditClientID, cfg.RedditClientSecret,
		cfg.RedditUserAgent, cfg.RedditRefreshToken,
	)

	// ピアへのアクセスはすべてSSRF対策済みクライアントで行う
	safeClient := ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)

	feedRegistry := changefeed.NewRegistry(changefeed.RegistryDeps{
		AccountRepo:   accountRepo,
		CommunityRepo: communityRepo,
		InstanceRepo:  instanceRepo,
		PeerRepo:      peerRepo,
		Source:        source,
		HTTPClient:    safeClient,
		Logger:        slog.Default(),
	})

	puller := changefeed.NewPuller(peerRepo, feedRepo, feedRegistry, safeClient, collector, slog.Default())

	ctx, cancel := signalContext()
	defer cancel()

	slog.Info("changefeed worker starting",
		slog.Duration("interval", cfg.ChangeFeedInterval),
	)

	puller.Start(ctx, cfg.ChangeFeedInterval)

	slog.Info("changefeed worker stopped gracefully")
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

// buildLinker はミラーボット作成が設定されている場合にアカウントリンカーを組み立てる。
// 未設定の場合は起動時に1回ログを出し、nilリンカーを返す（取り込みは紐付けなしで続行する）。
// 返されたDBハンドルは呼び出し側がクローズする。
func buildLinker(
	cfg *config.Config,
	accountRepo repository.AccountRepository,
	peerRepo repository.PeerRepository,
	feedRepo repository.ChangeFeedRepository,
) (ingest.AccountLinker, *sql.DB, error) {
	if !cfg.CreatesMirrorBots || cfg.LemmyDatabaseURL == "" || cfg.LemmyMirrorDomain == "" {
		slog.Info("mirror bot creation is disabled",
			slog.Bool("creates_mirror_bots", cfg.CreatesMirrorBots),
			slog.Bool("lemmy_database_configured", cfg.LemmyDatabaseURL != ""),
			slog.Bool("mirror_domain_configured", cfg.LemmyMirrorDomain != ""),
		)
		return nil, nil, nil
	}

	lemmyDB, err := database.Open(cfg.LemmyDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open lemmy database: %w", err)
	}
	if err := lemmyDB.Ping(); err != nil {
		lemmyDB.Close()
		return nil, nil, fmt.Errorf("failed to connect to lemmy database: %w", err)
	}

	ssrfGuard := security.NewSSRFGuard()
	publisher := changefeed.NewService(peerRepo, feedRepo, ssrfGuard, http.DefaultClient, slog.Default())

	store := linker.NewPostgresBotStore(lemmyDB, cfg.LemmyMirrorDomain)
	accountLinker := linker.NewLinker(store, accountRepo, publisher, cfg.LemmyMirrorDomain, slog.Default())
	return accountLinker, lemmyDB, nil
}

// signalContext はSIGINT/SIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-stop:
			slog.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
