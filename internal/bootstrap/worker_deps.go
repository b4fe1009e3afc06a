package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxorcist/inboxorcist-sub002/adapter/out/messaging"
	"github.com/inboxorcist/inboxorcist-sub002/adapter/out/persistence"
	"github.com/inboxorcist/inboxorcist-sub002/adapter/out/provider"
	"github.com/inboxorcist/inboxorcist-sub002/adapter/out/realtime"
	"github.com/inboxorcist/inboxorcist-sub002/config"
	"github.com/inboxorcist/inboxorcist-sub002/core/port/out"
	"github.com/inboxorcist/inboxorcist-sub002/core/service/mail"
	"github.com/inboxorcist/inboxorcist-sub002/infra/database"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/crypto"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/httputil"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/logger"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/metrics"
	"github.com/inboxorcist/inboxorcist-sub002/pkg/ratelimit"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Dependencies is everything the API and the worker share. In -mode all
// both run on one instance, so the in-process queue is shared too.
type Dependencies struct {
	Config *config.Config
	Log    zerolog.Logger

	DB    *pgxpool.Pool
	SQLDB *sqlx.DB
	Redis *redis.Client
	NATS  *messaging.NATSPublisher

	// Observability
	Pools      *metrics.PoolMonitor
	JobMetrics *metrics.JobMetrics

	// Repositories
	JobRepo     *persistence.JobAdapter
	AccountRepo *persistence.AccountAdapter
	Tokens      *provider.RefreshingTokens
	Mailbox     *persistence.MailboxStore

	// Providers
	Gmail *provider.GmailAdapter

	// Messaging
	Queue  out.JobQueue
	SSE    *realtime.SSEAdapter
	Events out.SyncEventPublisher

	// Services
	SyncService *mail.SyncService
}

func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config:     cfg,
		Log:        logger.Default().Zerolog(),
		Pools:      metrics.NewPoolMonitor(),
		JobMetrics: metrics.NewJobMetrics(0),
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database
	if cfg.DatabaseURL == "" {
		return fail(fmt.Errorf("DATABASE_URL is required"))
	}
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fail(err)
	}
	if version, dirty, err := database.MigrationVersion(cfg.DatabaseURL); err == nil {
		logger.Info("[Deps] Schema at version %d (dirty=%v)", version, dirty)
	}

	pgCfg := database.DefaultPostgresConfig()
	if cfg.DBMaxConns > 0 {
		pgCfg.MaxConns = int32(cfg.DBMaxConns)
	}

	sqlDB, err := database.NewSQLX(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		return fail(fmt.Errorf("connect postgres: %w", err))
	}
	deps.SQLDB = sqlDB
	deps.Pools.Register("postgres", sqlDB.DB)
	cleanups = append(cleanups, func() { sqlDB.Close() })
	logger.Info("[Deps] sqlx pool ready (max=%d, idle=%d)", pgCfg.MaxConns, pgCfg.MaxIdleConns)

	pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, pgCfg)
	if err != nil {
		logger.Warn("[Deps] pgx pool unavailable, readiness uses sqlx only: %v", err)
	} else {
		deps.DB = pool
		cleanups = append(cleanups, pool.Close)
	}

	// Redis
	if cfg.RedisURL != "" {
		redisCfg := database.DefaultRedisConfig()
		if cfg.RedisPoolSize > 0 {
			redisCfg.PoolSize = cfg.RedisPoolSize
		}
		client, err := database.NewRedis(ctx, cfg.RedisURL, redisCfg)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		deps.Redis = client
		cleanups = append(cleanups, func() { client.Close() })
	}

	// Token storage
	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		return fail(err)
	}
	if cipher == nil {
		logger.Warn("[Deps] ENCRYPTION_KEY not set, OAuth tokens are stored unencrypted")
	}

	deps.JobRepo = persistence.NewJobAdapter(sqlDB)
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB, cipher)

	// Embedded mailbox store
	store, err := persistence.NewMailboxStore(cfg.StoreDir)
	if err != nil {
		return fail(err)
	}
	deps.Mailbox = store
	cleanups = append(cleanups, func() {
		if err := store.Close(); err != nil {
			logger.Warn("[Deps] close mailbox store: %v", err)
		}
	})

	// Gmail
	gmailCfg := &provider.GmailConfig{
		ClientID:         cfg.GoogleClientID,
		ClientSecret:     cfg.GoogleClientSecret,
		RedirectURL:      cfg.GoogleRedirectURL,
		FetchConcurrency: cfg.FetchConcurrency,
		HTTPClient:       httputil.GmailClient(),
	}
	deps.Gmail = provider.NewGmailAdapter(gmailCfg, deps.Log)
	deps.Tokens = provider.NewRefreshingTokens(
		deps.AccountRepo,
		provider.OAuthConfig(gmailCfg),
		httputil.GmailClient(),
		deps.Log,
	)

	// Queue
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		deps.Queue = messaging.NewRedisQueue(deps.Redis, messaging.RedisQueueConfig{
			Prefix:       cfg.QueuePrefix,
			Concurrency:  cfg.QueueConcurrency,
			PollInterval: cfg.QueuePollInterval,
			Retention:    cfg.QueueRetention,
		}, deps.Log)
	default:
		deps.Queue = messaging.NewMemoryQueue(messaging.MemoryQueueConfig{
			Concurrency:  cfg.QueueConcurrency,
			PollInterval: cfg.QueuePollInterval,
			Retention:    cfg.QueueRetention,
		}, deps.Log)
	}
	queue := deps.Queue
	cleanups = append(cleanups, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Close(closeCtx); err != nil {
			logger.Warn("[Deps] close queue: %v", err)
		}
	})
	logger.Info("[Deps] Job queue backend: %s (concurrency=%d)", cfg.QueueBackend, cfg.QueueConcurrency)

	// Events: SSE always, JetStream when configured
	deps.SSE = realtime.NewSSEAdapter(deps.Log)
	publishers := messaging.FanoutPublisher{deps.SSE}
	if cfg.NATSURL != "" {
		nats, err := messaging.NewNATSPublisher(cfg.NATSURL, deps.Log)
		if err != nil {
			logger.Warn("[Deps] NATS unavailable, sync events stay in-process: %v", err)
		} else {
			deps.NATS = nats
			publishers = append(publishers, nats)
			cleanups = append(cleanups, nats.Close)
		}
	}
	deps.Events = publishers

	// Sync service
	syncCfg := mail.DefaultSyncConfig()
	syncCfg.PageSize = cfg.SyncPageSize
	syncCfg.DetailBatchSize = cfg.SyncDetailBatchSize
	syncCfg.InsertBatchSize = cfg.SyncInsertBatchSize
	syncCfg.CheckpointPages = cfg.SyncCheckpointPages
	syncCfg.MaxJobRetries = cfg.SyncMaxJobRetries

	deps.SyncService = mail.NewSyncService(
		deps.JobRepo,
		deps.AccountRepo,
		deps.Tokens,
		deps.Gmail,
		deps.Mailbox,
		deps.Queue,
		deps.Events,
		ratelimit.NewRegistry(&ratelimit.Config{
			RequestsPerSecond: cfg.SyncDetailRPS,
			BurstSize:         max(cfg.SyncDetailBatchSize, 1),
			IdleTTL:           30 * time.Minute,
		}),
		deps.Log,
		syncCfg,
	)

	return deps, cleanup, nil
}
