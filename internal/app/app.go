// Package app builds the component graph shared by every command.
package app

import (
	"errors"
	"fmt"

	"github.com/jmehdipour/social-publisher/internal/config"
	"github.com/jmehdipour/social-publisher/internal/credential"
	"github.com/jmehdipour/social-publisher/internal/db"
	"github.com/jmehdipour/social-publisher/internal/janitor"
	"github.com/jmehdipour/social-publisher/internal/lease"
	"github.com/jmehdipour/social-publisher/internal/logger"
	"github.com/jmehdipour/social-publisher/internal/metrics"
	"github.com/jmehdipour/social-publisher/internal/notify"
	"github.com/jmehdipour/social-publisher/internal/oauth"
	"github.com/jmehdipour/social-publisher/internal/platform"
	"github.com/jmehdipour/social-publisher/internal/publisher"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmehdipour/social-publisher/internal/scheduler"
	"github.com/jmehdipour/social-publisher/internal/service/queue"
	"github.com/jmehdipour/social-publisher/internal/tokens"
	"github.com/jmehdipour/social-publisher/internal/vault"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ErrNoCryptoKey = errors.New("crypto.key is required (PUBLISHER_CRYPTO_KEY)")

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	MySQL *sqlx.DB
	Redis *redis.Client // nil when not configured

	Tx          *repository.TxRunner
	Accounts    *repository.AccountsRepositoryImpl
	Pubs        *repository.PublicationsRepositoryImpl
	Attempts    *repository.AttemptsRepositoryImpl
	Audit       *repository.AuditRepositoryImpl
	Outbox      *repository.OutboxRepositoryImpl
	DeadLetters *repository.DeadLettersRepositoryImpl

	Credentials *credential.Store
	Tokens      *tokens.Manager
	Platforms   *platform.Registry
	Leases      lease.Locker
	Queue       *queue.Service
	Notifier    *notify.Notifier
	Runner      *publisher.Runner
	Janitor     *janitor.Janitor
	Scheduler   *scheduler.Scheduler
}

// FromCommand loads the config named by the root --config flag and builds the App.
func FromCommand(cmd *cobra.Command) (*App, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a, err := New(cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if cfg.Crypto.Key == "" {
		return nil, ErrNoCryptoKey
	}
	keys, err := vault.NewKeyring(cfg.Crypto.Key, cfg.Crypto.PreviousKeys...)
	if err != nil {
		return nil, fmt.Errorf("build keyring: %w", err)
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	mysqlDB, err := db.NewMySQL(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	rdb, err := db.NewRedis(cfg.Redis)
	if err != nil {
		_ = mysqlDB.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	a := &App{
		Cfg:         cfg,
		Log:         log,
		MySQL:       mysqlDB,
		Redis:       rdb,
		Tx:          repository.NewTxRunner(mysqlDB),
		Accounts:    repository.NewAccountsRepository(mysqlDB),
		Pubs:        repository.NewPublicationsRepository(mysqlDB),
		Attempts:    repository.NewAttemptsRepository(mysqlDB),
		Audit:       repository.NewAuditRepository(mysqlDB),
		Outbox:      repository.NewOutboxRepository(mysqlDB),
		DeadLetters: repository.NewDeadLettersRepository(mysqlDB),
	}

	if rdb != nil {
		a.Leases = lease.NewRedis(rdb, cfg.Tokens.LeaseTTL, cfg.Tokens.LeaseWait, cfg.Tokens.LeasePoll)
	} else {
		log.Warn("redis not configured, account leases are process-local")
		a.Leases = lease.NewLocal(cfg.Tokens.LeaseWait)
	}

	a.Credentials = credential.NewStore(a.Tx, a.Accounts, keys, log.Named("credentials"))
	a.Tokens = tokens.NewManager(a.Credentials, oauth.NewRefreshers(cfg.Platforms, log.Named("oauth")),
		a.Leases, cfg.Tokens.RefreshSkew, log.Named("tokens"))
	a.Platforms = platform.NewRegistryFromConfig(cfg.Platforms, log.Named("platform"))
	a.Queue = queue.New(a.Outbox, cfg.Kafka.Topics)
	a.Notifier = notify.New(repository.NewNotificationsRepository(mysqlDB), log.Named("notify"))

	orch := publisher.NewOrchestrator(a.Tokens, a.Platforms, a.Attempts, a.Pubs, a.Leases,
		cfg.Publisher.Concurrency, log.Named("orchestrator"))
	a.Runner = publisher.NewRunner(a.Tx, a.Pubs, a.Attempts, orch, a.Queue, a.Notifier, a.Platforms,
		cfg.Publisher, log.Named("publisher"))

	a.Janitor = janitor.New(janitor.Deps{
		Tx:       a.Tx,
		Pubs:     a.Pubs,
		Attempts: a.Attempts,
		Accounts: a.Accounts,
		Audit:    a.Audit,
		Prober:   a.Credentials,
		Tokens:   a.Tokens,
		Adapters: a.Platforms,
		Leases:   a.Leases,
		Queue:    a.Queue,
		Notifier: a.Notifier,
	}, cfg.Janitor, cfg.Publisher.DefaultRetries, log.Named("janitor"))

	a.Scheduler = scheduler.New(a.Tx, a.Pubs, a.Accounts, a.Queue, a.Janitor,
		cfg.Scheduler, cfg.Tokens.ExpiryWindow, log.Named("scheduler"))

	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	_ = a.MySQL.Close()
	_ = a.Log.Sync()
}
