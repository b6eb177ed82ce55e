// Package app assembles the voucher engine from configuration. The API, the
// worker and the CLI tools build the same graph through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/config"
	"github.com/noah-isme/mealpass/internal/directory"
	"github.com/noah-isme/mealpass/internal/events"
	"github.com/noah-isme/mealpass/internal/health"
	"github.com/noah-isme/mealpass/internal/lock"
	"github.com/noah-isme/mealpass/internal/notify"
	"github.com/noah-isme/mealpass/internal/qrimage"
	"github.com/noah-isme/mealpass/internal/resilience"
	"github.com/noah-isme/mealpass/internal/storage/memory"
	"github.com/noah-isme/mealpass/internal/storage/postgres"
	"github.com/noah-isme/mealpass/internal/storage/sqlite"
	"github.com/noah-isme/mealpass/internal/tasks"
	"github.com/noah-isme/mealpass/internal/voucher"
)

const applicationName = "mealpass"

// Dependencies enumerates the services shared by the processes of the engine.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Redis     *redis.Client
	Store     voucher.Store
	Stats     voucher.StatsReader
	Events    events.EventReader
	Bus       *events.Bus
	Directory voucher.Directory
	Images    qrimage.Encoder
	Issuer    *voucher.Issuer
	Redeemer  *voucher.Redeemer
	Tasks     *tasks.Enqueuer
	Validator *validator.Validate
	Probes    []health.Probe

	redisOpt asynq.RedisConnOpt
	closers  []func() error
}

// New opens every backend named by cfg. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	d := &Dependencies{
		Config:    cfg,
		Logger:    logger,
		Images:    qrimage.NewEncoder(),
		Validator: validator.New(),
	}
	if err := d.build(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dependencies) build(ctx context.Context) error {
	cfg := d.Config
	mealTypes, err := voucher.ParseMealTypes(cfg.MealTypes)
	if err != nil {
		return err
	}
	if err := d.openRedis(ctx); err != nil {
		return err
	}
	eventStore, err := d.openStore(ctx)
	if err != nil {
		return err
	}
	if err := d.openDirectory(); err != nil {
		return err
	}

	var notifiers []events.Notifier
	if d.redisOpt != nil {
		client := asynq.NewClient(d.redisOpt)
		d.closers = append(d.closers, client.Close)
		d.Tasks = &tasks.Enqueuer{
			Client:     client,
			Queue:      cfg.TaskQueue,
			MaxRetry:   cfg.TaskMaxRetry,
			BulkUnique: cfg.BulkUniqueTTL,
		}
		notifiers = append(notifiers, notify.VoucherMailer{
			Queue:   d.Tasks,
			Enabled: cfg.NotifyEmailEnabled,
			Logger:  &d.Logger,
		})
		endpoints, err := notify.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			return err
		}
		if len(endpoints) > 0 {
			notifiers = append(notifiers, notify.WebhookNotifier{
				Queue:     d.Tasks,
				Endpoints: endpoints,
				Topics:    topicSet(cfg.WebhookTopics),
			})
		}
	}
	d.Bus = &events.Bus{Store: eventStore, Notifiers: notifiers}

	d.Issuer = &voucher.Issuer{
		Store:       d.Store,
		Directory:   d.Directory,
		MealTypes:   mealTypes,
		Events:      d.Bus,
		LockTTL:     cfg.BulkIssueLockTTL,
		Concurrency: cfg.BulkIssueConcurrency,
		Logger:      &d.Logger,
	}
	if d.Redis != nil {
		d.Issuer.Locker = lock.Locker{R: d.Redis, RenewEvery: cfg.LockRenewEvery}
	}
	d.Redeemer = &voucher.Redeemer{Store: d.Store, Events: d.Bus, Logger: &d.Logger}
	return nil
}

func (d *Dependencies) openRedis(ctx context.Context) error {
	cfg := d.Config
	if !cfg.RedisEnabled() {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	d.closers = append(d.closers, client.Close)
	if err := redisotel.InstrumentTracing(client); err != nil {
		d.Logger.Error().Err(err).Msg("instrument redis tracing")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	connOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url for tasks: %w", err)
	}
	d.Redis = client
	d.redisOpt = connOpt
	d.Probes = append(d.Probes, health.Probe{
		Name:     "redis",
		Ping:     func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Timeout:  300 * time.Millisecond,
		Optional: true,
	})
	return nil
}

func (d *Dependencies) openStore(ctx context.Context) (events.EventStore, error) {
	cfg := d.Config
	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, applicationName)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error { pool.Close(); return nil })
		st := postgres.New(pool)
		d.useStore(st, st)
		return st, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, cfg.MigrateOnStart)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, st.Close)
		d.useStore(st, st)
		return st, nil
	case config.StoreMemory:
		st := memory.New()
		d.useStore(st, st)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

type statsStore interface {
	voucher.Store
	voucher.StatsReader
}

func (d *Dependencies) useStore(st statsStore, reader events.EventReader) {
	d.Store = st
	d.Stats = st
	d.Events = reader
	d.Probes = append(d.Probes, health.Probe{Name: "store", Ping: st.Ping})
}

// openDirectory builds source -> circuit breaker -> Redis cache.
func (d *Dependencies) openDirectory() error {
	cfg := d.Config
	var source voucher.Directory
	switch cfg.DirectoryDriver {
	case config.DirectoryMySQL:
		m, err := directory.OpenMySQL(cfg.DirectoryDSN, cfg.DirectoryTable, directory.Columns{
			ID:     cfg.DirectoryColumns.ID,
			Name:   cfg.DirectoryColumns.Name,
			Ref:    cfg.DirectoryColumns.Ref,
			Email:  cfg.DirectoryColumns.Email,
			Active: cfg.DirectoryColumns.Active,
		}, d.Logger)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, m.Close)
		d.Probes = append(d.Probes, health.Probe{Name: "directory", Ping: m.Ping, Optional: true})
		source = m
	case config.DirectoryHTTP:
		source = directory.HTTP{
			BaseURL: cfg.DirectoryURL,
			Client: resilience.HTTPClient{
				Client:      directory.NewHTTPClient(cfg.DirectoryTimeout),
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      cfg.RetryJitterPercent,
				Timeout:     cfg.DirectoryTimeout,
			},
		}
	case config.DirectoryStatic:
		if cfg.DirectoryStaticFile == "" {
			source = directory.NewStatic()
			break
		}
		st, err := directory.LoadStaticFile(cfg.DirectoryStaticFile)
		if err != nil {
			return err
		}
		source = st
	default:
		return fmt.Errorf("unsupported directory driver %q", cfg.DirectoryDriver)
	}

	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("directory").
		WithLogger(d.Logger)
	var dir voucher.Directory = directory.Guarded{Next: source, Breaker: breaker, Source: cfg.DirectoryDriver}
	if d.Redis != nil && cfg.DirectoryCacheTTL > 0 {
		dir = directory.Cached{
			Next:   dir,
			Cache:  directory.NewCache(d.Redis, cfg.DirectoryCacheTTL),
			Logger: &d.Logger,
		}
	}
	d.Directory = dir
	return nil
}

// RedisConnOpt returns the asynq connection settings, or nil without Redis.
func (d *Dependencies) RedisConnOpt() asynq.RedisConnOpt {
	return d.redisOpt
}

// Mailer returns the SMTP sender, or a logging sender when SMTP is not configured.
func (d *Dependencies) Mailer() common.EmailSender {
	cfg := d.Config
	sender := notify.SMTPSender{
		Host:     cfg.SMTPHost,
		Port:     strconv.Itoa(cfg.SMTPPort),
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.MailFrom,
		FromName: cfg.MailFromName,
	}
	if !sender.Configured() {
		return notify.LogSender{Logger: d.Logger.With().Str("component", "mail").Logger()}
	}
	return sender
}

// EmailDeliverer renders and sends voucher emails for the worker.
func (d *Dependencies) EmailDeliverer() *notify.Deliverer {
	return &notify.Deliverer{Vouchers: d.Store, Images: d.Images, Mail: d.Mailer()}
}

// WebhookDispatcher posts events to the configured endpoints.
func (d *Dependencies) WebhookDispatcher() (*notify.Dispatcher, error) {
	cfg := d.Config
	endpoints, err := notify.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	breaker := resilience.NewBreaker(cfg.BreakerMinRequests, cfg.BreakerFailureRatio, cfg.BreakerOpenFor).
		WithTarget("webhook").
		WithLogger(d.Logger)
	return &notify.Dispatcher{
		Endpoints: endpoints,
		HTTP: resilience.HTTPClient{
			Client:      notify.HTTPClient(cfg.WebhookTimeout, cfg.WebhookInsecureTLS),
			Breaker:     breaker,
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.WebhookTimeout,
		},
		Replay:    notify.RedisReplayProtector{Client: d.Redis},
		ReplayTTL: cfg.WebhookReplayTTL,
	}, nil
}

// Close releases backends in reverse order of opening.
func (d *Dependencies) Close() error {
	var joined error
	for i := len(d.closers) - 1; i >= 0; i-- {
		joined = errors.Join(joined, d.closers[i]())
	}
	d.closers = nil
	return joined
}

func topicSet(topics []string) map[string]bool {
	if len(topics) == 0 {
		return nil
	}
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return set
}
