package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/slot-backfill/internal/auth"
	"github.com/example/slot-backfill/internal/config"
	"github.com/example/slot-backfill/internal/db"
	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/metrics"
	"github.com/example/slot-backfill/internal/migrate"
	"github.com/example/slot-backfill/internal/notifier"
	"github.com/example/slot-backfill/internal/ratelimit"
	"github.com/example/slot-backfill/internal/sms"
	"github.com/example/slot-backfill/internal/waitlist"
)

type appOptions struct {
	// migrate applies pending migrations after connecting.
	migrate bool
	// memory keeps every store in process and skips Postgres. State is lost
	// on exit.
	memory bool
}

// app holds the wiring shared by the server and the CLI commands.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	db    *db.DB
	redis *redis.Client

	ledger     ledger.Ledger
	waitlist   waitlist.Store
	messages   messagelog.Store
	users      auth.Users
	metrics    *metrics.Metrics
	limiter    ratelimit.Limiter
	templates  notifier.Templates
	dispatcher *notifier.Dispatcher
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	a := &app{
		cfg:     cfg,
		log:     logger,
		metrics: metrics.New("backfill"),
		templates: notifier.Templates{
			ClinicName: cfg.ClinicName,
			Location:   cfg.Location,
		},
	}

	if opts.memory {
		logger.Warn("running with in-memory stores, nothing is persisted")
		a.ledger = ledger.NewMemory()
		a.waitlist = waitlist.NewMemory()
		a.messages = messagelog.NewMemory()
		a.users = auth.NewMemoryUsers()
	} else {
		d, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = d
		if err := d.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if opts.migrate {
			applied, err := migrate.Up(ctx, d)
			if err != nil {
				a.Close()
				return nil, err
			}
			for _, name := range applied {
				logger.Info("migration applied", "file", name)
			}
		}
		a.ledger = ledger.NewPostgres(d)
		a.waitlist = waitlist.NewRepo(d)
		a.messages = messagelog.NewRepo(d)
		a.users = auth.NewPostgresUsers(d)
	}

	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(ropts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.limiter = ratelimit.NewRedis(a.redis, "backfill", logger)
	} else {
		logger.Warn("REDIS_URL not set, rate limits are per process")
		a.limiter = ratelimit.NewMemory()
	}

	var sender notifier.Sender
	if cfg.SMSMock {
		sender = notifier.LogSender{Logger: logger}
	} else {
		c := sms.New(sms.Credentials{AccountSID: cfg.TwilioAccountSID, AuthToken: cfg.TwilioAuthToken})
		c.From = cfg.TwilioFromNumber
		c.MessagingService = cfg.TwilioMessagingService
		c.StatusCallback = cfg.BaseURL + "/webhooks/sms/status"
		sender = c
	}
	a.dispatcher = notifier.NewDispatcher(notifier.Config{
		Workers:    cfg.NotifyWorkers,
		Attempts:   cfg.SendAttempts,
		MaxPerHour: cfg.MaxSMSPerHour,
		From:       cfg.TwilioFromNumber,
	}, sender, a.templates, a.messages, a.limiter, a.metrics, logger)

	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) auth() *auth.Store {
	return auth.NewStore(a.users, a.cfg.CookieHashKey, a.cfg.CookieBlockKey)
}

// engine builds an engine that reports send failures back to itself.
func (a *app) engine(n engine.Notifier, w engine.Waker) (*engine.Engine, error) {
	eng, err := engine.New(engine.Config{
		BatchSize:    a.cfg.BatchSize,
		HoldDuration: a.cfg.HoldDuration,
	}, engine.Deps{
		Ledger:   a.ledger,
		Waitlist: a.waitlist,
		Notifier: n,
		Waker:    w,
		Metrics:  a.metrics,
		Logger:   a.log,
	})
	if err != nil {
		return nil, err
	}
	a.dispatcher.OnFailure(eng)
	return eng, nil
}
