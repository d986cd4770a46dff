// Package wiring assembles the batch-send engine from configuration. Both binaries share it.
package wiring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"newsletter/internal/awsutil"
	"newsletter/internal/campaign"
	"newsletter/internal/config"
	"newsletter/internal/dispatch"
	"newsletter/internal/httpserver"
	"newsletter/internal/mail"
	"newsletter/internal/resolver"
	"newsletter/internal/service"
	"newsletter/internal/store/memstore"
	"newsletter/internal/store/pg"
)

// Store is everything the engine needs from persistence.
type Store interface {
	resolver.Store
	dispatch.DeliveryStore
	campaign.Store
	campaign.LockStore
	service.DeliveryLister
	Ping(ctx context.Context) error
}

type Settings struct {
	DB        config.DBSettings
	Mail      config.MailSettings
	Dispatch  config.DispatchSettings
	RedisAddr string
}

type Engine struct {
	Store     Store
	Locker    campaign.Locker
	Transport mail.Transport
	Service   *service.BatchSendService
	// Ready holds one check per external dependency for /readyz.
	Ready []httpserver.ReadyzCheck

	closers []func()
}

func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func Build(ctx context.Context, s Settings) (*Engine, error) {
	e := &Engine{}

	if err := e.openStore(ctx, s.DB); err != nil {
		return nil, err
	}
	e.Ready = append(e.Ready, httpserver.ReadyzCheck{Name: "store", Check: e.Store.Ping})

	if s.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		e.closers = append(e.closers, func() { _ = client.Close() })
		e.Locker = campaign.NewRedisLocker(client, s.Dispatch.LockTTL)
		e.Ready = append(e.Ready, httpserver.ReadyzCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		slog.Info("run lock backend", "backend", "redis", "addr", s.RedisAddr)
	} else {
		e.Locker = &campaign.StoreLocker{Store: e.Store, TTL: s.Dispatch.LockTTL}
		slog.Info("run lock backend", "backend", "store")
	}

	tr, err := newTransport(ctx, s.Mail)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Transport = tr

	machine := &campaign.Machine{Store: e.Store, Locker: e.Locker}
	d := dispatch.New(dispatch.Config{
		BatchSize:      s.Dispatch.BatchSize,
		BatchDelay:     s.Dispatch.BatchDelay(),
		InterItemDelay: s.Dispatch.InterItemDelay(),
		RetryAttempts:  s.Dispatch.RetryAttempts,
	}, dispatch.Deps{
		Deliveries: e.Store,
		Machine:    machine,
		Transport:  e.Transport,
		Links:      mail.Links{SiteURL: s.Mail.SiteURL},
	})

	e.Service = &service.BatchSendService{
		Campaigns:     e.Store,
		Resolver:      &resolver.Resolver{Store: e.Store},
		Locks:         machine,
		Dispatcher:    d,
		Reporter:      &campaign.Reporter{Store: e.Store},
		Deliveries:    e.Store,
		RetryAttempts: s.Dispatch.RetryAttempts,
	}
	return e, nil
}

func (e *Engine) openStore(ctx context.Context, db config.DBSettings) error {
	switch db.StoreDriver {
	case "memory":
		slog.Warn("using in-memory store; delivery state is lost on restart")
		e.Store = memstore.New()
		return nil
	case "", "pg":
		pool, err := pg.Open(ctx, db.DBDSN, pg.PoolOptions{
			MaxConns:          db.DBPoolMaxConns,
			MinConns:          db.DBPoolMinConns,
			MaxConnLifetime:   db.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   db.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: db.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return err
		}
		e.closers = append(e.closers, pool.Close)
		e.Store = pg.New(pool)
		return nil
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", db.StoreDriver)
	}
}

func newTransport(ctx context.Context, m config.MailSettings) (mail.Transport, error) {
	switch m.MailDriver {
	case "log":
		return mail.LogSender{}, nil
	case "", "ses":
		client, err := awsutil.NewSESClient(ctx, m.AWSRegion, m.LocalstackEndpoint)
		if err != nil {
			return nil, fmt.Errorf("ses client init: %w", err)
		}
		var limiter *rate.Limiter
		if m.MailRPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(m.MailRPS), max(m.MailBurst, 1))
		}
		return &mail.SESSender{
			Client:  client,
			From:    m.MailFrom,
			Limiter: limiter,
			Breaker: mail.NewBreaker(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown MAIL_DRIVER %q", m.MailDriver)
	}
}
