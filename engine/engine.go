// Package engine is the background process: it drives the event consumer's
// tick loop and the cron scan, and quiesces when the shutdown pipe shared
// with the session server becomes readable.
package engine

import (
	"context"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twclone/twclone/consumer"
	"github.com/twclone/twclone/peers"
	"github.com/twclone/twclone/store"
)

// Config parameterizes the engine loop.
type Config struct {
	TickInterval time.Duration
	Consumer     consumer.Config

	NonceSweepEvery  time.Duration
	OrderExpiryEvery time.Duration
	StockRegenEvery  time.Duration
	StockRegenPerTick int64
	NewsPruneEvery   time.Duration
	NewsMaxAge       time.Duration
}

// Engine owns the tick task.
type Engine struct {
	cfg      Config
	store    *store.Store
	consumer *consumer.Consumer
	cron     *Cron

	// shutdown becomes readable (or EOF) when the parent wants us gone.
	shutdown io.Reader
}

// New builds an Engine over |s| whose shutdown pipe is |shutdown|.
func New(cfg Config, s *store.Store, reg *peers.Registry, shutdown io.Reader) *Engine {
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.NonceSweepEvery == 0 {
		cfg.NonceSweepEvery = time.Hour
	}
	if cfg.OrderExpiryEvery == 0 {
		cfg.OrderExpiryEvery = time.Minute
	}
	if cfg.StockRegenEvery == 0 {
		cfg.StockRegenEvery = 5 * time.Minute
	}
	if cfg.StockRegenPerTick == 0 {
		cfg.StockRegenPerTick = 10
	}
	if cfg.NewsPruneEvery == 0 {
		cfg.NewsPruneEvery = time.Hour
	}
	if cfg.NewsMaxAge == 0 {
		cfg.NewsMaxAge = 7 * 24 * time.Hour
	}

	var e = &Engine{
		cfg:      cfg,
		store:    s,
		consumer: consumer.New(s, cfg.Consumer),
		cron:     &Cron{},
		shutdown: shutdown,
	}

	e.cron.Add("nonce.sweep", cfg.NonceSweepEvery, reg.NonceCleanup)
	e.cron.Add("orders.expire", cfg.OrderExpiryEvery, func(ctx context.Context) error {
		var n, err = s.ExpireCommodityOrders(ctx, time.Now())
		if n != 0 {
			log.WithField("expired", n).Info("expired commodity orders")
		}
		return err
	})
	e.cron.Add("stock.regen", cfg.StockRegenEvery, func(ctx context.Context) error {
		return s.RegeneratePortStock(ctx, cfg.StockRegenPerTick)
	})
	e.cron.Add("news.prune", cfg.NewsPruneEvery, func(ctx context.Context) error {
		var _, err = s.PruneNewsFeed(ctx, int64(cfg.NewsMaxAge/time.Second))
		return err
	})
	return e
}

// Consumer exposes the engine's event consumer.
func (e *Engine) Consumer() *consumer.Consumer { return e.consumer }

// AddJob schedules an additional cron job, such as an outbound push to the
// session server. It must be called before Run.
func (e *Engine) AddJob(name string, every time.Duration, fn func(context.Context) error) {
	e.cron.Add(name, every, fn)
}

// Run ticks until the shutdown pipe becomes readable or |ctx| is cancelled.
// The in-flight tick always completes before Run returns: shutdown is
// ordered, never mid-mutation.
func (e *Engine) Run(ctx context.Context) error {
	var quiesce = make(chan struct{})
	go func() {
		defer close(quiesce)
		// Any readability, including EOF from the parent exiting, is the
		// signal; the pipe carries no data.
		var buf [1]byte
		e.shutdown.Read(buf[:])
	}()

	log.WithField("interval", e.cfg.TickInterval).Info("engine running")
	var ticker = time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quiesce:
			log.Info("shutdown pipe readable; engine quiescing")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context) error {
	var stats, err = e.consumer.Tick(ctx)
	if err != nil {
		return err
	}
	if stats.Processed != 0 || stats.Quarantined != 0 {
		log.WithFields(log.Fields{
			"lastEventID": stats.LastEventID,
			"lag":         stats.Lag,
			"processed":   stats.Processed,
			"quarantined": stats.Quarantined,
		}).Info("engine tick")
	}
	e.cron.RunDue(ctx, time.Now())
	return nil
}
