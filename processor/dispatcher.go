// Package processor consumes the ingestion queue on a single goroutine and
// routes every envelope through an ordered, non-exclusive list of handlers.
// One envelope can hit several routes; everything a dispatch produces goes
// out in one pipelined redis round trip.
package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/venoajie/ws-streamer/alert"
	"github.com/venoajie/ws-streamer/broadcast"
	"github.com/venoajie/ws-streamer/cache"
	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/internal/channel"
	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// TradeJournal is the slice of the storage layer the dispatcher writes fills
// to and re-reads the active-trades projection from.
type TradeJournal interface {
	ActiveTrades(ctx context.Context) ([]map[string]interface{}, error)
	InsertJournalTrade(ctx context.Context, trade models.Trade) error
}

// CandleReconciler folds live chart bars into the persisted candle tables.
type CandleReconciler interface {
	Reconcile(ctx context.Context, batch broadcast.Batch, wsChannel, currency, resolution, instrument string, incoming models.Candle) error
	RecordOpenInterest(ctx context.Context, currency string, openInterest float64) error
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Config      *appconfig.Config
	Queue       *channel.Channels
	Broadcaster broadcast.Broadcaster
	Journal     TradeJournal
	Reconciler  CandleReconciler
	Notifier    alert.Notifier
}

type route struct {
	name   string
	match  func(channel string) bool
	handle func(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error
}

type Dispatcher struct {
	config      *appconfig.Config
	queue       *channel.Channels
	broadcaster broadcast.Broadcaster
	journal     TradeJournal
	reconciler  CandleReconciler
	notifier    alert.Notifier

	orders    *cache.Orders
	positions *cache.Positions
	tickers   *cache.Tickers
	portfolio *cache.Portfolio

	routes []route

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	eventsProcessed int64
	errorsCount     int64
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		config:      deps.Config,
		queue:       deps.Queue,
		broadcaster: deps.Broadcaster,
		journal:     deps.Journal,
		reconciler:  deps.Reconciler,
		notifier:    deps.Notifier,
		orders:      cache.NewOrders(),
		positions:   cache.NewPositions(),
		tickers:     cache.NewTickers(),
		portfolio:   cache.NewPortfolio(),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
	d.routes = []route{
		{name: "portfolio", match: matchPrefix("user.portfolio."), handle: d.handlePortfolio},
		{name: "changes", match: matchPrefix("user.changes."), handle: d.handleChanges},
		{name: "trades", match: matchPrefix("user.trades."), handle: d.handleTrades},
		{name: "orders", match: matchPrefix("user.orders."), handle: d.handleOrders},
		{name: "active_trades", match: matchAny(matchPrefix("user.trades."), matchPrefix("user.orders.")), handle: d.handleActiveTrades},
		{name: "ticker", match: matchPrefix("incremental_ticker."), handle: d.handleTicker},
		{name: "chart", match: matchPrefix("chart.trades."), handle: d.handleChart},
	}
	return d
}

func matchPrefix(prefix string) func(string) bool {
	return func(ch string) bool { return strings.HasPrefix(ch, prefix) }
}

func matchAny(matchers ...func(string) bool) func(string) bool {
	return func(ch string) bool {
		for _, m := range matchers {
			if m(ch) {
				return true
			}
		}
		return false
	}
}

// SeedTicker installs a REST snapshot so the first incremental update has a
// complete base to merge into.
func (d *Dispatcher) SeedTicker(instrument string, snapshot models.Ticker) {
	d.tickers.Seed(instrument, snapshot)
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx = ctx
	d.mu.Unlock()

	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting dispatcher")

	d.wg.Add(1)
	go d.run()
	go d.metricsReporter(ctx)

	log.Info("dispatcher started successfully")
	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.log.WithComponent("dispatcher").Info("stopping dispatcher")
	d.wg.Wait()
	d.log.WithComponent("dispatcher").Info("dispatcher stopped")
}

// run is the single consumer of the ingestion queue. Cache merges need no
// locks because no other goroutine ever touches them.
func (d *Dispatcher) run() {
	defer d.wg.Done()

	log := d.log.WithComponent("dispatcher")

	for {
		select {
		case <-d.ctx.Done():
			log.Info("dispatcher stopped due to context cancellation")
			return
		case env, ok := <-d.queue.Events:
			if !ok {
				log.Info("event channel closed, dispatcher stopping")
				return
			}
			d.Dispatch(d.ctx, env)
		}
	}
}

// Dispatch routes one envelope through every matching route and flushes the
// resulting batch in a single round trip. A failing route is logged and
// alerted but never stops the remaining routes or the stream.
func (d *Dispatcher) Dispatch(ctx context.Context, env models.EventEnvelope) {
	log := d.log.WithComponent("dispatcher").WithFields(logger.Fields{
		"channel": env.Channel,
		"account": env.AccountID,
	})

	batch := d.broadcaster.Pipeline()
	matched := 0
	for _, rt := range d.routes {
		if !rt.match(env.Channel) {
			continue
		}
		matched++
		if err := rt.handle(ctx, batch, env); err != nil {
			d.errorsCount++
			routeErr := &RouteError{Route: rt.name, Channel: env.Channel, Err: err}
			log.WithError(routeErr).WithFields(logger.Fields{"route": rt.name}).Error("route handler failed")
			d.notifier.Notify(routeErr.Error())
		}
	}
	if matched == 0 {
		log.Debug("no route matched channel")
	}

	if err := batch.Flush(ctx); err != nil {
		d.errorsCount++
		log.WithError(err).Error("failed to flush broadcast batch")
		d.notifier.Notify(fmt.Sprintf("broadcast flush failed for %s: %v", env.Channel, err))
	}

	d.eventsProcessed++
	logger.IncrementDispatched()
}

func (d *Dispatcher) handlePortfolio(_ context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	var entry models.PortfolioEntry
	if err := json.Unmarshal(env.Data, &entry); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	d.portfolio.Apply(entry)
	batch.Publish(d.config.Redis.Channels.Portfolio, env.Channel, d.portfolio.All())
	return nil
}

func (d *Dispatcher) handleChanges(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	var changes models.UserChanges
	if err := json.Unmarshal(env.Data, &changes); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	for _, trade := range changes.Trades {
		d.orders.ApplyTrade(trade)
	}
	for _, order := range changes.Orders {
		d.orders.Apply(order)
	}
	for _, position := range changes.Positions {
		d.positions.Apply(position)
	}

	// The consolidated snapshot re-reads the active-trades projection so
	// downstream consumers always see the post-event journal state.
	trades, err := d.journal.ActiveTrades(ctx)
	if err != nil {
		return err
	}

	batch.Publish(d.config.Redis.Channels.SubAccounts, env.Channel, map[string]interface{}{
		"account_id":  env.AccountID,
		"open_orders": d.orders.All(),
		"positions":   d.positions.All(),
		"my_trades":   trades,
	})
	return nil
}

func (d *Dispatcher) handleTrades(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	var trades []models.Trade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	for _, trade := range trades {
		d.orders.ApplyTrade(trade)
		if err := d.journal.InsertJournalTrade(ctx, trade); err != nil {
			return err
		}
	}

	batch.Publish(d.config.Redis.Channels.Trades, env.Channel, trades)
	return nil
}

func (d *Dispatcher) handleOrders(_ context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	var order models.Order
	if err := json.Unmarshal(env.Data, &order); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	d.orders.Apply(order)
	batch.Publish(d.config.Redis.Channels.Orders, env.Channel, map[string]interface{}{
		"current_order": order,
		"open_orders":   d.orders.All(),
	})
	return nil
}

// handleActiveTrades re-reads the journal projection whenever a trade or an
// order event may have changed it, so downstream consumers always see the
// post-event view.
func (d *Dispatcher) handleActiveTrades(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	trades, err := d.journal.ActiveTrades(ctx)
	if err != nil {
		return err
	}
	batch.Publish(d.config.Redis.Channels.MyTrades, env.Channel, trades)
	return nil
}

func (d *Dispatcher) handleTicker(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	instrument, ok := symbols.InstrumentFromTickerChannel(env.Channel)
	if !ok {
		return fmt.Errorf("%w: channel %s carries no instrument", ErrBadPayload, env.Channel)
	}

	var update models.Ticker
	if err := json.Unmarshal(env.Data, &update); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	// Every incremental frame merges, including repeats of the same server
	// timestamp; the feed omits unchanged fields, so skipping a frame would
	// lose its delta for good.
	d.tickers.Merge(instrument, update)
	batch.Publish(d.config.Redis.Channels.Ticker, env.Channel, d.tickers.Get(instrument))

	if symbols.IsPerpetual(instrument) {
		if openInterest, ok := update["open_interest"].(float64); ok {
			currency := symbols.CurrencyFromChannel(env.Channel)
			if err := d.reconciler.RecordOpenInterest(ctx, currency, openInterest); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) handleChart(ctx context.Context, batch broadcast.Batch, env models.EventEnvelope) error {
	instrument, resolution, ok := symbols.ParseChartChannel(env.Channel)
	if !ok {
		return fmt.Errorf("%w: malformed chart channel %s", ErrBadPayload, env.Channel)
	}

	var candle models.Candle
	if err := json.Unmarshal(env.Data, &candle); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	batch.Publish(d.config.Redis.Channels.Chart, env.Channel, candle)

	currency := symbols.CurrencyFromInstrument(instrument)
	return d.reconciler.Reconcile(ctx, batch, env.Channel, currency, resolution, instrument, candle)
}

func (d *Dispatcher) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.log.WithComponent("dispatcher").WithFields(logger.Fields{
				"events_processed": d.eventsProcessed,
				"errors":           d.errorsCount,
				"open_orders":      d.orders.Len(),
				"positions":        d.positions.Len(),
				"portfolio":        d.portfolio.Len(),
			}).Info("dispatcher metrics")
		}
	}
}
