package processor

import (
	"context"
	"testing"

	"github.com/goccy/go-json"

	"github.com/venoajie/ws-streamer/broadcast"
	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/internal/channel"
	"github.com/venoajie/ws-streamer/models"
)

type publishedMessage struct {
	redisChannel string
	wsChannel    string
	data         interface{}
}

type fakeBatch struct {
	published []publishedMessage
	flushed   int
}

func (f *fakeBatch) Publish(redisChannel, wsChannel string, data interface{}) {
	f.published = append(f.published, publishedMessage{redisChannel, wsChannel, data})
}

func (f *fakeBatch) Flush(context.Context) error { f.flushed++; return nil }
func (f *fakeBatch) Len() int                    { return len(f.published) }

type fakeBroadcaster struct {
	batch *fakeBatch
}

func (f *fakeBroadcaster) Pipeline() broadcast.Batch { return f.batch }
func (f *fakeBroadcaster) Close() error              { return nil }

type fakeJournal struct {
	inserted []models.Trade
	active   []map[string]interface{}
}

func (f *fakeJournal) ActiveTrades(context.Context) ([]map[string]interface{}, error) {
	return f.active, nil
}

func (f *fakeJournal) InsertJournalTrade(_ context.Context, trade models.Trade) error {
	f.inserted = append(f.inserted, trade)
	return nil
}

type reconcileCall struct {
	wsChannel  string
	currency   string
	resolution string
	instrument string
	candle     models.Candle
}

type openInterestCall struct {
	currency string
	value    float64
}

type fakeReconciler struct {
	reconciled   []reconcileCall
	openInterest []openInterestCall
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ broadcast.Batch, wsChannel, currency, resolution, instrument string, incoming models.Candle) error {
	f.reconciled = append(f.reconciled, reconcileCall{wsChannel, currency, resolution, instrument, incoming})
	return nil
}

func (f *fakeReconciler) RecordOpenInterest(_ context.Context, currency string, openInterest float64) error {
	f.openInterest = append(f.openInterest, openInterestCall{currency, openInterest})
	return nil
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(text string) { r.messages = append(r.messages, text) }

type dispatcherFixture struct {
	dispatcher *Dispatcher
	batch      *fakeBatch
	journal    *fakeJournal
	reconciler *fakeReconciler
	notifier   *recordingNotifier
}

func newFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.Redis.Channels = appconfig.RedisChannels{
		Portfolio:   "portfolio",
		SubAccounts: "sub_accounts_update",
		Ticker:      "ticker_update",
		MyTrades:    "my_trades_any",
		Trades:      "trades_rt",
		Orders:      "orders_rt",
		Chart:       "chart_update",
		Revision:    "chart_low_high_tick",
	}

	batch := &fakeBatch{}
	journal := &fakeJournal{}
	reconciler := &fakeReconciler{}
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(Deps{
		Config:      cfg,
		Queue:       channel.NewChannels(8),
		Broadcaster: &fakeBroadcaster{batch: batch},
		Journal:     journal,
		Reconciler:  reconciler,
		Notifier:    notifier,
	})
	return &dispatcherFixture{dispatcher, batch, journal, reconciler, notifier}
}

func envelope(t *testing.T, channel string, payload interface{}) models.EventEnvelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return models.EventEnvelope{Exchange: "deribit", AccountID: "main", Channel: channel, Data: data}
}

func (f *dispatcherFixture) messagesFor(redisChannel string) []publishedMessage {
	var out []publishedMessage
	for _, msg := range f.batch.published {
		if msg.redisChannel == redisChannel {
			out = append(out, msg)
		}
	}
	return out
}

func TestDispatchTickerMergesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.SeedTicker("BTC-27JUN25", models.Ticker{
		"instrument_name": "BTC-27JUN25",
		"last_price":      100.0,
		"mark_price":      100.5,
	})

	f.dispatcher.Dispatch(ctx, envelope(t, "incremental_ticker.BTC-27JUN25", map[string]interface{}{
		"timestamp":  1000,
		"last_price": 101.0,
	}))

	msgs := f.messagesFor("ticker_update")
	if len(msgs) != 1 {
		t.Fatalf("ticker messages = %+v", f.batch.published)
	}
	snapshot := msgs[0].data.(models.Ticker)
	if snapshot["last_price"] != 101.0 || snapshot["mark_price"] != 100.5 {
		t.Fatalf("snapshot = %v", snapshot)
	}
	if f.batch.flushed != 1 {
		t.Fatalf("flushed = %d", f.batch.flushed)
	}
}

func TestDispatchTickerRepeatedTimestampStillMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Bursts can put two frames on the same server millisecond; each one
	// still carries its own delta and must merge.
	f.dispatcher.Dispatch(ctx, envelope(t, "incremental_ticker.BTC-27JUN25", map[string]interface{}{
		"timestamp":  1000,
		"last_price": 101.0,
	}))
	f.dispatcher.Dispatch(ctx, envelope(t, "incremental_ticker.BTC-27JUN25", map[string]interface{}{
		"timestamp": 1000,
		"stats":     map[string]interface{}{"volume": 42.0},
	}))

	msgs := f.messagesFor("ticker_update")
	if len(msgs) != 2 {
		t.Fatalf("ticker publishes = %d: %+v", len(msgs), f.batch.published)
	}
	snapshot := msgs[1].data.(models.Ticker)
	stats, ok := snapshot["stats"].(map[string]interface{})
	if !ok || stats["volume"] != 42.0 {
		t.Fatalf("second frame lost: %v", snapshot)
	}
	if snapshot["last_price"] != 101.0 {
		t.Fatalf("earlier fields lost: %v", snapshot)
	}
}

func TestDispatchPerpetualTickerRecordsOpenInterest(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), envelope(t, "incremental_ticker.BTC-PERPETUAL", map[string]interface{}{
		"timestamp":     1000,
		"open_interest": 5000.0,
	}))

	if len(f.reconciler.openInterest) != 1 {
		t.Fatalf("open interest calls = %v", f.reconciler.openInterest)
	}
	if call := f.reconciler.openInterest[0]; call.currency != "btc" || call.value != 5000.0 {
		t.Fatalf("open interest call = %+v", call)
	}
}

func TestDispatchTradesHitsJournalAndBothChannels(t *testing.T) {
	f := newFixture(t)
	f.journal.active = []map[string]interface{}{{"label": "scalp"}}

	trades := []models.Trade{{TradeID: "t1", OrderID: "o1", InstrumentName: "BTC-PERPETUAL"}}
	f.dispatcher.Dispatch(context.Background(), envelope(t, "user.trades.any.any.raw", trades))

	if len(f.journal.inserted) != 1 || f.journal.inserted[0].TradeID != "t1" {
		t.Fatalf("journal inserts = %+v", f.journal.inserted)
	}
	if len(f.messagesFor("trades_rt")) != 1 {
		t.Fatalf("trades not published: %+v", f.batch.published)
	}
	// The active-trades route matches trade events too.
	mine := f.messagesFor("my_trades_any")
	if len(mine) != 1 {
		t.Fatalf("active trades not republished: %+v", f.batch.published)
	}
}

func TestDispatchOrderUpdatesCacheAndActiveTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, envelope(t, "user.orders.any.any.raw", models.Order{
		OrderID: "o1", InstrumentName: "BTC-PERPETUAL", OrderState: "open",
	}))
	if f.dispatcher.orders.Len() != 1 {
		t.Fatalf("open orders = %d", f.dispatcher.orders.Len())
	}
	if len(f.messagesFor("orders_rt")) != 1 || len(f.messagesFor("my_trades_any")) != 1 {
		t.Fatalf("published = %+v", f.batch.published)
	}

	f.dispatcher.Dispatch(ctx, envelope(t, "user.orders.any.any.raw", models.Order{
		OrderID: "o1", InstrumentName: "BTC-PERPETUAL", OrderState: "cancelled",
	}))
	if f.dispatcher.orders.Len() != 0 {
		t.Fatalf("cancelled order still cached: %d", f.dispatcher.orders.Len())
	}
}

func TestDispatchChangesUpdatesCaches(t *testing.T) {
	f := newFixture(t)
	f.journal.active = []map[string]interface{}{{"label": "scalp", "instrument_name": "BTC-PERPETUAL"}}

	changes := models.UserChanges{
		InstrumentName: "BTC-PERPETUAL",
		Trades:         []models.Trade{{TradeID: "t1", OrderID: "o9"}},
		Orders:         []models.Order{{OrderID: "o2", State: "open"}},
		Positions:      []models.Position{{InstrumentName: "BTC-PERPETUAL", Size: 10}},
	}
	f.dispatcher.Dispatch(context.Background(), envelope(t, "user.changes.future.any.raw", changes))

	if f.dispatcher.orders.Len() != 1 || f.dispatcher.positions.Len() != 1 {
		t.Fatalf("caches: orders=%d positions=%d", f.dispatcher.orders.Len(), f.dispatcher.positions.Len())
	}
	msgs := f.messagesFor("sub_accounts_update")
	if len(msgs) != 1 {
		t.Fatalf("sub account state not published: %+v", f.batch.published)
	}
	state := msgs[0].data.(map[string]interface{})
	if state["account_id"] != "main" {
		t.Fatalf("state = %v", state)
	}
	mine, ok := state["my_trades"].([]map[string]interface{})
	if !ok || len(mine) != 1 || mine[0]["label"] != "scalp" {
		t.Fatalf("journal trades missing from snapshot: %v", state)
	}
}

func TestDispatchPortfolioReplacesByCurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, envelope(t, "user.portfolio.btc", models.PortfolioEntry{
		"currency": "BTC", "equity": 1.5,
	}))
	f.dispatcher.Dispatch(ctx, envelope(t, "user.portfolio.btc", models.PortfolioEntry{
		"currency": "BTC", "equity": 1.6,
	}))

	if f.dispatcher.portfolio.Len() != 1 {
		t.Fatalf("portfolio entries = %d", f.dispatcher.portfolio.Len())
	}
	msgs := f.messagesFor("portfolio")
	if len(msgs) != 2 {
		t.Fatalf("portfolio publishes = %d", len(msgs))
	}
}

func TestDispatchChartForwardsToReconciler(t *testing.T) {
	f := newFixture(t)

	candle := models.Candle{Tick: 60000, Open: 1, High: 2, Low: 1, Close: 2}
	f.dispatcher.Dispatch(context.Background(), envelope(t, "chart.trades.BTC-PERPETUAL.5", candle))

	if len(f.reconciler.reconciled) != 1 {
		t.Fatalf("reconcile calls = %+v", f.reconciler.reconciled)
	}
	call := f.reconciler.reconciled[0]
	if call.currency != "btc" || call.resolution != "5" || call.instrument != "BTC-PERPETUAL" {
		t.Fatalf("call = %+v", call)
	}
	if call.candle != candle {
		t.Fatalf("candle = %+v", call.candle)
	}
	if len(f.messagesFor("chart_update")) != 1 {
		t.Fatalf("chart update not published: %+v", f.batch.published)
	}
}

func TestDispatchBadPayloadAlertsAndContinues(t *testing.T) {
	f := newFixture(t)

	f.dispatcher.Dispatch(context.Background(), models.EventEnvelope{
		Channel: "user.orders.any.any.raw",
		Data:    json.RawMessage(`"not an order"`),
	})

	if len(f.notifier.messages) == 0 {
		t.Fatal("decode failure must raise an alert")
	}
	if f.batch.flushed != 1 {
		t.Fatalf("batch must still flush, flushed = %d", f.batch.flushed)
	}
}

func TestDispatchStartStop(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.dispatcher.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}

	cancel()
	f.dispatcher.Stop()
}
