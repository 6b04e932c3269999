package ohlc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/models"
	"github.com/venoajie/ws-streamer/storage"
)

type fakeHistory struct {
	bars  []models.Candle
	calls []struct{ start, end int64 }
}

func (f *fakeHistory) ChartData(_ context.Context, _, _ string, start, end int64) ([]models.Candle, error) {
	f.calls = append(f.calls, struct{ start, end int64 }{start, end})
	return f.bars, nil
}

type publishedMessage struct {
	redisChannel string
	wsChannel    string
	data         interface{}
}

type fakeBatch struct {
	published []publishedMessage
}

func (f *fakeBatch) Publish(redisChannel, wsChannel string, data interface{}) {
	f.published = append(f.published, publishedMessage{redisChannel, wsChannel, data})
}

func (f *fakeBatch) Flush(context.Context) error { return nil }
func (f *fakeBatch) Len() int                    { return len(f.published) }

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(text string) { r.messages = append(r.messages, text) }

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "ohlc.sqlite3"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background(), []string{"btc"}, []string{"1", "5"}); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestReconcileSeedsEmptyTable(t *testing.T) {
	store := newTestStore(t)
	rec := NewReconciler(store, &fakeHistory{}, &recordingNotifier{}, "chart_low_high_tick")
	batch := &fakeBatch{}
	ctx := context.Background()

	candle := models.Candle{Tick: 60000, Open: 1, High: 2, Low: 1, Close: 2}
	if err := rec.Reconcile(ctx, batch, "chart.trades.BTC-PERPETUAL.5", "btc", "5", "BTC-PERPETUAL", candle); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got, ok, err := store.SelectCandle(ctx, symbols.OHLCTable("5", "btc"), 60000)
	if err != nil || !ok {
		t.Fatalf("select: %v ok=%v", err, ok)
	}
	if got != candle {
		t.Fatalf("stored = %+v", got)
	}
	if len(batch.published) != 0 {
		t.Fatalf("seeding should not publish revisions: %+v", batch.published)
	}
}

func TestReconcileCurrentBarIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	rec := NewReconciler(store, &fakeHistory{}, &recordingNotifier{}, "chart_low_high_tick")
	ctx := context.Background()
	table := symbols.OHLCTable("5", "btc")

	candle := models.Candle{Tick: 60000, Open: 1, High: 100, Low: 90, Close: 95}
	if err := store.InsertCandle(ctx, table, candle); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 2; i++ {
		batch := &fakeBatch{}
		if err := rec.Reconcile(ctx, batch, "chart.trades.BTC-PERPETUAL.5", "btc", "5", "BTC-PERPETUAL", candle); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
		if len(batch.published) != 0 {
			t.Fatalf("pass %d emitted revisions: %+v", i, batch.published)
		}
	}

	got, _, err := store.SelectCandle(ctx, table, 60000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != candle {
		t.Fatalf("row changed: %+v", got)
	}
}

func TestReconcileHighExcursionEmitsRevision(t *testing.T) {
	store := newTestStore(t)
	notifier := &recordingNotifier{}
	rec := NewReconciler(store, &fakeHistory{}, notifier, "chart_low_high_tick")
	ctx := context.Background()
	table := symbols.OHLCTable("5", "btc")

	if err := store.InsertCandle(ctx, table, models.Candle{Tick: 60000, High: 100, Low: 90}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batch := &fakeBatch{}
	incoming := models.Candle{Tick: 60000, High: 105, Low: 90}
	if err := rec.Reconcile(ctx, batch, "chart.trades.BTC-PERPETUAL.5", "btc", "5", "BTC-PERPETUAL", incoming); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if len(batch.published) != 1 {
		t.Fatalf("published = %+v, want one revision", batch.published)
	}
	if batch.published[0].redisChannel != "chart_low_high_tick" {
		t.Fatalf("channel = %q", batch.published[0].redisChannel)
	}
	notice := batch.published[0].data.(map[string]interface{})
	if notice["instrument_name"] != "BTC-PERPETUAL" || notice["resolution"] != "5" {
		t.Fatalf("notice = %v", notice)
	}
	if len(notifier.messages) != 1 {
		t.Fatalf("notifier messages = %v", notifier.messages)
	}

	got, _, err := store.SelectCandle(ctx, table, 60000)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.High != 105 {
		t.Fatalf("row not patched: %+v", got)
	}
}

func TestReconcileBaseResolutionSkipsRangeCheck(t *testing.T) {
	store := newTestStore(t)
	rec := NewReconciler(store, &fakeHistory{}, &recordingNotifier{}, "chart_low_high_tick")
	ctx := context.Background()
	table := symbols.OHLCTable("1", "btc")

	if err := store.InsertCandle(ctx, table, models.Candle{Tick: 60000, High: 100, Low: 90}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batch := &fakeBatch{}
	incoming := models.Candle{Tick: 60000, High: 105, Low: 90}
	if err := rec.Reconcile(ctx, batch, "chart.trades.BTC-PERPETUAL.1", "btc", "1", "BTC-PERPETUAL", incoming); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(batch.published) != 0 {
		t.Fatalf("base resolution must not emit range revisions: %+v", batch.published)
	}
}

func TestReconcileGapBackfillsMissingBars(t *testing.T) {
	store := newTestStore(t)
	const interval = int64(5 * 60 * 1000)
	t0 := int64(1_700_000_000_000)

	history := &fakeHistory{bars: []models.Candle{
		{Tick: t0, Close: 1},
		{Tick: t0 + interval, Close: 2},
		{Tick: t0 + 2*interval, Close: 3},
		{Tick: t0 + 3*interval, Close: 4},
	}}
	rec := NewReconciler(store, history, &recordingNotifier{}, "chart_low_high_tick")
	ctx := context.Background()
	table := symbols.OHLCTable("5", "btc")

	if err := store.InsertCandle(ctx, table, models.Candle{Tick: t0, Close: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	batch := &fakeBatch{}
	incoming := models.Candle{Tick: t0 + 3*interval, Close: 4}
	if err := rec.Reconcile(ctx, batch, "chart.trades.BTC-PERPETUAL.5", "btc", "5", "BTC-PERPETUAL", incoming); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	// Gap reconciliation always announces a revision.
	if len(batch.published) != 1 {
		t.Fatalf("published = %+v", batch.published)
	}
	if len(history.calls) != 1 || history.calls[0].start != t0 || history.calls[0].end != t0+3*interval {
		t.Fatalf("history calls = %+v", history.calls)
	}

	for i := int64(1); i <= 3; i++ {
		_, ok, err := store.SelectCandle(ctx, table, t0+i*interval)
		if err != nil || !ok {
			t.Fatalf("missing bar at offset %d: %v", i, err)
		}
	}
	if tick, err := store.MaxTick(ctx, table); err != nil || tick != t0+3*interval {
		t.Fatalf("max tick = %d, %v", tick, err)
	}
}

func TestRecordOpenInterest(t *testing.T) {
	store := newTestStore(t)
	rec := NewReconciler(store, &fakeHistory{}, &recordingNotifier{}, "chart_low_high_tick")
	ctx := context.Background()
	table := symbols.OHLCTable("1", "btc")

	// Empty table is a no-op, not an error.
	if err := rec.RecordOpenInterest(ctx, "btc", 100); err != nil {
		t.Fatalf("record on empty table: %v", err)
	}

	if err := store.InsertCandle(ctx, table, models.Candle{Tick: 60000, Close: 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := rec.RecordOpenInterest(ctx, "btc", 123.5); err != nil {
		t.Fatalf("record: %v", err)
	}
}
