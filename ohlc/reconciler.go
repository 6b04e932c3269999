// Package ohlc keeps the persisted candle tables consistent with the live
// chart stream: in-place patches for the current bar, REST backfills when a
// gap opens, and revision notices when history changed behind us.
package ohlc

import (
	"context"
	"fmt"

	"github.com/venoajie/ws-streamer/alert"
	"github.com/venoajie/ws-streamer/broadcast"
	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// CandleStore is the persistence surface the reconciler needs.
type CandleStore interface {
	MaxTick(ctx context.Context, table string) (int64, error)
	SelectCandle(ctx context.Context, table string, tick int64) (models.Candle, bool, error)
	InsertCandle(ctx context.Context, table string, candle models.Candle) error
	UpdateCandle(ctx context.Context, table string, candle models.Candle) error
	UpdateOpenInterest(ctx context.Context, table string, tick int64, openInterest float64) error
}

// HistoryClient fetches candles over REST for gap backfills.
type HistoryClient interface {
	ChartData(ctx context.Context, instrument, resolution string, start, end int64) ([]models.Candle, error)
}

const baseResolution = "1"

type Reconciler struct {
	store           CandleStore
	history         HistoryClient
	notifier        alert.Notifier
	revisionChannel string
	log             *logger.Log
}

func NewReconciler(store CandleStore, history HistoryClient, notifier alert.Notifier, revisionChannel string) *Reconciler {
	return &Reconciler{
		store:           store,
		history:         history,
		notifier:        notifier,
		revisionChannel: revisionChannel,
		log:             logger.GetLogger(),
	}
}

// Reconcile folds one live bar into the table for (currency, resolution).
//
// When the bar's tick equals the highest persisted tick the row is patched in
// place; for non-base resolutions a high/low excursion beyond the previously
// persisted range additionally emits a revision notice. Any other tick delta,
// regardless of sign, triggers a REST backfill from the persisted high-water
// mark to the incoming tick plus an unconditional revision notice, since
// consumers cannot tell which historical bars moved.
func (r *Reconciler) Reconcile(ctx context.Context, batch broadcast.Batch, wsChannel, currency, resolution, instrument string, incoming models.Candle) error {
	table := symbols.OHLCTable(resolution, currency)

	maxTick, err := r.store.MaxTick(ctx, table)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", table, err)
	}

	if maxTick == 0 {
		// Empty table: establish the baseline without judging history.
		if err := r.store.InsertCandle(ctx, table, incoming); err != nil {
			return fmt.Errorf("reconcile %s: seed first bar: %w", table, err)
		}
		return nil
	}

	delta := incoming.Tick - maxTick
	if delta == 0 {
		return r.patchCurrentBar(ctx, batch, table, wsChannel, currency, resolution, instrument, incoming)
	}
	return r.backfillGap(ctx, batch, table, wsChannel, currency, resolution, instrument, incoming, maxTick)
}

func (r *Reconciler) patchCurrentBar(ctx context.Context, batch broadcast.Batch, table, wsChannel, currency, resolution, instrument string, incoming models.Candle) error {
	persisted, ok, err := r.store.SelectCandle(ctx, table, incoming.Tick)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", table, err)
	}

	if err := r.store.UpdateCandle(ctx, table, incoming); err != nil {
		return fmt.Errorf("reconcile %s: %w", table, err)
	}

	if resolution == baseResolution || !ok {
		return nil
	}

	if incoming.High > persisted.High || incoming.Low < persisted.Low {
		r.emitRevision(batch, wsChannel, currency, resolution, instrument)
		r.log.WithComponent("ohlc").WithFields(logger.Fields{
			"table":          table,
			"tick":           incoming.Tick,
			"incoming_high":  incoming.High,
			"persisted_high": persisted.High,
			"incoming_low":   incoming.Low,
			"persisted_low":  persisted.Low,
		}).Warn("bar range exceeded persisted high/low")
	}
	return nil
}

func (r *Reconciler) backfillGap(ctx context.Context, batch broadcast.Batch, table, wsChannel, currency, resolution, instrument string, incoming models.Candle, maxTick int64) error {
	// Consumers must re-read the whole affected range, so the notice goes
	// out before the backfill even starts.
	r.emitRevision(batch, wsChannel, currency, resolution, instrument)

	bars, err := r.history.ChartData(ctx, instrument, resolution, maxTick, incoming.Tick)
	if err != nil {
		return fmt.Errorf("reconcile %s: backfill [%d, %d): %w", table, maxTick, incoming.Tick, err)
	}

	inserted := 0
	for _, bar := range bars {
		if err := r.store.InsertCandle(ctx, table, bar); err != nil {
			return fmt.Errorf("reconcile %s: backfill insert %d: %w", table, bar.Tick, err)
		}
		inserted++
	}
	logger.IncrementBackfill(inserted)

	r.log.WithComponent("ohlc").WithFields(logger.Fields{
		"table":    table,
		"from":     maxTick,
		"to":       incoming.Tick,
		"fetched":  len(bars),
		"inserted": inserted,
	}).Info("candle gap reconciled")
	return nil
}

func (r *Reconciler) emitRevision(batch broadcast.Batch, wsChannel, currency, resolution, instrument string) {
	batch.Publish(r.revisionChannel, wsChannel, map[string]interface{}{
		"instrument_name": instrument,
		"currency":        currency,
		"resolution":      resolution,
	})
	r.notifier.Notify(fmt.Sprintf("candle revision: %s resolution %s", instrument, resolution))
}

// RecordOpenInterest patches the open_interest column of the newest base
// resolution bar for the currency. Perpetual tickers are the only source of
// open interest, so the side channel always targets the 1 minute table.
func (r *Reconciler) RecordOpenInterest(ctx context.Context, currency string, openInterest float64) error {
	table := symbols.OHLCTable(baseResolution, currency)

	maxTick, err := r.store.MaxTick(ctx, table)
	if err != nil {
		return fmt.Errorf("record open interest %s: %w", table, err)
	}
	if maxTick == 0 {
		return nil
	}

	if err := r.store.UpdateOpenInterest(ctx, table, maxTick, openInterest); err != nil {
		return fmt.Errorf("record open interest %s: %w", table, err)
	}
	return nil
}
