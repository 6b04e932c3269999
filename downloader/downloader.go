// Package downloader bulk-fetches historical OHLCV bars from the Binance
// spot API. It is self-contained: its own rate limiting, weight budget
// tracking, circuit breaking and bounded retries, independent of the
// streaming pipeline.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// ErrBreakerOpen aborts a run after repeated failures instead of hammering
// an API that is already rejecting us.
var ErrBreakerOpen = errors.New("circuit breaker open, aborting download")

type window struct {
	start int64
	end   int64
}

type Downloader struct {
	config     appconfig.DownloaderConfig
	client     *binance.Client
	httpClient *http.Client
	limiter    *rate.Limiter
	weights    *WeightTracker
	breaker    *Breaker
	log        *logger.Log

	// Milliseconds the server clock is ahead of ours.
	timeOffset int64
}

func New(cfg appconfig.DownloaderConfig) *Downloader {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	client := binance.NewClient("", "")
	client.HTTPClient = httpClient
	client.SetApiEndpoint(strings.TrimSuffix(cfg.BaseURL, "/"))

	return &Downloader{
		config:     cfg,
		client:     client,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		weights:    NewWeightTracker(cfg.WeightLimit),
		breaker:    NewBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		log:        logger.GetLogger(),
	}
}

// SyncServerTime measures the offset to the exchange clock so range
// boundaries line up with server-side bar timestamps.
func (d *Downloader) SyncServerTime(ctx context.Context) error {
	serverTime, err := d.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("fetch server time: %w", err)
	}
	d.timeOffset = serverTime - time.Now().UnixMilli()
	d.log.WithComponent("downloader").WithFields(logger.Fields{
		"offset_ms": d.timeOffset,
	}).Info("server time synchronized")
	return nil
}

func (d *Downloader) serverNow() time.Time {
	return time.Now().Add(time.Duration(d.timeOffset) * time.Millisecond)
}

// intervalMs converts a Binance kline interval like 1m, 4h or 1d to its
// length in milliseconds.
func intervalMs(interval string) (int64, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid kline interval %q", interval)
	}
	value, err := strconv.ParseInt(interval[:len(interval)-1], 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid kline interval %q", interval)
	}

	var unit int64
	switch interval[len(interval)-1] {
	case 'm':
		unit = 60_000
	case 'h':
		unit = 3_600_000
	case 'd':
		unit = 86_400_000
	case 'w':
		unit = 7 * 86_400_000
	default:
		return 0, fmt.Errorf("invalid kline interval %q", interval)
	}
	return value * unit, nil
}

// chunkRanges splits [start, end] into request windows of at most limit bars.
func chunkRanges(start, end, barMs int64, limit int) []window {
	if end < start || limit <= 0 || barMs <= 0 {
		return nil
	}
	span := int64(limit) * barMs
	windows := make([]window, 0, (end-start)/span+1)
	for from := start; from <= end; from += span {
		to := from + span - 1
		if to > end {
			to = end
		}
		windows = append(windows, window{start: from, end: to})
	}
	return windows
}

// Download fetches every bar of the interval between start and end, fanning
// the request windows out over a bounded worker pool. Bars come back sorted
// by open time.
func (d *Downloader) Download(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	barMs, err := intervalMs(interval)
	if err != nil {
		return nil, err
	}

	endMs := end.UnixMilli()
	if serverNow := d.serverNow().UnixMilli(); endMs > serverNow {
		endMs = serverNow
	}
	windows := chunkRanges(start.UnixMilli(), endMs, barMs, d.config.KlinesLimit)

	log := d.log.WithComponent("downloader").WithFields(logger.Fields{
		"symbol":   symbol,
		"interval": interval,
		"windows":  len(windows),
	})
	log.Info("starting bulk download")

	results := make([][]models.Candle, len(windows))
	errs := make([]error, len(windows))

	sem := make(chan struct{}, d.config.MaxWorkers)
	var wg sync.WaitGroup
	for i, w := range windows {
		wg.Add(1)
		go func(i int, w window) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = d.fetchWindow(ctx, symbol, interval, w)
		}(i, w)
	}
	wg.Wait()

	candles := make([]models.Candle, 0, len(windows)*d.config.KlinesLimit)
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("download %s %s window [%d, %d]: %w", symbol, interval, windows[i].start, windows[i].end, err)
		}
		candles = append(candles, results[i]...)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Tick < candles[j].Tick })

	log.WithFields(logger.Fields{"bars": len(candles)}).Info("bulk download finished")
	return candles, nil
}

// fetchWindow requests one kline window with bounded exponential retries.
// 429 responses honour the server's Retry-After, a 418 means we are banned
// and retrying would only extend the ban.
func (d *Downloader) fetchWindow(ctx context.Context, symbol, interval string, w window) ([]models.Candle, error) {
	operation := func() ([]models.Candle, error) {
		if !d.breaker.Allow() {
			return nil, backoff.Permanent(ErrBreakerOpen)
		}
		if delay := d.weights.Delay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, backoff.Permanent(ctx.Err())
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return d.requestKlines(ctx, symbol, interval, w)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(d.config.MaxRetries)))
}

func (d *Downloader) requestKlines(ctx context.Context, symbol, interval string, w window) ([]models.Candle, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("startTime", strconv.FormatInt(w.start, 10))
	query.Set("endTime", strconv.FormatInt(w.end, 10))
	query.Set("limit", strconv.Itoa(d.config.KlinesLimit))

	endpoint := strings.TrimSuffix(d.config.BaseURL, "/") + "/api/v3/klines?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.breaker.Failure()
		return nil, err
	}
	defer resp.Body.Close()

	if used, err := strconv.ParseInt(resp.Header.Get("x-mbx-used-weight-1m"), 10, 64); err == nil {
		d.weights.Observe(used)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		d.breaker.Failure()
		seconds, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		if seconds <= 0 {
			seconds = 60
		}
		d.weights.Penalize(time.Duration(seconds) * time.Second)
		d.log.WithComponent("downloader").WithFields(logger.Fields{
			"retry_after": seconds,
		}).Warn("rate limited by exchange")
		return nil, backoff.RetryAfter(seconds)

	case resp.StatusCode == http.StatusTeapot:
		// 418 is the auto-ban response; keep off the API entirely.
		d.breaker.Failure()
		return nil, backoff.Permanent(fmt.Errorf("banned by exchange: status %d", resp.StatusCode))

	case resp.StatusCode >= http.StatusInternalServerError:
		d.breaker.Failure()
		return nil, fmt.Errorf("klines request failed: status %d", resp.StatusCode)

	case resp.StatusCode != http.StatusOK:
		d.breaker.Failure()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("klines request rejected: status %d: %s", resp.StatusCode, body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.breaker.Failure()
		return nil, err
	}

	candles, err := parseKlines(body)
	if err != nil {
		d.breaker.Failure()
		return nil, backoff.Permanent(err)
	}

	d.breaker.Success()
	return candles, nil
}

// parseKlines decodes the columnar kline rows. Prices and volumes arrive as
// strings, timestamps as numbers.
func parseKlines(body []byte) ([]models.Candle, error) {
	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			return nil, fmt.Errorf("kline row has %d columns", len(row))
		}
		openTime, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("kline open time is %T", row[0])
		}
		candle := models.Candle{Tick: int64(openTime)}
		fields := []struct {
			idx  int
			dest *float64
		}{
			{1, &candle.Open},
			{2, &candle.High},
			{3, &candle.Low},
			{4, &candle.Close},
			{5, &candle.Volume},
			{7, &candle.Cost},
		}
		for _, f := range fields {
			text, ok := row[f.idx].(string)
			if !ok {
				return nil, fmt.Errorf("kline column %d is %T", f.idx, row[f.idx])
			}
			value, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("kline column %d: %w", f.idx, err)
			}
			*f.dest = value
		}
		candles = append(candles, candle)
	}
	return candles, nil
}
