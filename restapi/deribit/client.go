// Package deribit implements the REST collaborator used for instrument
// discovery, ticker pre-seeding and candle backfills.
package deribit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Log
}

// NewClient builds a client with a tuned connection pool; backfills can fire
// several requests in quick succession against the same host.
func NewClient(baseURL string, pool appconfig.ConnectionPoolConfig, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxConnsPerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		log:        logger.GetLogger(),
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// get performs a public JSON-RPC-over-HTTP call and decodes result into out.
func (c *Client) get(ctx context.Context, method string, query url.Values, out interface{}) error {
	endpoint := c.baseURL + "/" + method
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", method, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var wrapper struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if wrapper.Error != nil {
		return fmt.Errorf("call %s: rpc error %d: %s", method, wrapper.Error.Code, wrapper.Error.Message)
	}
	if err := json.Unmarshal(wrapper.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Currencies lists the currencies supported by the exchange.
func (c *Client) Currencies(ctx context.Context) ([]models.Currency, error) {
	var currencies []models.Currency
	if err := c.get(ctx, "public/get_currencies", nil, &currencies); err != nil {
		return nil, err
	}
	return currencies, nil
}

// Instruments lists the non-expired instruments of a currency.
func (c *Client) Instruments(ctx context.Context, currency string) ([]models.Instrument, error) {
	query := url.Values{}
	query.Set("currency", strings.ToUpper(currency))
	query.Set("expired", "false")

	var instruments []models.Instrument
	if err := c.get(ctx, "public/get_instruments", query, &instruments); err != nil {
		return nil, err
	}
	return instruments, nil
}

// Ticker fetches a full ticker snapshot for one instrument.
func (c *Client) Ticker(ctx context.Context, instrument string) (models.Ticker, error) {
	query := url.Values{}
	query.Set("instrument_name", instrument)

	var ticker models.Ticker
	if err := c.get(ctx, "public/ticker", query, &ticker); err != nil {
		return nil, err
	}
	return ticker, nil
}

// chartData mirrors the columnar get_tradingview_chart_data result.
type chartData struct {
	Status string    `json:"status"`
	Ticks  []int64   `json:"ticks"`
	Open   []float64 `json:"open"`
	High   []float64 `json:"high"`
	Low    []float64 `json:"low"`
	Close  []float64 `json:"close"`
	Volume []float64 `json:"volume"`
	Cost   []float64 `json:"cost"`
}

// ChartData fetches candles for [start, end] (epoch ms) at the given
// resolution and converts the columnar response into bars.
func (c *Client) ChartData(ctx context.Context, instrument, resolution string, start, end int64) ([]models.Candle, error) {
	query := url.Values{}
	query.Set("instrument_name", instrument)
	query.Set("resolution", resolution)
	query.Set("start_timestamp", strconv.FormatInt(start, 10))
	query.Set("end_timestamp", strconv.FormatInt(end, 10))

	var data chartData
	if err := c.get(ctx, "public/get_tradingview_chart_data", query, &data); err != nil {
		return nil, err
	}
	if data.Status != "" && data.Status != "ok" {
		return nil, fmt.Errorf("chart data for %s: status %q", instrument, data.Status)
	}

	candles := make([]models.Candle, 0, len(data.Ticks))
	for i, tick := range data.Ticks {
		candle := models.Candle{Tick: tick}
		if i < len(data.Open) {
			candle.Open = data.Open[i]
		}
		if i < len(data.High) {
			candle.High = data.High[i]
		}
		if i < len(data.Low) {
			candle.Low = data.Low[i]
		}
		if i < len(data.Close) {
			candle.Close = data.Close[i]
		}
		if i < len(data.Volume) {
			candle.Volume = data.Volume[i]
		}
		if i < len(data.Cost) {
			candle.Cost = data.Cost[i]
		}
		candles = append(candles, candle)
	}
	return candles, nil
}
