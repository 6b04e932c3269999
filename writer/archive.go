// Package writer archives downloaded OHLCV history to S3 as parquet files.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "github.com/venoajie/ws-streamer/config"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// candleRecord defines the parquet schema for one OHLCV bar.
type candleRecord struct {
	Symbol   string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interval string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open     float64 `parquet:"name=open, type=DOUBLE"`
	High     float64 `parquet:"name=high, type=DOUBLE"`
	Low      float64 `parquet:"name=low, type=DOUBLE"`
	Close    float64 `parquet:"name=close, type=DOUBLE"`
	Volume   float64 `parquet:"name=volume, type=DOUBLE"`
	Cost     float64 `parquet:"name=cost, type=DOUBLE"`
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// CandleArchiver writes downloaded candle history to S3 as snappy-compressed
// parquet, partitioned by symbol and interval for cheap range scans.
type CandleArchiver struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

func NewCandleArchiver(cfg *appconfig.Config) (*CandleArchiver, error) {
	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return &CandleArchiver{
		cfg:      cfg,
		s3Client: s3Client,
		log:      logger.GetLogger(),
	}, nil
}

// Archive uploads one symbol/interval batch. Candles are expected sorted by
// open time, the way the downloader returns them.
func (a *CandleArchiver) Archive(ctx context.Context, symbol, interval string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	data, err := createParquet(symbol, interval, candles)
	if err != nil {
		return fmt.Errorf("create parquet for %s %s: %w", symbol, interval, err)
	}

	key := a.s3Key(symbol, interval, candles)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithComponent("candle_archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(candles),
		"bytes":   len(data),
	}).Info("candle batch uploaded")
	return nil
}

func createParquet(symbol, interval string, candles []models.Candle) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(candleRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, c := range candles {
		rec := candleRecord{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: c.Tick,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
			Cost:     c.Cost,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *CandleArchiver) s3Key(symbol, interval string, candles []models.Candle) string {
	first := candles[0].Tick
	last := candles[len(candles)-1].Tick
	parts := []string{
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("interval=%s", interval),
	}
	filename := fmt.Sprintf("ohlcv_%d_%d_%s.parquet", first, last, uuid.New().String())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
