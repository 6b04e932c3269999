package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSession     int64
	errorsDispatcher  int64
	warnsSession      int64
	warnsDispatcher   int64
	streamReads       int64
	dispatchedEvents  int64
	publishedMessages int64
	backfilledBars    int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&warnsDispatcher, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "dispatcher") {
		atomic.AddInt64(&errorsDispatcher, 1)
	}
}

// IncrementStreamRead counts one websocket subscription frame of the given
// payload size.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("stream_ws", size)
}

// IncrementDispatched counts one envelope fully processed by the dispatcher.
func IncrementDispatched() {
	atomic.AddInt64(&dispatchedEvents, 1)
}

// IncrementPublished counts messages flushed to redis.
func IncrementPublished(n int) {
	atomic.AddInt64(&publishedMessages, int64(n))
	recordChannel("redis_publish", 0)
}

// IncrementBackfill counts candles inserted by gap reconciliation.
func IncrementBackfill(n int) {
	atomic.AddInt64(&backfilledBars, int64(n))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_session":     atomic.LoadInt64(&errorsSession),
		"errors_dispatcher":  atomic.LoadInt64(&errorsDispatcher),
		"warns_session":      atomic.LoadInt64(&warnsSession),
		"warns_dispatcher":   atomic.LoadInt64(&warnsDispatcher),
		"stream_reads":       atomic.LoadInt64(&streamReads),
		"dispatched_events":  atomic.LoadInt64(&dispatchedEvents),
		"published_messages": atomic.LoadInt64(&publishedMessages),
		"backfilled_bars":    atomic.LoadInt64(&backfilledBars),
		"goroutines":         runtime.NumGoroutine(),
		"heap_mb":            int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":           channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DispatchedEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["dispatched_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PublishedMessages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["published_messages"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BackfilledBars"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["backfilled_bars"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsDispatcher"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_dispatcher"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsDispatcher"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_dispatcher"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
