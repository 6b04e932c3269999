package channel

import (
	"context"
	"sync"
	"time"

	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries envelopes from the websocket sessions to the dispatcher.
// Send blocks instead of dropping: account events must arrive in order and
// without loss, so producers slow down when the dispatcher falls behind.
type Channels struct {
	Events chan models.EventEnvelope

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.EventEnvelope, bufferSize),
		log:    log,
	}

	log.WithComponent("event_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("event_channels").Info("event channels closed")
}

// Send enqueues an envelope, blocking until there is room or the context is
// cancelled. It returns false only when the context ended first.
//
// The caller is the socket read loop: while Send blocks under sustained
// backpressure no frames are read, so heartbeat test_requests go unanswered
// and the server will eventually close the connection. Size the buffer for
// the dispatcher's worst-case stall.
func (c *Channels) Send(ctx context.Context, msg models.EventEnvelope) bool {
	select {
	case c.Events <- msg:
		c.incrementSent()
		logger.RecordChannelMessage("events", len(msg.Data))
		return true
	case <-ctx.Done():
		c.incrementDropped()
		return false
	}
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs queue depth and send counters.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.LogMetric("event_channels", "queue_len", len(c.Events), "gauge", logger.Fields{})
			c.log.WithComponent("event_channels").WithFields(logger.Fields{
				"sent":      stats.Sent,
				"dropped":   stats.Dropped,
				"queue_len": len(c.Events),
				"queue_cap": cap(c.Events),
			}).Info("event channel metrics")
		}
	}
}
