// Package broadcast fans processed events out over redis pub/sub. All
// messages produced while handling one input envelope are coalesced into a
// single pipelined round trip.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// Batch collects messages for one envelope and sends them in one round trip.
type Batch interface {
	// Publish queues a message for the redis channel. The payload is wrapped
	// in the subscription template keyed by the websocket channel it came
	// from.
	Publish(redisChannel, wsChannel string, data interface{})
	// Flush sends everything queued so far.
	Flush(ctx context.Context) error
	// Len reports the number of queued messages.
	Len() int
}

// Broadcaster produces batches bound to a shared connection.
type Broadcaster interface {
	Pipeline() Batch
	Close() error
}

// Redis is the production Broadcaster backed by go-redis.
type Redis struct {
	client *redis.Client
	log    *logger.Log
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	log := logger.GetLogger()
	log.WithComponent("broadcast").WithFields(logger.Fields{"addr": addr, "db": db}).Info("connected to redis")
	return &Redis{client: client, log: log}, nil
}

func (r *Redis) Pipeline() Batch {
	return &pipelineBatch{client: r.client, log: r.log}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type queuedMessage struct {
	channel string
	message models.PubMessage
}

type pipelineBatch struct {
	client *redis.Client
	log    *logger.Log
	queued []queuedMessage
}

func (b *pipelineBatch) Publish(redisChannel, wsChannel string, data interface{}) {
	b.queued = append(b.queued, queuedMessage{
		channel: redisChannel,
		message: models.NewPubMessage(wsChannel, data),
	})
}

func (b *pipelineBatch) Len() int {
	return len(b.queued)
}

func (b *pipelineBatch) Flush(ctx context.Context) error {
	if len(b.queued) == 0 {
		return nil
	}

	payloads := make([][]byte, len(b.queued))
	for i, msg := range b.queued {
		body, err := json.Marshal(msg.message)
		if err != nil {
			return fmt.Errorf("encode message for %s: %w", msg.channel, err)
		}
		payloads[i] = body
	}

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range b.queued {
			pipe.Publish(ctx, msg.channel, payloads[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush %d messages: %w", len(b.queued), err)
	}

	logger.IncrementPublished(len(b.queued))
	b.queued = b.queued[:0]
	return nil
}
