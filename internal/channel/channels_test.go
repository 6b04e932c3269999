package channel

import (
	"context"
	"testing"
	"time"

	"github.com/venoajie/ws-streamer/models"
)

func TestSendPreservesOrder(t *testing.T) {
	c := NewChannels(4)
	ctx := context.Background()

	for _, ch := range []string{"a", "b", "c"} {
		if !c.Send(ctx, models.EventEnvelope{Channel: ch}) {
			t.Fatalf("send %q failed", ch)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got := <-c.Events
		if got.Channel != want {
			t.Fatalf("got %q, want %q", got.Channel, want)
		}
	}

	stats := c.GetStats()
	if stats.Sent != 3 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSendBlocksUntilConsumed(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()

	if !c.Send(ctx, models.EventEnvelope{Channel: "first"}) {
		t.Fatal("first send failed")
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.Send(ctx, models.EventEnvelope{Channel: "second"})
	}()

	select {
	case <-done:
		t.Fatal("send should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	<-c.Events
	if ok := <-done; !ok {
		t.Fatal("blocked send should succeed once there is room")
	}
}

func TestSendHonoursContextCancellation(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())

	c.Send(ctx, models.EventEnvelope{Channel: "fill"})
	cancel()

	if c.Send(ctx, models.EventEnvelope{Channel: "late"}) {
		t.Fatal("send should fail after cancellation")
	}
	if stats := c.GetStats(); stats.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", stats.Dropped)
	}
}
