package tick

import (
	"context"
	"testing"
	"time"

	"tickflow/internal/ticks"
	"tickflow/logger"
)

func TestChannels_SendRaw(t *testing.T) {
	ch := NewChannels(1, logger.Logger())
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tk := ticks.Tick{Symbol: "R_100", Quote: 1234.56}
	if !ch.SendRaw(ctx, tk) {
		t.Fatalf("expected send to succeed")
	}
	if stats := ch.GetStats(); stats.Sent != 1 {
		t.Fatalf("expected sent counter to be 1, got %d", stats.Sent)
	}

	// buffer full should increment dropped counter
	if ch.SendRaw(ctx, tk) {
		t.Fatalf("expected send to fail due to full buffer")
	}
	if stats := ch.GetStats(); stats.Dropped != 1 {
		t.Fatalf("expected dropped counter to be 1, got %d", stats.Dropped)
	}
	if ch.Len() != 1 || ch.Cap() != 1 {
		t.Fatalf("unexpected occupancy %d/%d", ch.Len(), ch.Cap())
	}
}

func TestChannels_SendRawAfterCancel(t *testing.T) {
	ch := NewChannels(4, logger.Logger())
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch.Listener(ctx)(ticks.Tick{Symbol: "R_100"})
	if stats := ch.GetStats(); stats.Sent != 0 || stats.Dropped != 0 {
		t.Fatalf("cancelled send should not be counted: %+v", stats)
	}
}

func TestChannels_CloseIsIdempotent(t *testing.T) {
	ch := NewChannels(1, logger.Logger())
	ch.Close()
	ch.Close()
	if _, ok := <-ch.Raw; ok {
		t.Fatal("expected closed channel")
	}
}
