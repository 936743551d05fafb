package events_test

import (
	"context"
	"testing"
	"time"

	domain "github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/dtg-labs/shieldgate/pkg/infra/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopPublisher(t *testing.T) {
	publisher := events.NewNoopPublisher()
	assert.NoError(t, publisher.Publish(context.Background(), &domain.SecurityEvent{Type: domain.EventTypeBlock}))
	publisher.Close()
}

func TestKafkaPublisher_PublishHonorsContextCancellation(t *testing.T) {
	// No broker behind this address: the message sits in the producer
	// queue and no delivery report arrives before the context fires.
	publisher, err := events.NewKafkaPublisher(events.Config{
		Host:  "127.0.0.1",
		Port:  "1",
		Topic: "shield-events",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- publisher.Publish(ctx, &domain.SecurityEvent{
			Type:     domain.EventTypeBlock,
			Identity: "1.2.3.4",
			Reason:   "test",
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not return after context cancellation")
	}
}
