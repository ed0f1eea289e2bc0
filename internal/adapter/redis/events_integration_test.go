package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSource_DeliversPublishedEvents(t *testing.T) {
	client := setupTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []domain.Event
	src := NewEventSource(client, "demo", nil)
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(_ context.Context, ev domain.Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		})
	}()

	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, EventChannel("demo")).Result()
		return err == nil && n[EventChannel("demo")] == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, PublishEvent(ctx, client, "demo", []byte(`{"type":"CANVAS","payload":{"width":800,"height":600}}`)))
	require.NoError(t, PublishEvent(ctx, client, "demo", []byte(`not json`)))
	require.NoError(t, PublishEvent(ctx, client, "other", []byte(`{"type":"DELETED","assetId":"x"}`)))
	require.NoError(t, PublishEvent(ctx, client, "demo", []byte(`{"type":"DELETED","assetId":"a1"}`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []domain.Event{
		domain.CanvasResize{Width: 800, Height: 600},
		domain.Deleted{AssetID: "a1"},
	}, got)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
