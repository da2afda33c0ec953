package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanout message")
		return Envelope{}
	}
}

func TestPublishReachesOtherInstances(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "inst-a", nil)
	b := New(rdb, "inst-b", nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	gotA := make(chan Envelope, 4)
	gotB := make(chan Envelope, 4)
	require.NoError(t, a.Subscribe(ctx, "r1", func(e Envelope) { gotA <- e }))
	require.NoError(t, b.Subscribe(ctx, "r1", func(e Envelope) { gotB <- e }))

	require.NoError(t, a.Publish(ctx, "r1", KindUpdate, []byte("ops")))

	env := recv(t, gotB)
	assert.Equal(t, "inst-a", env.Origin)
	assert.Equal(t, KindUpdate, env.Kind)
	assert.Equal(t, "r1", env.Room)
	assert.Equal(t, []byte("ops"), env.Payload)

	// the publisher never hears itself
	require.NoError(t, b.Publish(ctx, "r1", KindLanguage, []byte("go")))
	env = recv(t, gotA)
	assert.Equal(t, KindLanguage, env.Kind)
	select {
	case e := <-gotA:
		t.Fatalf("unexpected message %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "inst-a", nil)
	b := New(rdb, "inst-b", nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	got := make(chan Envelope, 4)
	require.NoError(t, b.Subscribe(ctx, "r2", func(e Envelope) { got <- e }))

	require.NoError(t, a.Publish(ctx, "r1", KindUpdate, []byte("x")))
	require.NoError(t, a.Publish(ctx, "r2", KindUpdate, []byte("y")))
	env := recv(t, got)
	assert.Equal(t, "r2", env.Room)
	assert.Equal(t, []byte("y"), env.Payload)
}

func TestSubscribeOncePerRoom(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "inst-a", nil)
	b := New(rdb, "inst-b", nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	first := make(chan Envelope, 4)
	second := make(chan Envelope, 4)
	require.NoError(t, b.Subscribe(ctx, "r1", func(e Envelope) { first <- e }))
	require.NoError(t, b.Subscribe(ctx, "r1", func(e Envelope) { second <- e }))
	assert.True(t, b.Subscribed("r1"))

	require.NoError(t, a.Publish(ctx, "r1", KindSync, nil))
	recv(t, first)
	assert.Empty(t, second)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "inst-a", nil)
	b := New(rdb, "inst-b", nil)
	t.Cleanup(func() { a.Close() })

	got := make(chan Envelope, 4)
	require.NoError(t, b.Subscribe(ctx, "r1", func(e Envelope) { got <- e }))
	require.NoError(t, b.Unsubscribe("r1"))
	assert.False(t, b.Subscribed("r1"))
	require.NoError(t, b.Unsubscribe("r1"))

	require.NoError(t, a.Publish(ctx, "r1", KindUpdate, []byte("late")))
	select {
	case e := <-got:
		t.Fatalf("unexpected message %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Subscribe(ctx, "r1", func(Envelope) {}), ErrClosed)
}

func TestUndecodableMessagesAreSkipped(t *testing.T) {
	rdb := setupTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "inst-a", nil)
	b := New(rdb, "inst-b", nil)
	t.Cleanup(func() { a.Close(); b.Close() })

	got := make(chan Envelope, 4)
	require.NoError(t, b.Subscribe(ctx, "r1", func(e Envelope) { got <- e }))

	require.NoError(t, rdb.Publish(ctx, channelName("r1"), "not bson").Err())
	require.NoError(t, a.Publish(ctx, "r1", KindPresence, []byte("p")))

	env := recv(t, got)
	assert.Equal(t, KindPresence, env.Kind)
}
