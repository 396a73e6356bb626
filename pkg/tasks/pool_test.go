package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p, err := NewPool(4, time.Second)
	require.NoError(t, err)
	defer p.Close(time.Second)

	var n atomic.Int32
	for i := 0; i < 4; i++ {
		assert.True(t, p.Go("count", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	p.Wait()
	assert.Equal(t, int32(4), n.Load())
}

func TestPoolSurvivesErrorsAndPanics(t *testing.T) {
	p, err := NewPool(2, time.Second)
	require.NoError(t, err)
	defer p.Close(time.Second)

	p.Go("fail", func(ctx context.Context) error { return errors.New("boom") })
	p.Go("panic", func(ctx context.Context) error { panic("boom") })
	p.Wait()

	ran := make(chan struct{})
	require.True(t, p.Go("after", func(ctx context.Context) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("pool stopped running tasks")
	}
}

func TestPoolDropsWhenFull(t *testing.T) {
	p, err := NewPool(1, time.Second)
	require.NoError(t, err)
	defer p.Close(time.Second)

	release := make(chan struct{})
	require.True(t, p.Go("block", func(ctx context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, p.Go("dropped", func(ctx context.Context) error { return nil }))
	close(release)
	p.Wait()
}

func TestPoolAppliesTimeout(t *testing.T) {
	p, err := NewPool(1, 20*time.Millisecond)
	require.NoError(t, err)
	defer p.Close(time.Second)

	var deadline atomic.Bool
	p.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	p.Wait()
	assert.True(t, deadline.Load())
}

func TestUsageSinkPublishesInBackground(t *testing.T) {
	p, err := NewPool(2, time.Second)
	require.NoError(t, err)
	defer p.Close(time.Second)

	got := make(chan UsageEvent, 2)
	sink := NewUsageSink(p, PublisherFunc(func(ctx context.Context, key string, v any) error {
		ev := v.(UsageEvent)
		assert.Equal(t, ev.TeamID, key)
		got <- ev
		return nil
	}))
	failing := NewUsageSink(p, PublisherFunc(func(ctx context.Context, key string, v any) error {
		return errors.New("kafka down")
	}))

	sink.Record(UsageEvent{ID: "u1", TeamID: "team1", Source: "training", InputTokens: 3})
	failing.Record(UsageEvent{ID: "u2", TeamID: "team1", Source: "training"})
	p.Wait()

	ev := <-got
	assert.Equal(t, "u1", ev.ID)
	assert.Equal(t, 3, ev.InputTokens)
}
