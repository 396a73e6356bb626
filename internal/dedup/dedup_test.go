package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataset-trainer-go/internal/model"
	"dataset-trainer-go/internal/repository"
)

type fakeFinder struct {
	mu    sync.Mutex
	byKey map[string]*model.Collection
}

func (f *fakeFinder) FindByHash(_ context.Context, datasetID, hash string) (*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byKey[datasetID+"/"+hash]; ok {
		return c, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeFinder) put(datasetID, hash string, c *model.Collection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[datasetID+"/"+hash] = c
}

type brokenLocker struct{}

func (brokenLocker) Lock(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis down")
}

func TestHashStable(t *testing.T) {
	assert.Equal(t, Hash([]byte("abc")), Hash([]byte("abc")))
	assert.NotEqual(t, Hash([]byte("abc")), Hash([]byte("abd")))
	assert.Len(t, Hash(nil), 64)
}

func TestAcquireReturnsExisting(t *testing.T) {
	f := &fakeFinder{byKey: map[string]*model.Collection{}}
	existing := &model.Collection{ID: "c1"}
	f.put("ds1", Hash([]byte("same")), existing)

	g := NewGuard(f, NewLocalLocker(), time.Second)
	claim, err := g.Acquire(context.Background(), "ds1", []byte("same"))
	require.NoError(t, err)
	assert.Same(t, existing, claim.Existing)
	claim.Release()

	claim, err = g.Acquire(context.Background(), "ds2", []byte("same"))
	require.NoError(t, err)
	assert.Nil(t, claim.Existing)
	claim.Release()
}

func TestAcquireSerializesSameContent(t *testing.T) {
	f := &fakeFinder{byKey: map[string]*model.Collection{}}
	g := NewGuard(f, NewLocalLocker(), time.Second)
	g.wait = 5 * time.Millisecond

	first, err := g.Acquire(context.Background(), "ds1", []byte("doc"))
	require.NoError(t, err)
	require.Nil(t, first.Existing)

	done := make(chan *Claim)
	go func() {
		c, err := g.Acquire(context.Background(), "ds1", []byte("doc"))
		assert.NoError(t, err)
		done <- c
	}()

	time.Sleep(20 * time.Millisecond)
	f.put("ds1", first.Hash, &model.Collection{ID: "created"})
	first.Release()

	second := <-done
	require.NotNil(t, second)
	require.NotNil(t, second.Existing)
	assert.Equal(t, "created", second.Existing.ID)
}

func TestAcquireHonoursContext(t *testing.T) {
	f := &fakeFinder{byKey: map[string]*model.Collection{}}
	g := NewGuard(f, NewLocalLocker(), time.Hour)
	g.wait = 5 * time.Millisecond

	first, err := g.Acquire(context.Background(), "ds1", []byte("doc"))
	require.NoError(t, err)
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "ds1", []byte("doc"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireFallsBackWhenLockerFails(t *testing.T) {
	f := &fakeFinder{byKey: map[string]*model.Collection{}}
	g := NewGuard(f, brokenLocker{}, time.Second)
	claim, err := g.Acquire(context.Background(), "ds1", []byte("doc"))
	require.NoError(t, err)
	assert.Nil(t, claim.Existing)
	claim.Release()
}

func TestLocalLockerExpiry(t *testing.T) {
	l := NewLocalLocker()
	now := time.Unix(1000, 0)
	l.nowFn = func() time.Time { return now }

	release, ok, err := l.Lock(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Lock(context.Background(), "k", time.Second)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	release2, ok, _ := l.Lock(context.Background(), "k", time.Second)
	assert.True(t, ok)

	// 过期锁的释放函数不能删掉新锁
	release()
	_, ok, _ = l.Lock(context.Background(), "k", time.Second)
	assert.False(t, ok)
	release2()
	_, ok, _ = l.Lock(context.Background(), "k", time.Second)
	assert.True(t, ok)
}
