package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsTask(t *testing.T) {
	p := New(2)
	defer p.Close()

	h := p.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, h.Wait())
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(2)
	defer p.Close()

	wantErr := assert.AnError
	h := p.Submit(context.Background(), func(ctx context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, h.Wait())
}

func TestSubmitEnforcesBound(t *testing.T) {
	p := New(2)
	defer p.Close()

	var active int32
	var maxActive int32
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				cur := atomic.LoadInt32(&maxActive)
				if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&active, -1)
			return nil
		})
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxActive)), 2)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Close())

	h := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, h.Wait(), ErrPoolClosed)
}

func TestGroupWaitAggregatesErrors(t *testing.T) {
	p := New(4)
	defer p.Close()

	g := p.NewGroup(context.Background())
	g.Go(func(ctx context.Context) error { return nil })
	g.Go(func(ctx context.Context) error { return assert.AnError })
	g.Go(func(ctx context.Context) error { return nil })

	err := g.Wait()
	assert.Equal(t, assert.AnError, err)
}

func TestGroupCancelSkipsUnstartedTasks(t *testing.T) {
	p := New(1)
	defer p.Close()

	g := p.NewGroup(context.Background())
	started := make(chan struct{})
	block := make(chan struct{})

	g.Go(func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})

	<-started
	g.Cancel()
	close(block)

	var ran int32
	g.Go(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	err := g.Wait()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestStatsReflectLoad(t *testing.T) {
	p := New(3)
	defer p.Close()

	h := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, h.Wait())

	stats := p.Stats()
	assert.Equal(t, 3, stats.MaxSize)
	assert.Equal(t, int64(1), stats.Completed)
}
