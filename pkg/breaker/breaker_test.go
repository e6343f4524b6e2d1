package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("album", Config{FailureThreshold: 3, CoolDown: 10 * time.Second, Now: clock.Now})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Failure()
	}
	assert.Equal(t, Closed, b.State())

	require.True(t, b.Allow())
	b.Failure()

	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), snap.OpenedAt)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(newFakeClock())

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 2, b.Snapshot().ConsecutiveFailures)
}

func TestBreaker_ShortCircuitsDuringCoolDown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	require.Equal(t, Open, b.State())

	clock.Advance(9 * time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	clock.Advance(10 * time.Second)

	const callers = 50
	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_Acquire(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newTestBreaker(clock)

	permit, allowed := b.Acquire()
	assert.True(t, allowed)
	assert.False(t, permit.Probe())

	for i := 0; i < 3; i++ {
		b.Failure()
	}
	permit, allowed = b.Acquire()
	assert.False(t, allowed)
	assert.False(t, permit.Probe())

	clock.Advance(10 * time.Second)
	permit, allowed = b.Acquire()
	assert.True(t, allowed)
	assert.True(t, permit.Probe())

	permit, allowed = b.Acquire()
	assert.False(t, allowed)
	assert.False(t, permit.Probe())
}

func TestPermit_StaleResults(t *testing.T) {
	t.Parallel()

	t.Run("CLOSED中に許可された呼び出しの成功はプローブ中の状態を変えないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		slow, ok := b.Acquire()
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			p, ok := b.Acquire()
			require.True(t, ok)
			p.Failure()
		}
		clock.Advance(10 * time.Second)
		probe, ok := b.Acquire()
		require.True(t, ok)
		require.True(t, probe.Probe())

		slow.Success()
		assert.Equal(t, HalfOpen, b.State())
		assert.Equal(t, 3, b.Snapshot().ConsecutiveFailures)

		probe.Success()
		assert.Equal(t, Closed, b.State())
	})

	t.Run("CLOSED中に許可された呼び出しの失敗はプローブ中の状態を変えないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		slow, ok := b.Acquire()
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			b.Failure()
		}
		openedAt := b.Snapshot().OpenedAt
		clock.Advance(10 * time.Second)
		probe, ok := b.Acquire()
		require.True(t, ok)

		slow.Failure()
		assert.Equal(t, HalfOpen, b.State())
		assert.Equal(t, openedAt, b.Snapshot().OpenedAt)

		probe.Failure()
		assert.Equal(t, Open, b.State())
		assert.Equal(t, clock.Now(), b.Snapshot().OpenedAt)
	})

	t.Run("遷移後に届いた失敗は再びOPENにしないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		var permits []Permit
		for i := 0; i < 4; i++ {
			p, ok := b.Acquire()
			require.True(t, ok)
			permits = append(permits, p)
		}
		for _, p := range permits[:3] {
			p.Failure()
		}
		require.Equal(t, Open, b.State())
		openedAt := b.Snapshot().OpenedAt

		clock.Advance(time.Second)
		permits[3].Failure()
		assert.Equal(t, openedAt, b.Snapshot().OpenedAt)
		assert.Equal(t, 3, b.Snapshot().ConsecutiveFailures)
	})

	t.Run("プローブ以外のReleaseは何もしないこと", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		slow, ok := b.Acquire()
		require.True(t, ok)
		for i := 0; i < 3; i++ {
			b.Failure()
		}
		clock.Advance(10 * time.Second)
		_, ok = b.Acquire()
		require.True(t, ok)

		slow.Release()
		assert.Equal(t, HalfOpen, b.State())
	})
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Parallel()

	t.Run("プローブ成功でCLOSEDに戻ること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			b.Failure()
		}
		clock.Advance(10 * time.Second)
		require.True(t, b.Allow())

		b.Success()

		snap := b.Snapshot()
		assert.Equal(t, Closed, snap.State)
		assert.Equal(t, 0, snap.ConsecutiveFailures)
		assert.True(t, b.Allow())
	})

	t.Run("プローブ失敗で再びOPENになりクールダウンがやり直しになること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			b.Failure()
		}
		clock.Advance(10 * time.Second)
		require.True(t, b.Allow())

		b.Failure()

		snap := b.Snapshot()
		assert.Equal(t, Open, snap.State)
		assert.Equal(t, clock.Now(), snap.OpenedAt)

		clock.Advance(5 * time.Second)
		assert.False(t, b.Allow())
	})

	t.Run("プローブを返却するとOPENに戻り次の呼び出しがプローブになること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		b := newTestBreaker(clock)
		for i := 0; i < 3; i++ {
			b.Failure()
		}
		openedAt := b.Snapshot().OpenedAt
		clock.Advance(10 * time.Second)
		require.True(t, b.Allow())

		b.Release()

		snap := b.Snapshot()
		assert.Equal(t, Open, snap.State)
		assert.Equal(t, openedAt, snap.OpenedAt)
		assert.True(t, b.Allow())
		assert.Equal(t, HalfOpen, b.State())
	})
}

func TestBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string
	b := New("users", Config{
		FailureThreshold: 1,
		CoolDown:         time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	b.Failure()
	clock.Advance(time.Second)
	b.Allow()
	b.Success()

	assert.Equal(t, []string{
		"users:CLOSED->OPEN",
		"users:OPEN->HALF_OPEN",
		"users:HALF_OPEN->CLOSED",
	}, transitions)
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	b := New("x", Config{})
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.Failure()
	}
	assert.Equal(t, Closed, b.State())
	b.Failure()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{FailureThreshold: 1})

	album := r.Get("album")
	assert.Same(t, album, r.Get("album"))
	assert.NotSame(t, album, r.Get("users"))

	album.Failure()
	assert.Equal(t, map[string]State{"album": Open, "users": Closed}, r.States())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "HALF_OPEN", HalfOpen.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
