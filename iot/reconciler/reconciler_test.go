package reconciler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestOnSnapshot(t *testing.T) {
	c := newClock()
	r := New(&Builder{Now: c.Now})

	v := r.CurrentView()
	assert.Empty(t, v.Entries)
	assert.Nil(t, v.NextToDisplay)
	assert.True(t, v.UpdatedAt.IsZero())

	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[{"token":5,"status":"serving"},{"token":6,"status":"waiting"}],"lastToken":6}`)))
	v = r.CurrentView()
	require.NotNil(t, v.NextToDisplay)
	assert.Equal(t, 6, v.NextToDisplay.Token)
	assert.Equal(t, 6, v.LastToken)
	assert.Len(t, v.Entries, 2)
	assert.Equal(t, c.Now(), v.UpdatedAt)
	assert.False(t, v.Stale)
}

func TestOnSnapshot_ReplacesView(t *testing.T) {
	r := New(&Builder{})
	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[{"token":1,"status":"waiting"},{"token":2,"status":"waiting"}],"lastToken":2}`)))
	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[],"lastToken":2}`)))

	v := r.CurrentView()
	assert.Empty(t, v.Entries)
	assert.NotNil(t, v.Entries)
	assert.Nil(t, v.NextToDisplay)
	assert.Equal(t, 2, v.LastToken)
}

func TestOnSnapshot_Malformed(t *testing.T) {
	r := New(&Builder{})
	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[{"token":5,"status":"waiting"}],"lastToken":5}`)))
	before := r.CurrentView()

	for _, payload := range []string{
		`{"entries":[{"token":5,"status":"wait`,
		`not json`,
		`{"lastToken":5}`,
		`{"entries":[{"token":"five","status":"waiting"}],"lastToken":5}`,
		`{"entries":[{"token":-1,"status":"waiting"}],"lastToken":5}`,
		`[]`,
	} {
		err := r.OnSnapshot([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedMessage, payload)
	}

	assert.Equal(t, before, r.CurrentView())
	count, last := r.Malformed()
	assert.Equal(t, uint64(6), count)
	assert.ErrorIs(t, last, ErrMalformedMessage)
}

func TestHandle(t *testing.T) {
	r := New(&Builder{})
	r.Handle("queue/clinic/default/updates", []byte(`{"entries":[{"token":3,"status":"waiting","name":"Ada","estimatedWaitSeconds":120}],"lastToken":3,"avgServiceSeconds":42.5}`))
	v := r.CurrentView()
	require.NotNil(t, v.NextToDisplay)
	assert.Equal(t, "Ada", v.NextToDisplay.Name)
	assert.Equal(t, 120, v.NextToDisplay.EstimatedWaitSeconds)
	assert.Equal(t, 42.5, v.AvgServiceSeconds)

	r.Handle("queue/clinic/default/updates", []byte(`{`))
	count, _ := r.Malformed()
	assert.Equal(t, uint64(1), count)
	assert.Equal(t, 3, r.CurrentView().NextToDisplay.Token)
}

func TestCurrentView_IsACopy(t *testing.T) {
	r := New(&Builder{})
	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[{"token":5,"status":"waiting"}],"lastToken":5}`)))
	v := r.CurrentView()
	v.Entries[0].Token = 99
	v.NextToDisplay.Token = 99
	assert.Equal(t, 5, r.CurrentView().Entries[0].Token)
	assert.Equal(t, 5, r.CurrentView().NextToDisplay.Token)
}

func TestStale(t *testing.T) {
	c := newClock()
	r := New(&Builder{Now: c.Now, StaleGrace: 10 * time.Second})
	require.NoError(t, r.OnSnapshot([]byte(`{"entries":[{"token":5,"status":"waiting"}],"lastToken":5}`)))

	interrupted := c.Now()
	r.MarkInterrupted(interrupted)
	c.Advance(9 * time.Second)
	v := r.CurrentView()
	assert.False(t, v.Stale)
	require.NotNil(t, v.InterruptedAt)
	assert.Equal(t, interrupted, *v.InterruptedAt)

	// a second interruption does not restart the grace period
	r.MarkInterrupted(c.Now())
	c.Advance(time.Second)
	v = r.CurrentView()
	assert.True(t, v.Stale)
	require.NotNil(t, v.InterruptedAt)
	assert.Equal(t, interrupted, *v.InterruptedAt)
	assert.Equal(t, 5, v.NextToDisplay.Token, "the last known view is still shown")

	r.MarkSynchronized()
	v = r.CurrentView()
	assert.False(t, v.Stale)
	assert.Nil(t, v.InterruptedAt)
}

func TestOnSnapshot_AtomicUnderConcurrentReads(t *testing.T) {
	r := New(&Builder{})
	require.NoError(t, r.OnSnapshot(snapshotPayload(0)))

	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				v := r.CurrentView()
				// every entry of a snapshot carries the same generation, and the
				// next token always belongs to the snapshot it is read with
				if !assert.Len(t, v.Entries, 3) || !assert.NotNil(t, v.NextToDisplay) {
					return
				}
				generation := v.LastToken
				for _, e := range v.Entries {
					assert.Equal(t, generation, e.Token/10)
				}
				assert.Equal(t, generation*10+1, v.NextToDisplay.Token)
			}
		}()
	}

	for g := 1; g <= 500; g++ {
		require.NoError(t, r.OnSnapshot(snapshotPayload(g)))
	}
	stop.Store(true)
	wg.Wait()
	assert.Equal(t, 500, r.CurrentView().LastToken)
}

func snapshotPayload(generation int) []byte {
	return []byte(fmt.Sprintf(`{"entries":[{"token":%d,"status":"serving"},{"token":%d,"status":"waiting"},{"token":%d,"status":"waiting"}],"lastToken":%d}`,
		generation*10, generation*10+1, generation*10+2, generation))
}
