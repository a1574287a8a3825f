package instances

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	key string
	seq int64
}

func TestTracker_GetOrConstructWithConverges(t *testing.T) {
	tracker := New[string, *record](nil)

	var calls atomic.Int64
	ctor := func(key string) (*record, error) {
		n := calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return &record{key: key, seq: n}, nil
	}

	const callers = 64
	results := make([]*record, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			r, err := tracker.GetOrConstructWith("running", ctor)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "constructor must run once per key")
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 1, tracker.Len())
}

func TestTracker_DefaultConstructor(t *testing.T) {
	tests := []struct {
		name    string
		ctor    Constructor[int, string]
		wantErr error
		want    string
	}{
		{
			name: "default constructor used",
			ctor: func(k int) (string, error) { return "value", nil },
			want: "value",
		},
		{
			name:    "missing constructor",
			ctor:    nil,
			wantErr: ErrNoConstructor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := New[int, string](tt.ctor)
			got, err := tracker.GetOrConstruct(7)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTracker_ConstructorErrorIsNotCached(t *testing.T) {
	tracker := New[string, *record](nil)
	boom := errors.New("store unavailable")

	_, err := tracker.GetOrConstructWith("a", func(string) (*record, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, ok := tracker.Get("a")
	assert.False(t, ok)

	r, err := tracker.GetOrConstructWith("a", func(k string) (*record, error) { return &record{key: k}, nil })
	require.NoError(t, err)
	assert.Equal(t, "a", r.key)
}

func TestTracker_ConstructorPanicBecomesError(t *testing.T) {
	tracker := New[string, *record](nil)

	_, err := tracker.GetOrConstructWith("a", func(string) (*record, error) { panic("bad row") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad row")
	assert.Equal(t, 0, tracker.Len())
}

func TestTracker_ConstructWithReplaces(t *testing.T) {
	tracker := New[string, *record](nil)

	first, err := tracker.GetOrConstructWith("k", func(k string) (*record, error) { return &record{key: k, seq: 1}, nil })
	require.NoError(t, err)

	second, err := tracker.ConstructWith("k", func(k string) (*record, error) { return &record{key: k, seq: 2}, nil })
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	got, ok := tracker.Get("k")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestTracker_ConstructWithJoinsInFlight(t *testing.T) {
	tracker := New[string, *record](nil)
	release := make(chan struct{})
	started := make(chan struct{})

	var winner *record
	done := make(chan struct{})
	go func() {
		defer close(done)
		winner, _ = tracker.GetOrConstructWith("k", func(k string) (*record, error) {
			close(started)
			<-release
			return &record{key: k, seq: 1}, nil
		})
	}()

	<-started
	var forced *record
	forcedDone := make(chan struct{})
	go func() {
		defer close(forcedDone)
		forced, _ = tracker.ConstructWith("k", func(k string) (*record, error) {
			return &record{key: k, seq: 2}, nil
		})
	}()

	// give the forced constructor time to find the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-forcedDone
	assert.Same(t, winner, forced)
}

func TestTracker_FindAndRemove(t *testing.T) {
	tracker := New[int, *record](nil)
	for i := 1; i <= 5; i++ {
		tracker.Put(i, &record{seq: int64(i)})
	}

	even := tracker.Find(func(r *record) bool { return r.seq%2 == 0 }, 0)
	assert.Len(t, even, 2)

	first := tracker.Find(func(r *record) bool { return true }, 1)
	require.Len(t, first, 1)
	assert.Equal(t, int64(1), first[0].seq)

	removed, ok := tracker.Remove(3)
	require.True(t, ok)
	assert.Equal(t, int64(3), removed.seq)
	assert.ElementsMatch(t, []int{1, 2, 4, 5}, tracker.Keys())

	_, ok = tracker.Remove(3)
	assert.False(t, ok)
}

func TestBoundedTracker_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	tracker, err := NewBounded[string, *record](2, nil, func(key string, _ *record) {
		evicted = append(evicted, key)
	})
	require.NoError(t, err)

	ctor := func(k string) (*record, error) { return &record{key: k}, nil }
	_, err = tracker.GetOrConstructWith("a", ctor)
	require.NoError(t, err)
	_, err = tracker.GetOrConstructWith("b", ctor)
	require.NoError(t, err)

	// touch a so that b is the eviction candidate
	_, ok := tracker.Get("a")
	require.True(t, ok)

	_, err = tracker.GetOrConstructWith("c", ctor)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, tracker.Len())
	_, ok = tracker.Get("b")
	assert.False(t, ok)
}

func TestNewBounded_InvalidSize(t *testing.T) {
	_, err := NewBounded[string, int](0, nil, nil)
	assert.Error(t, err)
}

func TestTracker_RemoveIf(t *testing.T) {
	tracker := New[string, *record](nil)
	current := &record{key: "k", seq: 2}
	tracker.Put("k", current)

	stale := &record{key: "k", seq: 1}
	assert.False(t, tracker.RemoveIf("k", func(r *record) bool { return r == stale }))
	assert.True(t, tracker.RemoveIf("k", func(r *record) bool { return r == current }))
	assert.False(t, tracker.RemoveIf("k", func(*record) bool { return true }))
	assert.Equal(t, 0, tracker.Len())
}

func TestTracker_RemoveKeepsInsertionOrder(t *testing.T) {
	tracker := New[int, *record](nil)
	const n = 20000
	for i := 0; i < n; i++ {
		tracker.Put(i, &record{seq: int64(i)})
	}

	for i := 0; i < n; i += 2 {
		_, ok := tracker.Remove(i)
		require.True(t, ok)
	}
	tracker.Put(0, &record{seq: 0})

	keys := tracker.Keys()
	require.Len(t, keys, n/2+1)
	assert.Equal(t, []int{1, 3, 5}, keys[:3])
	assert.Equal(t, 0, keys[len(keys)-1])

	values := tracker.Find(func(*record) bool { return true }, 0)
	assert.Equal(t, int64(1), values[0].seq)
	assert.Equal(t, int64(0), values[len(values)-1].seq)

	tracker.Put(1, &record{seq: 100})
	assert.Equal(t, []int{1, 3}, tracker.Keys()[:2])
}
