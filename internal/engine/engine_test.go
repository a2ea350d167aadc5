package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairsOf(kvs ...string) []Pair {
	var pairs []Pair
	for i := 0; i+1 < len(kvs); i += 2 {
		pairs = append(pairs, Pair{Key: kvs[i], Value: kvs[i+1]})
	}
	return pairs
}

func sortedKeys(pairs []Pair) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	sort.Strings(keys)
	return keys
}

func TestParallelizePartitioning(t *testing.T) {
	t.Run("splits into contiguous chunks", func(t *testing.T) {
		e := New(Options{Workers: 2, Partitions: 2})
		ds := e.Parallelize("files", pairsOf("a", "1", "b", "2", "c", "3"))

		require.Len(t, ds.out, 2)
		assert.Len(t, ds.out[0], 2)
		assert.Len(t, ds.out[1], 1)
	})

	t.Run("never creates more partitions than pairs", func(t *testing.T) {
		e := New(Options{Workers: 8, Partitions: 8})
		ds := e.Parallelize("files", pairsOf("a", "1"))
		assert.Len(t, ds.out, 1)
	})

	t.Run("empty input yields one empty partition", func(t *testing.T) {
		e := New(Options{Workers: 2})
		ds := e.Parallelize("files", nil)

		pairs, err := ds.Collect(context.Background())
		require.NoError(t, err)
		assert.Empty(t, pairs)
	})
}

func TestMap(t *testing.T) {
	e := New(Options{Workers: 4, Partitions: 2})
	ds := e.Parallelize("src", pairsOf("a", "x", "b", "y", "c", "z")).
		Map("upper", func(ctx context.Context, p Pair) (Pair, error) {
			return Pair{Key: p.Key, Value: strings.ToUpper(p.Value.(string))}, nil
		})

	pairs, err := ds.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "X", pairs[0].Value)
	assert.Equal(t, []string{"a", "b", "c"}, sortedKeys(pairs))
}

func TestFlatMapAndFilter(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 2})

	expanded := e.Parallelize("src", pairsOf("s1", "2", "s2", "3")).
		FlatMap("expand", func(ctx context.Context, p Pair) ([]Pair, error) {
			n := int(p.Value.(string)[0] - '0')
			var out []Pair
			for i := 0; i < n; i++ {
				out = append(out, Pair{Key: fmt.Sprintf("%s-%d", p.Key, i), Value: i})
			}
			return out, nil
		})

	odd := expanded.Filter("odd", func(ctx context.Context, p Pair) (bool, error) {
		return p.Value.(int)%2 == 1, nil
	})

	pairs, err := odd.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1-1", "s2-1"}, sortedKeys(pairs))
}

func TestGroupByKey(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 3})
	ds := e.Parallelize("src", []Pair{
		{Key: "sub-01", Value: "t1w_a"},
		{Key: "sub-02", Value: "t1w_c"},
		{Key: "sub-01", Value: "t1w_b"},
	}).GroupByKey()

	pairs, err := ds.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	byKey := make(map[string][]any)
	for _, p := range pairs {
		byKey[p.Key] = p.Value.([]any)
	}
	// Value order follows partition and position order, so it is stable.
	assert.Equal(t, []any{"t1w_a", "t1w_b"}, byKey["sub-01"])
	assert.Equal(t, []any{"t1w_c"}, byKey["sub-02"])
}

func TestJoin(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 2})

	left := e.Parallelize("left", []Pair{
		{Key: "s1", Value: "L1"},
		{Key: "s2", Value: "L2"},
		{Key: "s1", Value: "L3"},
	})
	right := e.Parallelize("right", []Pair{
		{Key: "s1", Value: "R1"},
		{Key: "s3", Value: "R3"},
	})

	pairs, err := left.Join(right).Collect(context.Background())
	require.NoError(t, err)

	// s2 has no right match and s3 no left match; s1 joins 2x1 ways.
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.Equal(t, "s1", p.Key)
		j := p.Value.(Joined)
		assert.Equal(t, "R1", j.Right)
	}
	assert.ElementsMatch(t,
		[]any{"L1", "L3"},
		[]any{pairs[0].Value.(Joined).Left, pairs[1].Value.(Joined).Left},
	)
}

func TestUnion(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 1})
	a := e.Parallelize("a", pairsOf("k1", "v1"))
	b := e.Parallelize("b", pairsOf("k2", "v2"))

	pairs, err := a.Union(b).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, sortedKeys(pairs))
}

func TestCacheAvoidsRecompute(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 2})

	var calls atomic.Int32
	counted := e.Parallelize("src", pairsOf("a", "1", "b", "2")).
		Map("count_calls", func(ctx context.Context, p Pair) (Pair, error) {
			calls.Add(1)
			return p, nil
		}).Cache()

	ctx := context.Background()
	_, err := counted.Collect(ctx)
	require.NoError(t, err)
	_, err = counted.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "cached dataset must be computed once")
}

func TestIntermediateRecompute(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 2})

	var calls atomic.Int32
	mapped := e.Parallelize("src", pairsOf("a", "1")).
		Map("uncached", func(ctx context.Context, p Pair) (Pair, error) {
			calls.Add(1)
			return p, nil
		})

	ctx := context.Background()
	_, err := mapped.Collect(ctx)
	require.NoError(t, err)
	_, err = mapped.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "uncached dataset is released and recomputed")
}

func TestFailureFailsFastAndNamesStage(t *testing.T) {
	e := New(Options{Workers: 4, Partitions: 4})

	boom := errors.New("boom")
	ds := e.Parallelize("src", pairsOf("a", "1", "b", "2", "c", "3", "d", "4")).
		Map("explode", func(ctx context.Context, p Pair) (Pair, error) {
			if p.Key == "c" {
				return Pair{}, boom
			}
			return p, nil
		}).
		Map("downstream", func(ctx context.Context, p Pair) (Pair, error) {
			return p, nil
		})

	_, err := ds.Collect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "explode")
	assert.Contains(t, err.Error(), `key "c"`)
}

func TestContextCancellation(t *testing.T) {
	e := New(Options{Workers: 2, Partitions: 2})
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	ds := e.Parallelize("src", pairsOf("a", "1", "b", "2", "c", "3", "d", "4")).
		Map("slow", func(ctx context.Context, p Pair) (Pair, error) {
			once.Do(func() { close(started) })
			select {
			case <-ctx.Done():
				return Pair{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return p, nil
			}
		})

	go func() {
		<-started
		cancel()
	}()

	_, err := ds.Collect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// recordingObserver captures telemetry for assertions.
type recordingObserver struct {
	mu     sync.Mutex
	tasks  []string
	stages []string
}

func (o *recordingObserver) TaskDone(stage string, partition int, start, end time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, fmt.Sprintf("%s[%d]", stage, partition))
}

func (o *recordingObserver) StageDone(stage string, err error, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func TestObserverReceivesTelemetry(t *testing.T) {
	obs := &recordingObserver{}
	e := New(Options{Workers: 2, Partitions: 2, Observer: obs})

	ds := e.Parallelize("src", pairsOf("a", "1", "b", "2")).
		Map("noop", func(ctx context.Context, p Pair) (Pair, error) { return p, nil })

	_, err := ds.Collect(context.Background())
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.ElementsMatch(t, []string{"noop[0]", "noop[1]"}, obs.tasks)
	assert.Contains(t, obs.stages, "noop")
}

func TestChainedWideAndNarrow(t *testing.T) {
	// Mirrors the anat-template flow: group images per subject, join the
	// group with a per-subject target, then map.
	e := New(Options{Workers: 4, Partitions: 3})

	images := e.Parallelize("images", []Pair{
		{Key: "sub-01", Value: "a.nii"},
		{Key: "sub-01", Value: "b.nii"},
		{Key: "sub-02", Value: "c.nii"},
	})

	grouped := images.GroupByKey()
	targets := grouped.Map("targets", func(ctx context.Context, p Pair) (Pair, error) {
		return Pair{Key: p.Key, Value: len(p.Value.([]any))}, nil
	})

	joined := grouped.Join(targets)
	result, err := joined.Map("summarize", func(ctx context.Context, p Pair) (Pair, error) {
		j := p.Value.(Joined)
		return Pair{Key: p.Key, Value: fmt.Sprintf("%d/%d", len(j.Left.([]any)), j.Right.(int))}, nil
	}).Collect(context.Background())

	require.NoError(t, err)
	byKey := make(map[string]any)
	for _, p := range result {
		byKey[p.Key] = p.Value
	}
	assert.Equal(t, "2/2", byKey["sub-01"])
	assert.Equal(t, "1/1", byKey["sub-02"])
}
