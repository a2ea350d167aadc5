package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
)

// compute materializes the dataset's partitions. All parents are guaranteed
// to be materialized by the scheduler before compute is called.
func (d *Dataset) compute(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("stage", d.Stage(), "dataset", d.id)
	logger.Debug("Computing dataset.")
	start := time.Now()

	var err error
	switch d.kind {
	case opSource:
		// Sources are materialized at construction time.
	case opMap, opFlatMap, opFilter:
		err = d.computeNarrow(ctx)
	case opUnion:
		err = d.computeUnion()
	case opJoin, opGroupByKey:
		err = d.computeShuffle(ctx)
	default:
		err = fmt.Errorf("unknown dataset kind %q", d.kind)
	}

	d.eng.stageDone(d.Stage(), err, time.Since(start))
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.materialized = true
	partitions := len(d.out)
	d.mu.Unlock()

	logger.Debug("Dataset materialized.", "partitions", partitions, "elapsed", time.Since(start))
	return nil
}

// computeNarrow evaluates map, flatMap and filter: partition i of the output
// comes from partition i of the parent, with partitions computed
// concurrently under the session's worker budget.
func (d *Dataset) computeNarrow(ctx context.Context) error {
	parent := d.parents[0]
	parent.mu.Lock()
	in := parent.out
	parent.mu.Unlock()

	out := make([][]Pair, len(in))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.eng.workers)
	for p := range in {
		g.Go(func() error {
			start := time.Now()
			res, err := d.computePartition(gctx, in[p], p)
			d.eng.taskDone(d.Stage(), p, start, time.Now())
			if err != nil {
				return err
			}
			out[p] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
	return nil
}

// computePartition applies the narrow transformation to one partition.
func (d *Dataset) computePartition(ctx context.Context, in []Pair, partition int) ([]Pair, error) {
	var out []Pair
	for _, pair := range in {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch d.kind {
		case opMap:
			res, err := d.mapFn(ctx, pair)
			if err != nil {
				return nil, fmt.Errorf("stage %s partition %d key %q: %w", d.Stage(), partition, pair.Key, err)
			}
			out = append(out, res)
		case opFlatMap:
			res, err := d.flatFn(ctx, pair)
			if err != nil {
				return nil, fmt.Errorf("stage %s partition %d key %q: %w", d.Stage(), partition, pair.Key, err)
			}
			out = append(out, res...)
		case opFilter:
			keep, err := d.filterFn(ctx, pair)
			if err != nil {
				return nil, fmt.Errorf("stage %s partition %d key %q: %w", d.Stage(), partition, pair.Key, err)
			}
			if keep {
				out = append(out, pair)
			}
		}
	}
	return out, nil
}

// computeUnion concatenates the parents' partitions in argument order.
func (d *Dataset) computeUnion() error {
	var out [][]Pair
	for _, parent := range d.parents {
		parent.mu.Lock()
		out = append(out, parent.out...)
		parent.mu.Unlock()
	}

	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
	return nil
}

// computeShuffle evaluates the wide transformations. Every output partition
// scans the parents' partitions in deterministic order and keeps only the
// keys that hash to it, so the result is stable regardless of scheduling.
func (d *Dataset) computeShuffle(ctx context.Context) error {
	n := d.eng.partitions
	out := make([][]Pair, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.eng.workers)
	for p := 0; p < n; p++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			var res []Pair
			switch d.kind {
			case opGroupByKey:
				res = d.groupPartition(p, n)
			case opJoin:
				res = d.joinPartition(p, n)
			}
			d.eng.taskDone(d.Stage(), p, start, time.Now())
			out[p] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
	return nil
}

// groupPartition builds the GroupByKey output for one shuffle partition.
func (d *Dataset) groupPartition(p, n int) []Pair {
	keys, values := gatherKeyed(d.parents[0], p, n)

	out := make([]Pair, 0, len(keys))
	for _, k := range keys {
		out = append(out, Pair{Key: k, Value: values[k]})
	}
	return out
}

// joinPartition builds the inner-join output for one shuffle partition.
func (d *Dataset) joinPartition(p, n int) []Pair {
	leftKeys, left := gatherKeyed(d.parents[0], p, n)
	_, right := gatherKeyed(d.parents[1], p, n)

	var out []Pair
	for _, k := range leftKeys {
		rvs, ok := right[k]
		if !ok {
			continue
		}
		for _, lv := range left[k] {
			for _, rv := range rvs {
				out = append(out, Pair{Key: k, Value: Joined{Left: lv, Right: rv}})
			}
		}
	}
	return out
}

// gatherKeyed collects, in first-seen order, the keys of parent that hash to
// shuffle partition p of n, along with their values.
func gatherKeyed(parent *Dataset, p, n int) ([]string, map[string][]any) {
	parent.mu.Lock()
	in := parent.out
	parent.mu.Unlock()

	var keys []string
	values := make(map[string][]any)
	for _, part := range in {
		for _, pair := range part {
			if partitionFor(pair.Key, n) != p {
				continue
			}
			if _, seen := values[pair.Key]; !seen {
				keys = append(keys, pair.Key)
			}
			values[pair.Key] = append(values[pair.Key], pair.Value)
		}
	}
	return keys, values
}

// partitionFor maps a key to its shuffle partition.
func partitionFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
