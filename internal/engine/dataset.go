package engine

import (
	"context"
	"sync"
)

// opKind identifies the transformation a dataset applies to its parents.
type opKind string

const (
	opSource     opKind = "source"
	opMap        opKind = "map"
	opFlatMap    opKind = "flatmap"
	opFilter     opKind = "filter"
	opUnion      opKind = "union"
	opJoin       opKind = "join"
	opGroupByKey opKind = "group_by_key"
)

// MapFunc transforms one pair into another.
type MapFunc func(ctx context.Context, p Pair) (Pair, error)

// FlatMapFunc transforms one pair into zero or more pairs.
type FlatMapFunc func(ctx context.Context, p Pair) ([]Pair, error)

// FilterFunc decides whether a pair is kept.
type FilterFunc func(ctx context.Context, p Pair) (bool, error)

// Dataset is one node of the lineage DAG. Datasets are immutable once
// created; all mutation below is evaluation state guarded by mu.
type Dataset struct {
	eng     *Engine
	id      string
	kind    opKind
	name    string
	parents []*Dataset

	mapFn    MapFunc
	flatFn   FlatMapFunc
	filterFn FilterFunc

	cache bool

	mu           sync.Mutex
	materialized bool
	out          [][]Pair
}

func (e *Engine) newDataset(kind opKind, name string, parents []*Dataset) *Dataset {
	return &Dataset{
		eng:     e,
		id:      e.nextID(kind, name),
		kind:    kind,
		name:    name,
		parents: parents,
	}
}

// ID returns the dataset's unique ID within its session.
func (d *Dataset) ID() string { return d.id }

// Stage returns the human-readable stage label used in logs and telemetry.
func (d *Dataset) Stage() string {
	if d.name != "" {
		return d.name
	}
	return d.id
}

// Map applies fn to every pair. The stage name labels logs, benchmarks and
// progress events.
func (d *Dataset) Map(name string, fn MapFunc) *Dataset {
	nd := d.eng.newDataset(opMap, name, []*Dataset{d})
	nd.mapFn = fn
	return nd
}

// FlatMap applies fn to every pair and concatenates the results.
func (d *Dataset) FlatMap(name string, fn FlatMapFunc) *Dataset {
	nd := d.eng.newDataset(opFlatMap, name, []*Dataset{d})
	nd.flatFn = fn
	return nd
}

// Filter keeps only the pairs fn accepts.
func (d *Dataset) Filter(name string, fn FilterFunc) *Dataset {
	nd := d.eng.newDataset(opFilter, name, []*Dataset{d})
	nd.filterFn = fn
	return nd
}

// Union concatenates this dataset with others. Partitions are preserved in
// argument order.
func (d *Dataset) Union(others ...*Dataset) *Dataset {
	parents := append([]*Dataset{d}, others...)
	return d.eng.newDataset(opUnion, "", parents)
}

// Join inner-joins this dataset with other on key. Each matching pairing of
// a left value with a right value yields one Pair whose value is a Joined.
// Output is hash-partitioned by key.
func (d *Dataset) Join(other *Dataset) *Dataset {
	return d.eng.newDataset(opJoin, "", []*Dataset{d, other})
}

// GroupByKey gathers all values sharing a key into a single Pair whose value
// is a []any, ordered by the values' partition and position. Output is
// hash-partitioned by key.
func (d *Dataset) GroupByKey() *Dataset {
	return d.eng.newDataset(opGroupByKey, "", []*Dataset{d})
}

// Cache marks the dataset's materialized partitions to be retained across
// actions instead of being released and recomputed.
func (d *Dataset) Cache() *Dataset {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = true
	return d
}

// Collect materializes the dataset and returns all pairs, partition by
// partition in deterministic order.
func (d *Dataset) Collect(ctx context.Context) ([]Pair, error) {
	if err := d.eng.evaluate(ctx, d); err != nil {
		return nil, err
	}

	d.mu.Lock()
	var pairs []Pair
	for _, part := range d.out {
		pairs = append(pairs, part...)
	}
	d.mu.Unlock()

	d.releaseUnlessCached()
	return pairs, nil
}

// Count materializes the dataset and returns the number of pairs.
func (d *Dataset) Count(ctx context.Context) (int, error) {
	if err := d.eng.evaluate(ctx, d); err != nil {
		return 0, err
	}

	d.mu.Lock()
	n := 0
	for _, part := range d.out {
		n += len(part)
	}
	d.mu.Unlock()

	d.releaseUnlessCached()
	return n, nil
}

// releaseUnlessCached drops materialized partitions so large intermediate
// volumes do not outlive the action that needed them.
func (d *Dataset) releaseUnlessCached() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cache {
		d.out = nil
		d.materialized = false
	}
}

// isMaterialized reports whether the dataset currently holds its partitions.
func (d *Dataset) isMaterialized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.materialized
}
