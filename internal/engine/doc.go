// Package engine implements a lazy, partitioned, keyed dataset abstraction
// executed by a bounded worker pool.
//
// A Dataset is an immutable lineage node: transformations (Map, FlatMap,
// Filter, Join, GroupByKey, Union) build a DAG without doing any work, and
// an action (Collect, Count) materializes it. Narrow transformations run
// partition-by-partition against their parent; wide transformations
// (Join, GroupByKey) redistribute pairs across partitions by key hash.
//
// Scheduling is two-level: the lineage DAG is drained by a worker pool with
// atomic dependency counters and fail-fast cancellation, and within each
// dataset the partitions are computed concurrently under an errgroup bounded
// by the same worker budget.
//
// Materialized partitions of intermediate datasets are released after each
// action; call Cache to keep a dataset's partitions alive for reuse across
// actions in the same session.
package engine
