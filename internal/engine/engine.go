package engine

import (
	"fmt"
	"sync"
	"time"
)

// Pair is a single keyed element of a Dataset.
type Pair struct {
	Key   string
	Value any
}

// Joined is the value produced by Join for each matching key pairing.
type Joined struct {
	Left  any
	Right any
}

// Observer receives execution telemetry from the engine. Implementations
// must be safe for concurrent use.
type Observer interface {
	// TaskDone is called once per executed (stage, partition).
	TaskDone(stage string, partition int, start, end time.Time)
	// StageDone is called once per dataset after all of its partitions
	// completed or failed.
	StageDone(stage string, err error, elapsed time.Duration)
}

// Options configures a new Engine session.
type Options struct {
	// Workers bounds both the number of concurrently executing datasets and
	// the number of concurrently computed partitions. Defaults to 4.
	Workers int
	// Partitions is the default partition count for sources and shuffles.
	// Defaults to Workers.
	Partitions int
	// Observer, when non-nil, receives task and stage telemetry.
	Observer Observer
}

// Engine is a single execution session. It hands out Datasets and owns the
// worker budget they are evaluated under.
type Engine struct {
	workers    int
	partitions int
	observer   Observer

	mu  sync.Mutex
	seq int
}

// New creates an engine session from the given options.
func New(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	partitions := opts.Partitions
	if partitions <= 0 {
		partitions = workers
	}
	return &Engine{
		workers:    workers,
		partitions: partitions,
		observer:   opts.Observer,
	}
}

// Workers returns the session's worker budget.
func (e *Engine) Workers() int { return e.workers }

// Partitions returns the session's default partition count.
func (e *Engine) Partitions() int { return e.partitions }

// nextID assigns a unique dataset ID within the session.
func (e *Engine) nextID(kind opKind, name string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if name == "" {
		return fmt.Sprintf("%s.%d", kind, e.seq)
	}
	return fmt.Sprintf("%s.%s.%d", kind, name, e.seq)
}

// Parallelize creates a source dataset from pairs, split into the session's
// default partition count using contiguous chunks (the last partition may be
// short). An empty input produces a dataset with a single empty partition.
func (e *Engine) Parallelize(name string, pairs []Pair) *Dataset {
	n := e.partitions
	if n > len(pairs) {
		n = len(pairs)
	}
	if n < 1 {
		n = 1
	}

	perPart := (len(pairs) + n - 1) / n
	out := make([][]Pair, 0, n)
	for start := 0; start < len(pairs); start += perPart {
		end := start + perPart
		if end > len(pairs) {
			end = len(pairs)
		}
		out = append(out, pairs[start:end:end])
	}
	if len(out) == 0 {
		out = [][]Pair{{}}
	}

	d := e.newDataset(opSource, name, nil)
	d.out = out
	d.materialized = true
	d.cache = true // Sources are cheap; never release and re-split them.
	return d
}

// taskDone reports one executed partition to the observer, if any.
func (e *Engine) taskDone(stage string, partition int, start, end time.Time) {
	if e.observer != nil {
		e.observer.TaskDone(stage, partition, start, end)
	}
}

// stageDone reports one completed dataset to the observer, if any.
func (e *Engine) stageDone(stage string, err error, elapsed time.Duration) {
	if e.observer != nil {
		e.observer.StageDone(stage, err, elapsed)
	}
}
