package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
)

// nodeState tracks a lineage node's progress through the scheduler.
type nodeState int32

const (
	statePending nodeState = iota
	stateRunning
	stateDone
	stateFailed
)

// runNode wraps a dataset for one evaluation pass.
type runNode struct {
	ds         *Dataset
	deps       []*runNode
	dependents []*runNode
	depCount   atomic.Int32
	state      atomic.Int32
	err        error
	skipOnce   sync.Once
}

// evaluate materializes target and everything it transitively depends on.
// The lineage subgraph is drained by a worker pool: nodes become ready when
// their dependency counter hits zero, any failure cancels the run and marks
// all downstream nodes as skipped. Intermediate, non-cached datasets are
// released once the pass completes.
func (e *Engine) evaluate(ctx context.Context, target *Dataset) error {
	logger := ctxlog.FromContext(ctx)

	nodes := collectLineage(target)
	if len(nodes) == 0 {
		return nil // Everything already materialized.
	}
	defer releaseIntermediates(nodes, target)

	readyChan := make(chan *runNode, len(nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rootCount := 0
	for _, n := range nodes {
		if n.depCount.Load() == 0 {
			readyChan <- n
			rootCount++
		}
	}
	logger.Debug("Scheduler initialized.", "nodes", len(nodes), "roots", rootCount, "workers", e.workers)

	var wg sync.WaitGroup
	wg.Add(len(nodes))

	for i := 0; i < e.workers; i++ {
		go e.schedulerWorker(runCtx, readyChan, cancel, &wg, i)
	}

	wg.Wait()
	close(readyChan)

	var failedStages []string
	var rootCauseError error
	for _, n := range nodes {
		if nodeState(n.state.Load()) != stateFailed {
			continue
		}
		// A "skipped" error is a symptom, not a cause.
		if n.err != nil && !strings.HasPrefix(n.err.Error(), "skipped") && !errors.Is(n.err, context.Canceled) {
			failedStages = append(failedStages, n.ds.Stage())
			if rootCauseError == nil {
				rootCauseError = n.err
			}
		}
	}

	if rootCauseError != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failedStages, ", "), rootCauseError)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// schedulerWorker is the core processing loop for a single concurrent worker.
func (e *Engine) schedulerWorker(ctx context.Context, readyChan chan *runNode, cancel context.CancelFunc, wg *sync.WaitGroup, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Scheduler worker started.", "workerID", workerID)

	for n := range readyChan {
		workerLogger := logger.With("workerID", workerID, "dataset", n.ds.id)

		if ctx.Err() != nil {
			n.skipOnce.Do(func() {
				workerLogger.Warn("Context canceled, skipping dataset.")
				n.state.Store(int32(stateFailed))
				n.err = ctx.Err()
				wg.Done()
			})
			// Cascade so dependents that will never become ready still get
			// accounted for; skipOnce keeps this idempotent.
			skipDependents(ctx, n, wg)
			continue
		}

		workerLogger.Debug("Worker picked up dataset.")
		n.state.Store(int32(stateRunning))

		if err := n.ds.compute(ctx); err != nil {
			workerLogger.Error("Dataset computation failed.", "error", err)
			n.state.Store(int32(stateFailed))
			n.err = err
			cancel()
			skipDependents(ctx, n, wg)
			wg.Done()
			continue
		}

		workerLogger.Debug("Dataset computation succeeded.")
		n.state.Store(int32(stateDone))

		for _, dependent := range n.dependents {
			if dependent.depCount.Add(-1) == 0 {
				workerLogger.Debug("Unlocking dependent dataset.", "dependent", dependent.ds.id)
				readyChan <- dependent
			}
		}

		wg.Done()
	}
	logger.Debug("Scheduler worker finished.", "workerID", workerID)
}

// skipDependents recursively marks all downstream nodes as failed.
func skipDependents(ctx context.Context, n *runNode, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range n.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping dataset due to upstream failure.", "dataset", dependent.ds.id, "dependency", n.ds.id)
			dependent.state.Store(int32(stateFailed))
			dependent.err = fmt.Errorf("skipped due to upstream failure of '%s'", n.ds.Stage())
			wg.Done()
			skipDependents(ctx, dependent, wg)
		})
	}
}

// collectLineage walks the lineage DAG from target and wraps every dataset
// that still needs computing in a runNode with initialized counters.
// Materialized (cached) datasets terminate the walk.
func collectLineage(target *Dataset) []*runNode {
	byDataset := make(map[*Dataset]*runNode)
	var order []*runNode

	var visit func(d *Dataset) *runNode
	visit = func(d *Dataset) *runNode {
		if n, ok := byDataset[d]; ok {
			return n
		}
		if d.isMaterialized() {
			return nil
		}
		n := &runNode{ds: d}
		byDataset[d] = n
		for _, parent := range d.parents {
			if pn := visit(parent); pn != nil {
				n.deps = append(n.deps, pn)
				pn.dependents = append(pn.dependents, n)
			}
		}
		n.depCount.Store(int32(len(n.deps)))
		order = append(order, n)
		return n
	}

	visit(target)
	return order
}

// releaseIntermediates drops the partitions of every freshly-computed node
// except the action's target and anything explicitly cached.
func releaseIntermediates(nodes []*runNode, target *Dataset) {
	for _, n := range nodes {
		if n.ds == target {
			continue
		}
		n.ds.releaseUnlessCached()
	}
}
