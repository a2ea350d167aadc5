package app

import (
	"time"

	"github.com/voxelflow/voxelflow/internal/bench"
	"github.com/voxelflow/voxelflow/internal/events"
)

// multiObserver fans engine telemetry out to the run's attached sinks. Every
// sink tolerates being nil, so disabled features cost one check per event.
type multiObserver struct {
	recorder *bench.Recorder
	notifier *events.Notifier
	status   *statusServer
}

func (o *multiObserver) TaskDone(stage string, partition int, start, end time.Time) {
	o.recorder.TaskDone(stage, partition, start, end)
	o.status.taskDone()
}

func (o *multiObserver) StageDone(stage string, err error, elapsed time.Duration) {
	o.recorder.StageDone(stage, err, elapsed)
	o.notifier.StageDone(stage, err, elapsed)
}
