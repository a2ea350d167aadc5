package events

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/voxelflow/voxelflow/internal/ctxlog"
)

// connectTimeout bounds how long Connect waits for the initial handshake.
const connectTimeout = 10 * time.Second

// Config holds the monitoring endpoint settings from the job file.
type Config struct {
	URL       string
	Namespace string
}

// Notifier is a connected socket.io client emitting run progress events.
type Notifier struct {
	io        *socket.Socket
	runID     string
	connected atomic.Bool
}

// Connect dials the monitoring endpoint and waits for the handshake. The
// returned notifier tags every event with runID.
func Connect(ctx context.Context, cfg Config, runID string) (*Notifier, error) {
	logger := ctxlog.FromContext(ctx).With("url", cfg.URL, "namespace", cfg.Namespace)
	logger.Debug("Connecting event notifier.")

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing events URL: %w", err)
	}

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" {
		opts.SetPath(parsedURL.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	n := &Notifier{io: io, runID: runID}

	done := make(chan error, 1)
	io.On(types.EventName("connect"), func(...any) {
		n.connected.Store(true)
		logger.Info("📡 Event notifier connected", "sid", io.Id())
		select {
		case done <- nil:
		default:
		}
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		select {
		case done <- err:
		default:
		}
	})

	io.Connect()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	select {
	case err := <-done:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("connecting event notifier: %w", err)
		}
	case <-connectCtx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("event notifier handshake timed out after %s", connectTimeout)
	}

	return n, nil
}

// emit sends one event with the run ID merged into the payload.
func (n *Notifier) emit(event string, payload map[string]any) {
	if n == nil || !n.connected.Load() {
		return
	}
	payload["run_id"] = n.runID
	payload["at"] = time.Now().UTC().Format(time.RFC3339Nano)
	n.io.Emit(event, payload)
}

// RunStarted announces the start of a job run.
func (n *Notifier) RunStarted(job string) {
	n.emit("run_started", map[string]any{"job": job})
}

// RunFinished announces the end of a job run.
func (n *Notifier) RunFinished(runErr error) {
	payload := map[string]any{"status": "succeeded"}
	if runErr != nil {
		payload["status"] = "failed"
		payload["error"] = runErr.Error()
	}
	n.emit("run_finished", payload)
}

// PipelineStarted announces that a configured pipeline began executing.
func (n *Notifier) PipelineStarted(kind, name string) {
	n.emit("pipeline_started", map[string]any{"kind": kind, "name": name})
}

// PipelineFinished announces that a configured pipeline completed.
func (n *Notifier) PipelineFinished(kind, name string, pipelineErr error, elapsed time.Duration) {
	payload := map[string]any{
		"kind":       kind,
		"name":       name,
		"status":     "succeeded",
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if pipelineErr != nil {
		payload["status"] = "failed"
		payload["error"] = pipelineErr.Error()
	}
	n.emit("pipeline_finished", payload)
}

// StageDone streams per-stage completion. Together with a task recorder it
// satisfies the engine Observer contract when composed by the app layer.
func (n *Notifier) StageDone(stage string, stageErr error, elapsed time.Duration) {
	payload := map[string]any{
		"stage":      stage,
		"status":     "succeeded",
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if stageErr != nil {
		payload["status"] = "failed"
		payload["error"] = stageErr.Error()
	}
	n.emit("stage_finished", payload)
}

// Close disconnects the underlying socket.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.connected.Store(false)
	n.io.Disconnect()
}
