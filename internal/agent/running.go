package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/ensemble/internal/observability"
	"github.com/haasonsaas/ensemble/pkg/models"
)

// DefaultTrackerGrace is how long a terminal entry stays queryable before
// removal. Agents often check on a promoted tool one or two rounds later.
const DefaultTrackerGrace = 5 * time.Minute

// runningTool is the tracker's internal record. done closes when the tool
// reaches a settled state (completed, failed, aborted). A timed_out entry
// keeps done open: the function is still executing in the background and its
// eventual result settles the entry.
type runningTool struct {
	info   models.RunningToolInfo
	cancel context.CancelFunc
	done   chan struct{}
}

// RunningToolTracker tracks in-flight tool executions so status tools and
// background-promoted calls can be observed and awaited.
type RunningToolTracker struct {
	mu     sync.Mutex
	tools  map[string]*runningTool
	grace  time.Duration
	logger *observability.Logger
	now    func() time.Time
}

// NewRunningToolTracker creates a tracker. A zero grace applies the default.
func NewRunningToolTracker(grace time.Duration, logger *observability.Logger) *RunningToolTracker {
	if grace <= 0 {
		grace = DefaultTrackerGrace
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RunningToolTracker{
		tools:  make(map[string]*runningTool),
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

// Add registers a dispatched tool execution. The cancel function is invoked
// on Abort. Reusing a live id is a programming error.
func (t *RunningToolTracker) Add(id, name, agentID string, args map[string]any, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tools[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRunningTool, id)
	}
	t.tools[id] = &runningTool{
		info: models.RunningToolInfo{
			ID:        id,
			Name:      name,
			AgentID:   agentID,
			Args:      args,
			StartTime: t.now(),
			Status:    models.RunningToolRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	return nil
}

// Complete records a successful result. No-op once the entry has settled;
// a timed_out entry settles here when the backgrounded function finishes.
func (t *RunningToolTracker) Complete(id, output string) {
	t.settle(id, models.RunningToolCompleted, output, "")
}

// Fail records a failed result.
func (t *RunningToolTracker) Fail(id string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.settle(id, models.RunningToolFailed, "", msg)
}

// MarkTimedOut flags the entry as timed out without settling it. The
// underlying function keeps executing; its eventual Complete or Fail is
// still recorded and released to waiters.
func (t *RunningToolTracker) MarkTimedOut(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.tools[id]
	if !ok || rt.info.Status != models.RunningToolRunning {
		return
	}
	rt.info.Status = models.RunningToolTimedOut
}

// Abort cancels the execution and settles the entry as aborted.
func (t *RunningToolTracker) Abort(id string) {
	t.mu.Lock()
	rt, ok := t.tools[id]
	var cancel context.CancelFunc
	if ok && !settled(rt.info.Status) {
		cancel = rt.cancel
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.settle(id, models.RunningToolAborted, "", "aborted")
}

// AbortAgent aborts every live execution belonging to the agent.
func (t *RunningToolTracker) AbortAgent(agentID string) {
	t.mu.Lock()
	var ids []string
	for id, rt := range t.tools {
		if rt.info.AgentID == agentID && !settled(rt.info.Status) {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Abort(id)
	}
}

// settle records a terminal outcome exactly once and schedules removal
// after the grace period.
func (t *RunningToolTracker) settle(id string, status models.RunningToolStatus, result, errMsg string) {
	t.mu.Lock()
	rt, ok := t.tools[id]
	if !ok || settled(rt.info.Status) {
		t.mu.Unlock()
		return
	}
	rt.info.Status = status
	rt.info.Result = result
	rt.info.Error = errMsg
	close(rt.done)
	t.mu.Unlock()

	time.AfterFunc(t.grace, func() { t.remove(id) })
}

// settled reports whether the status releases waiters. timed_out does not:
// the function is still running.
func settled(s models.RunningToolStatus) bool {
	switch s {
	case models.RunningToolCompleted, models.RunningToolFailed, models.RunningToolAborted:
		return true
	default:
		return false
	}
}

func (t *RunningToolTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tools, id)
}

// Get returns a snapshot of one tracked execution.
func (t *RunningToolTracker) Get(id string) (models.RunningToolInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.tools[id]
	if !ok {
		return models.RunningToolInfo{}, false
	}
	return rt.info, true
}

// List returns snapshots for the agent's tracked executions, oldest first.
// An empty agentID lists everything.
func (t *RunningToolTracker) List(agentID string) []models.RunningToolInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.RunningToolInfo
	for _, rt := range t.tools {
		if agentID == "" || rt.info.AgentID == agentID {
			out = append(out, rt.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// WaitFor blocks until the execution settles or the context is done.
// A timed_out entry keeps waiters suspended until the backgrounded function
// delivers its real outcome.
func (t *RunningToolTracker) WaitFor(ctx context.Context, id string) (models.RunningToolInfo, error) {
	t.mu.Lock()
	rt, ok := t.tools[id]
	t.mu.Unlock()
	if !ok {
		return models.RunningToolInfo{}, fmt.Errorf("running tool %s not tracked", id)
	}

	select {
	case <-rt.done:
	case <-ctx.Done():
		return models.RunningToolInfo{}, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return rt.info, nil
}
