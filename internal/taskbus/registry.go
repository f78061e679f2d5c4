// SPDX-License-Identifier: MIT

package taskbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deepdoc-ai/deepdoc/internal/log"
	"github.com/deepdoc-ai/deepdoc/internal/metrics"
)

// Defaults for the registry. The event ring must be large enough that a
// client reconnecting within a few seconds never misses an event.
const (
	DefaultRingSize  = 256
	DefaultLogLines  = 200
	DefaultSubBuffer = 64
	DefaultRetention = 24 * time.Hour

	// cancelWait bounds how long Cancel waits for a running workflow to
	// acknowledge before force-transitioning the task.
	cancelWait = 5 * time.Second
)

var (
	// ErrNotFound is returned when the task id is unknown (possibly evicted).
	ErrNotFound = errors.New("task not found")
	// ErrTerminal is returned when an update is attempted on a finished task.
	ErrTerminal = errors.New("task already terminal")
)

// Options tunes a Registry. Zero values select the defaults above.
type Options struct {
	RingSize  int
	LogLines  int
	SubBuffer int
	Retention time.Duration
	Clock     func() time.Time
}

// Registry owns all task state. All mutation goes through its methods; the
// per-task lock covers both the state transition and the event publication
// so subscribers observe events in causal order.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*taskState

	ringSize  int
	logLines  int
	subBuf    int
	retention time.Duration
	now       func() time.Time
}

type taskState struct {
	mu      sync.Mutex
	task    Task
	nextSeq int64
	ring    []Event
	subs    map[*Subscription]struct{}
	cancel  context.CancelFunc
	done    chan struct{} // closed when the task reaches a terminal state
}

// Subscription is one live consumer of a task's event stream. Events
// arrives on C; the channel is closed after the terminal event or after a
// backpressure drop.
type Subscription struct {
	C  <-chan Event
	ch chan Event
	ts *taskState
}

// Close detaches the subscription. Safe to call more than once and safe
// against a concurrent backpressure drop or terminal close: the channel is
// only closed by whoever removes the subscription from the set.
func (s *Subscription) Close() {
	s.ts.mu.Lock()
	if _, ok := s.ts.subs[s]; ok {
		delete(s.ts.subs, s)
		close(s.ch)
	}
	s.ts.mu.Unlock()
}

// NewRegistry creates an empty task registry.
func NewRegistry(opts Options) *Registry {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.LogLines <= 0 {
		opts.LogLines = DefaultLogLines
	}
	if opts.SubBuffer <= 0 {
		opts.SubBuffer = DefaultSubBuffer
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		tasks:     make(map[string]*taskState),
		ringSize:  opts.RingSize,
		logLines:  opts.LogLines,
		subBuf:    opts.SubBuffer,
		retention: opts.Retention,
		now:       opts.Clock,
	}
}

// CreateTask registers a new task in status queued and returns its id.
func (r *Registry) CreateTask(taskType TaskType, payload Payload, prio Priority) (string, error) {
	if !taskType.Valid() {
		return "", fmt.Errorf("invalid task type %q", taskType)
	}
	if !prio.Valid() {
		return "", fmt.Errorf("invalid priority %d", prio)
	}
	id := uuid.New().String()
	ts := &taskState{
		task: Task{
			ID:        id,
			Type:      taskType,
			Priority:  prio,
			Status:    StatusQueued,
			CreatedAt: r.now(),
			Payload:   payload,
		},
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.tasks[id] = ts
	r.mu.Unlock()

	logger := log.WithComponent("taskbus")
	logger.Info().
		Str(log.FieldTaskID, id).
		Str(log.FieldTaskType, string(taskType)).
		Str(log.FieldPriority, prio.String()).
		Msg("task created")
	return id, nil
}

func (r *Registry) state(taskID string) (*taskState, error) {
	r.mu.RLock()
	ts, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return ts, nil
}

// publishLocked appends an event to the ring and fans it out. Caller holds
// ts.mu.
func (r *Registry) publishLocked(ts *taskState, typ EventType, payload interface{}) Event {
	ts.nextSeq++
	ev := Event{
		Seq:     ts.nextSeq,
		TaskID:  ts.task.ID,
		Type:    typ,
		Payload: payload,
		At:      r.now(),
	}
	ts.ring = append(ts.ring, ev)
	if len(ts.ring) > r.ringSize {
		ts.ring = ts.ring[len(ts.ring)-r.ringSize:]
	}
	metrics.BusEventsTotal.WithLabelValues(string(typ)).Inc()

	for sub := range ts.subs {
		// One slot of the channel is reserved for the drop notification,
		// so a full subscriber can still be told why it was disconnected.
		if len(sub.ch) >= r.subBuf {
			delete(ts.subs, sub)
			sub.ch <- Event{
				Seq:    ev.Seq,
				TaskID: ts.task.ID,
				Type:   EventDropped,
				At:     ev.At,
			}
			close(sub.ch)
			metrics.BusSubscriberDrops.Inc()
			logger := log.WithComponent("taskbus")
			logger.Warn().
				Str(log.FieldTaskID, ts.task.ID).
				Msg("subscriber dropped due to backpressure")
			continue
		}
		sub.ch <- ev
	}
	return ev
}

// closeSubsLocked disconnects every subscriber after a terminal event.
func (ts *taskState) closeSubsLocked() {
	for sub := range ts.subs {
		delete(ts.subs, sub)
		close(sub.ch)
	}
}

// UpdateStatus transitions the task along a valid state-machine edge and
// stamps started_at/completed_at as appropriate.
func (r *Registry) UpdateStatus(taskID string, to Status) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return r.transitionLocked(ts, to)
}

func (r *Registry) transitionLocked(ts *taskState, to Status) error {
	from := ts.task.Status
	if !validTransition(from, to) {
		return fmt.Errorf("invalid transition %s -> %s for task %s", from, to, ts.task.ID)
	}
	ts.task.Status = to
	now := r.now()
	switch {
	case to == StatusRunning:
		ts.task.StartedAt = &now
	case to.Terminal():
		ts.task.CompletedAt = &now
	}
	logger := log.WithComponent("taskbus")
	logger.Debug().
		Str(log.FieldTaskID, ts.task.ID).
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Msg("task transition")
	return nil
}

// UpdateProgress publishes a progress event. Regressions are ignored so
// the published sequence is non-decreasing.
func (r *Registry) UpdateProgress(taskID string, pct int) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.task.Status.Terminal() {
		return ErrTerminal
	}
	if pct < ts.task.ProgressPct {
		return nil
	}
	ts.task.ProgressPct = pct
	r.publishLocked(ts, EventProgress, ProgressPayload{Pct: pct})
	return nil
}

// AppendLog records a log line in the bounded task log and publishes it.
func (r *Registry) AppendLog(taskID, line string) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.task.Status.Terminal() {
		return ErrTerminal
	}
	ts.task.Logs = append(ts.task.Logs, line)
	if len(ts.task.Logs) > r.logLines {
		ts.task.Logs = ts.task.Logs[len(ts.task.Logs)-r.logLines:]
	}
	r.publishLocked(ts, EventLog, LogPayload{Line: line})
	return nil
}

// SetResult marks the task succeeded and publishes the terminal result
// event. The subscription streams end here.
func (r *Registry) SetResult(taskID string, ref ResultRef) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := r.transitionLocked(ts, StatusSucceeded); err != nil {
		return err
	}
	ts.task.Result = &ref
	r.publishLocked(ts, EventResult, ref)
	ts.closeSubsLocked()
	close(ts.done)
	return nil
}

// SetError marks the task terminal with the status implied by the error
// kind and publishes the terminal error event.
func (r *Registry) SetError(taskID string, info ErrorInfo) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	to := StatusFailed
	switch info.Kind {
	case "workflow_cancelled":
		to = StatusCancelled
	case "workflow_timeout":
		to = StatusTimeout
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.task.Status.Terminal() {
		return ErrTerminal
	}
	if err := r.transitionLocked(ts, to); err != nil {
		return err
	}
	ts.task.Error = &info
	r.publishLocked(ts, EventError, info)
	ts.closeSubsLocked()
	close(ts.done)
	return nil
}

// BindCancel registers the cancellation hook of the running workflow.
func (r *Registry) BindCancel(taskID string, cancel context.CancelFunc) error {
	ts, err := r.state(taskID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.cancel = cancel
	ts.mu.Unlock()
	return nil
}

// Cancel requests cancellation. A queued task transitions immediately; a
// running one is signalled and given cancelWait to acknowledge before the
// registry force-transitions it. Returns false when the task is already
// terminal.
func (r *Registry) Cancel(taskID string) (bool, error) {
	ts, err := r.state(taskID)
	if err != nil {
		return false, err
	}
	ts.mu.Lock()
	switch {
	case ts.task.Status.Terminal():
		ts.mu.Unlock()
		return false, nil
	case ts.task.Status == StatusQueued:
		_ = r.transitionLocked(ts, StatusCancelled)
		ts.task.Error = &ErrorInfo{Kind: "workflow_cancelled", Message: "cancelled while queued"}
		r.publishLocked(ts, EventError, *ts.task.Error)
		ts.closeSubsLocked()
		close(ts.done)
		ts.mu.Unlock()
		return true, nil
	}
	cancel := ts.cancel
	done := ts.done
	ts.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(cancelWait):
		// The workflow did not acknowledge in time; force the transition.
		_ = r.SetError(taskID, ErrorInfo{
			Kind:    "workflow_cancelled",
			Message: "cancelled without workflow acknowledgement",
		})
	}
	return true, nil
}

// Subscribe attaches a new consumer. The returned slice replays every
// retained event with Seq > sinceSeq; the subscription then delivers live
// events. For a task that is already terminal the replay carries the
// terminal event and the live channel is closed immediately.
func (r *Registry) Subscribe(taskID string, sinceSeq int64) ([]Event, *Subscription, error) {
	ts, err := r.state(taskID)
	if err != nil {
		return nil, nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var replay []Event
	for _, ev := range ts.ring {
		if ev.Seq > sinceSeq {
			replay = append(replay, ev)
		}
	}

	ch := make(chan Event, r.subBuf+1)
	sub := &Subscription{C: ch, ch: ch, ts: ts}
	if ts.task.Status.Terminal() {
		close(ch)
		return replay, sub, nil
	}
	ts.subs[sub] = struct{}{}
	return replay, sub, nil
}

// GetSnapshot returns a copy of the task for polling clients.
func (r *Registry) GetSnapshot(taskID string) (Task, error) {
	ts, err := r.state(taskID)
	if err != nil {
		return Task{}, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return cloneTask(ts.task), nil
}

// List returns snapshots of every retained task, newest first.
func (r *Registry) List() []Task {
	r.mu.RLock()
	states := make([]*taskState, 0, len(r.tasks))
	for _, ts := range r.tasks {
		states = append(states, ts)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(states))
	for _, ts := range states {
		ts.mu.Lock()
		out = append(out, cloneTask(ts.task))
		ts.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func cloneTask(t Task) Task {
	c := t
	c.Logs = append([]string(nil), t.Logs...)
	if t.Result != nil {
		ref := *t.Result
		c.Result = &ref
	}
	if t.Error != nil {
		info := *t.Error
		c.Error = &info
	}
	return c
}

// Prune evicts terminal tasks whose completion is older than the retention
// window. Returns the number of evicted tasks.
func (r *Registry) Prune() int {
	cutoff := r.now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, ts := range r.tasks {
		ts.mu.Lock()
		old := ts.task.Status.Terminal() && ts.task.CompletedAt != nil && ts.task.CompletedAt.Before(cutoff)
		ts.mu.Unlock()
		if old {
			delete(r.tasks, id)
			evicted++
		}
	}
	if evicted > 0 {
		logger := log.WithComponent("taskbus")
		logger.Info().Int("evicted", evicted).Msg("task registry pruned")
	}
	return evicted
}

// RunJanitor prunes on a fixed cadence until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}
