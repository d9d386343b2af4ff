// Package router implements the task router: complexity scoring, the
// local-versus-cloud route decision, priority queueing with backpressure,
// urgent preemption and streaming dispatch.
package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/internal/observability"
	"github.com/relaylabs/relay/pkg/models"
)

// Chunk is one streamed element from an executor.
type Chunk struct {
	Token string
	Err   error
}

// Executor produces an ordered, finite token stream for a prompt. The
// stream must stop promptly when ctx is cancelled.
type Executor interface {
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// Memory is the slice of the memory engine the router depends on.
type Memory interface {
	AssembleContext(ctx context.Context, message string) (string, error)
	RecordTurn(ctx context.Context, channel models.ChannelType, channelID, userID string, role models.Role, content string) error
}

// Ack acknowledges a submission.
type Ack struct {
	ID string

	// QueuedPosition is the queue length after insertion, or 0 when the
	// task was dispatched immediately.
	QueuedPosition int
}

// Config assembles a Router.
type Config struct {
	// MaxDepth bounds the queue. Defaults to 50.
	MaxDepth int

	// Initial routing policy.
	RouterConfig models.RouterConfig

	Local   Executor
	Cloud   Executor
	Memory  Memory
	Bus     *events.Bus
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Router owns the queue and the single running-task slot. All mutation of
// both happens on the scheduling loop goroutine; external callers talk to
// it over channels.
type Router struct {
	cfg      atomic.Pointer[models.RouterConfig]
	maxDepth int

	statusMu   sync.RWMutex
	execStatus models.ExecutorStatus

	local   Executor
	cloud   Executor
	memory  Memory
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *slog.Logger

	submitCh chan submitReq
	cancelCh chan cancelReq
	clearCh  chan chan int
	statusCh chan chan models.QueueSnapshot
	doneCh   chan runResult

	stopOnce sync.Once
	stopped  chan struct{}
}

type submitReq struct {
	task  *models.Task
	reply chan submitReply
}

type submitReply struct {
	ack *Ack
	err error
}

type cancelReq struct {
	id    string
	reply chan CancelResult
}

type runResult struct {
	runID    string
	task     *models.Task
	response string
	err      error
}

type runState struct {
	runID           string
	task            *models.Task
	cancel          context.CancelFunc
	cancelRequested bool
}

// New creates a Router. Call Start to launch the scheduling loop.
func New(cfg Config) *Router {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		maxDepth: cfg.MaxDepth,
		local:    cfg.Local,
		cloud:    cfg.Cloud,
		memory:   cfg.Memory,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   logger.With("component", "router"),
		submitCh: make(chan submitReq),
		cancelCh: make(chan cancelReq),
		clearCh:  make(chan chan int),
		statusCh: make(chan chan models.QueueSnapshot),
		doneCh:   make(chan runResult),
		stopped:  make(chan struct{}),
	}
	rc := cfg.RouterConfig
	if rc.Mode == "" {
		rc = models.DefaultRouterConfig()
	}
	r.cfg.Store(&rc)
	return r
}

// Start launches the scheduling loop. It returns immediately; the loop
// runs until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	go r.loop(ctx)
	r.publish(models.TaskEvent{Type: models.EventReady})
}

// UpdateConfig atomically swaps the routing policy used by subsequent
// scoring and dispatch decisions.
func (r *Router) UpdateConfig(cfg models.RouterConfig) {
	r.cfg.Store(&cfg)
	r.logger.Info("router config updated",
		"mode", cfg.Mode, "threshold", cfg.Threshold, "privacy_mode", cfg.PrivacyMode)
}

// CurrentConfig returns the routing policy in force.
func (r *Router) CurrentConfig() models.RouterConfig {
	return *r.cfg.Load()
}

// SetExecutorStatus updates executor availability. Nil leaves a flag
// unchanged.
func (r *Router) SetExecutorStatus(localLoaded, cloudAvailable *bool) {
	r.statusMu.Lock()
	if localLoaded != nil {
		r.execStatus.LocalModelLoaded = *localLoaded
	}
	if cloudAvailable != nil {
		r.execStatus.CloudAvailable = *cloudAvailable
	}
	r.statusMu.Unlock()
}

// ExecutorStatus returns the current availability flags.
func (r *Router) ExecutorStatus() models.ExecutorStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.execStatus
}

// Submit scores and admits a task. The task is dispatched immediately
// when the running slot is free, otherwise enqueued by priority. Returns
// ErrQueueFull when the queue is at capacity with no background victim.
func (r *Router) Submit(ctx context.Context, task *models.Task) (*Ack, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.ArrivedAt.IsZero() {
		task.ArrivedAt = time.Now()
	}

	s := ScoreMessage(task.Message, r.CurrentConfig())
	task.Complexity = s.Complexity
	task.Realtime = s.Realtime
	task.Privacy = s.Privacy
	task.Priority = DerivePriority(s)
	task.State = models.TaskAdmitted

	if r.metrics != nil {
		r.metrics.TasksSubmitted.WithLabelValues(string(task.Channel)).Inc()
	}

	// Every user prompt is recorded; failures are non-fatal.
	if r.memory != nil {
		go func() {
			recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.memory.RecordTurn(recordCtx, task.Channel, task.ChannelID, task.UserID, models.RoleUser, task.Message); err != nil {
				r.logger.Warn("failed to record user turn", "task_id", task.ID, "error", err)
			}
		}()
	}

	req := submitReq{task: task, reply: make(chan submitReply, 1)}
	select {
	case r.submitCh <- req:
	case <-r.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.ack, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels a queued task, or signals cancellation to the running
// one.
func (r *Router) Cancel(ctx context.Context, id string) (CancelResult, error) {
	req := cancelReq{id: id, reply: make(chan CancelResult, 1)}
	select {
	case r.cancelCh <- req:
	case <-r.stopped:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ClearQueue drops every queued task, leaving the running one alone.
// Returns the number of dropped tasks.
func (r *Router) ClearQueue(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	select {
	case r.clearCh <- reply:
	case <-r.stopped:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns a point-in-time snapshot of the scheduler.
func (r *Router) Status(ctx context.Context) (models.QueueSnapshot, error) {
	reply := make(chan models.QueueSnapshot, 1)
	select {
	case r.statusCh <- reply:
	case <-r.stopped:
		return models.QueueSnapshot{}, ErrStopped
	case <-ctx.Done():
		return models.QueueSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return models.QueueSnapshot{}, ctx.Err()
	}
}

// loop is the scheduling loop: sole owner of the queue and the running
// slot.
func (r *Router) loop(ctx context.Context) {
	defer r.stopOnce.Do(func() { close(r.stopped) })

	queue := &taskQueue{}
	var current *runState
	abandoned := make(map[string]struct{})

	for {
		if r.metrics != nil {
			r.metrics.QueueDepth.Set(float64(queue.Len()))
		}

		select {
		case <-ctx.Done():
			if current != nil {
				current.cancel()
			}
			return

		case req := <-r.submitCh:
			ack, err := r.admit(ctx, queue, &current, abandoned, req.task)
			req.reply <- submitReply{ack: ack, err: err}

		case req := <-r.cancelCh:
			switch {
			case current != nil && current.task.ID == req.id:
				current.cancelRequested = true
				current.cancel()
				req.reply <- CancelAlreadyRunning
			default:
				if t := queue.Remove(req.id); t != nil {
					t.State = models.TaskCancelled
					r.publish(models.TaskEvent{Type: models.EventCancelled, TaskID: t.ID})
					req.reply <- CancelOK
				} else {
					req.reply <- CancelNotFound
				}
			}

		case reply := <-r.clearCh:
			dropped := queue.Clear()
			for _, t := range dropped {
				t.State = models.TaskDropped
				r.publish(models.TaskEvent{Type: models.EventDropped, TaskID: t.ID, Reason: "QueueCleared"})
			}
			reply <- len(dropped)

		case reply := <-r.statusCh:
			snap := r.snapshot(queue, current)
			r.publish(models.TaskEvent{Type: models.EventStatus, Snapshot: &snap})
			reply <- snap

		case res := <-r.doneCh:
			if _, ok := abandoned[res.runID]; ok {
				delete(abandoned, res.runID)
				break
			}
			if current == nil || current.runID != res.runID {
				break
			}
			r.finishRun(current, res)
			current = nil
			r.advance(ctx, queue, &current, abandoned)
		}
	}
}

// admit applies the arrival rule: dispatch immediately when idle,
// otherwise enqueue under the backpressure policy, then preempt if the
// arrival is URGENT and the running task is not.
func (r *Router) admit(ctx context.Context, queue *taskQueue, current **runState, abandoned map[string]struct{}, t *models.Task) (*Ack, error) {
	if *current == nil {
		r.startRun(ctx, current, t)
		return &Ack{ID: t.ID}, nil
	}

	if queue.Len() >= r.maxDepth {
		victim := queue.EvictOldestBackground()
		if victim == nil {
			return nil, ErrQueueFull
		}
		victim.State = models.TaskDropped
		r.publish(models.TaskEvent{Type: models.EventDropped, TaskID: victim.ID, Reason: models.DropReasonOverflow})
		if r.metrics != nil {
			r.metrics.TasksDropped.Inc()
		}
	}

	queue.Insert(t)
	t.State = models.TaskQueued
	pos := queue.Len()
	r.publish(models.TaskEvent{Type: models.EventQueued, TaskID: t.ID, Position: pos})

	if t.Priority == models.PriorityUrgent && (*current).task.Priority < models.PriorityUrgent {
		r.preempt(ctx, queue, current, abandoned)
	}
	return &Ack{ID: t.ID, QueuedPosition: pos}, nil
}

// preempt cancels the running task, re-queues it at the front of its
// priority class and hands the slot to the next queued task.
func (r *Router) preempt(ctx context.Context, queue *taskQueue, current **runState, abandoned map[string]struct{}) {
	running := *current
	running.cancel()
	abandoned[running.runID] = struct{}{}

	r.publish(models.TaskEvent{Type: models.EventPreempted, TaskID: running.task.ID})
	if r.metrics != nil {
		r.metrics.TasksPreempted.Inc()
	}
	r.logger.Info("preempted running task",
		"task_id", running.task.ID, "priority", running.task.Priority.String())

	running.task.State = models.TaskQueued
	queue.InsertFront(running.task)
	*current = nil
	r.advance(ctx, queue, current, abandoned)
}

// advance pops queued tasks until one dispatches successfully.
func (r *Router) advance(ctx context.Context, queue *taskQueue, current **runState, abandoned map[string]struct{}) {
	for *current == nil {
		next := queue.Pop()
		if next == nil {
			return
		}
		r.startRun(ctx, current, next)
	}
}

// startRun decides the route at the moment of dispatch and launches the
// executor goroutine. Dispatch failures are terminal for the task and
// leave the slot free.
func (r *Router) startRun(ctx context.Context, current **runState, t *models.Task) {
	cfg := r.CurrentConfig()
	status := r.ExecutorStatus()
	s := Score{Complexity: t.Complexity, Realtime: t.Realtime, Privacy: t.Privacy}
	t.Route = DecideRoute(s, cfg, status)

	exec := r.executor(t.Route)
	if !executorFor(t.Route, status) || exec == nil {
		t.State = models.TaskFailed
		r.publish(models.TaskEvent{Type: models.EventError, TaskID: t.ID, Error: ErrNoExecutor.Error()})
		if r.metrics != nil {
			r.metrics.TasksCompleted.WithLabelValues(string(t.Route), "error").Inc()
		}
		r.logger.Warn("no executor for route",
			"task_id", t.ID, "route", t.Route, "privacy", t.Privacy)
		return
	}

	t.State = models.TaskRunning
	runCtx, cancel := context.WithCancel(ctx)
	state := &runState{runID: uuid.NewString(), task: t, cancel: cancel}
	*current = state

	go r.run(runCtx, state.runID, t, exec)
}

func (r *Router) executor(route models.Route) Executor {
	if route == models.RouteLocal {
		return r.local
	}
	return r.cloud
}

// run executes one task: context assembly, route announcement, streaming,
// accumulation. It reports back to the loop exactly once.
func (r *Router) run(ctx context.Context, runID string, t *models.Task, exec Executor) {
	prompt := t.Message
	if r.memory != nil {
		assembled, err := r.memory.AssembleContext(ctx, t.Message)
		if err != nil {
			r.logger.Warn("context assembly failed, using raw message",
				"task_id", t.ID, "error", err)
		} else {
			prompt = assembled
		}
	}
	t.Context = prompt

	r.publish(models.TaskEvent{
		Type:       models.EventRouted,
		TaskID:     t.ID,
		Route:      t.Route,
		Complexity: t.Complexity,
		Priority:   t.Priority,
		Realtime:   t.Realtime,
		Privacy:    t.Privacy,
	})

	stream, err := exec.Stream(ctx, prompt)
	if err != nil {
		r.sendResult(runResult{runID: runID, task: t, err: err})
		return
	}

	var sb strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			r.sendResult(runResult{runID: runID, task: t, response: sb.String(), err: chunk.Err})
			return
		}
		if chunk.Token == "" {
			continue
		}
		sb.WriteString(chunk.Token)
		r.publish(models.TaskEvent{Type: models.EventStream, TaskID: t.ID, Token: chunk.Token})
		if r.metrics != nil {
			r.metrics.StreamTokens.Inc()
		}
	}

	r.sendResult(runResult{runID: runID, task: t, response: sb.String(), err: ctx.Err()})
}

// sendResult hands a run's outcome to the loop, giving up if the router
// has shut down.
func (r *Router) sendResult(res runResult) {
	select {
	case r.doneCh <- res:
	case <-r.stopped:
	}
}

// finishRun emits the terminal event for a completed run and persists the
// assistant turn.
func (r *Router) finishRun(state *runState, res runResult) {
	t := state.task
	outcome := "ok"

	switch {
	case state.cancelRequested:
		t.State = models.TaskCancelled
		r.publish(models.TaskEvent{Type: models.EventCancelled, TaskID: t.ID})
		outcome = "cancelled"

	case res.err != nil && errors.Is(res.err, context.Canceled):
		// Shutdown cancellation; no terminal event beyond the log.
		t.State = models.TaskCancelled
		r.logger.Debug("run ended by shutdown", "task_id", t.ID)
		outcome = "cancelled"

	case res.err != nil:
		// Partial tokens already streamed stay delivered.
		t.State = models.TaskFailed
		r.publish(models.TaskEvent{Type: models.EventError, TaskID: t.ID, Error: res.err.Error()})
		outcome = "error"

	default:
		t.State = models.TaskCompleted
		r.publish(models.TaskEvent{Type: models.EventComplete, TaskID: t.ID, Response: res.response})
		if r.memory != nil {
			task := t
			response := res.response
			go func() {
				recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := r.memory.RecordTurn(recordCtx, task.Channel, task.ChannelID, task.UserID, models.RoleAssistant, response); err != nil {
					r.logger.Warn("failed to record assistant turn", "task_id", task.ID, "error", err)
				}
			}()
		}
	}

	if r.metrics != nil {
		r.metrics.TasksCompleted.WithLabelValues(string(t.Route), outcome).Inc()
	}
}

func (r *Router) snapshot(queue *taskQueue, current *runState) models.QueueSnapshot {
	urgent, normal, background := queue.Counts()
	snap := models.QueueSnapshot{
		QueueLen:        queue.Len(),
		UrgentCount:     urgent,
		NormalCount:     normal,
		BackgroundCount: background,
	}
	if current != nil {
		cp := *current.task
		snap.Current = &cp
		snap.CurrentID = cp.ID
	}
	return snap
}

func (r *Router) publish(ev models.TaskEvent) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
