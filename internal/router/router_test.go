package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/pkg/models"
)

// fakeExecutor streams canned tokens. With hold set, it emits the first
// token and then blocks until released or cancelled.
type fakeExecutor struct {
	tokens    []string
	hold      chan struct{}
	streamErr error
	startErr  error

	running    int32
	maxRunning int32
}

func (f *fakeExecutor) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		n := atomic.AddInt32(&f.running, 1)
		defer atomic.AddInt32(&f.running, -1)
		for {
			max := atomic.LoadInt32(&f.maxRunning)
			if n <= max || atomic.CompareAndSwapInt32(&f.maxRunning, max, n) {
				break
			}
		}

		for i, tok := range f.tokens {
			select {
			case ch <- Chunk{Token: tok}:
			case <-ctx.Done():
				return
			}
			if i == 0 && f.hold != nil {
				select {
				case <-f.hold:
				case <-ctx.Done():
					return
				}
			}
		}
		if f.streamErr != nil {
			select {
			case ch <- Chunk{Err: f.streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// fakeMemory records turns and assembles a trivially-wrapped context.
type fakeMemory struct {
	mu          sync.Mutex
	turns       []models.ConversationTurn
	assembleErr error
}

func (m *fakeMemory) AssembleContext(_ context.Context, message string) (string, error) {
	if m.assembleErr != nil {
		return "", m.assembleErr
	}
	return "ctx: " + message, nil
}

func (m *fakeMemory) RecordTurn(_ context.Context, channel models.ChannelType, channelID, userID string, role models.Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, models.ConversationTurn{
		Channel: channel, ChannelID: channelID, UserID: userID, Role: role, Content: content,
	})
	return nil
}

func (m *fakeMemory) roles() []models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Role, len(m.turns))
	for i, t := range m.turns {
		out[i] = t.Role
	}
	return out
}

type fixture struct {
	router *Router
	bus    *events.Bus
	local  *fakeExecutor
	cloud  *fakeExecutor
	memory *fakeMemory
	sub    *events.Subscription
	cancel context.CancelFunc
}

func newFixture(t *testing.T, cfg models.RouterConfig, maxDepth int, localLoaded, cloudAvailable bool) *fixture {
	t.Helper()
	bus := events.NewBus(nil)
	f := &fixture{
		bus:    bus,
		local:  &fakeExecutor{tokens: []string{"local ", "reply"}},
		cloud:  &fakeExecutor{tokens: []string{"cloud ", "reply"}},
		memory: &fakeMemory{},
	}
	f.router = New(Config{
		MaxDepth:     maxDepth,
		RouterConfig: cfg,
		Local:        f.local,
		Cloud:        f.cloud,
		Memory:       f.memory,
		Bus:          bus,
		Logger:       nil,
	})
	f.router.SetExecutorStatus(&localLoaded, &cloudAvailable)
	f.sub = bus.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.router.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})
	return f
}

func submit(t *testing.T, f *fixture, msg string) *models.Task {
	t.Helper()
	task := &models.Task{Channel: models.ChannelWeb, ChannelID: "c1", UserID: "u1", Message: msg}
	if _, err := f.router.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit(%q): %v", msg, err)
	}
	return task
}

// waitEvent reads events until pred matches, failing on timeout.
func waitEvent(t *testing.T, sub *events.Subscription, what string, pred func(models.TaskEvent) bool) models.TaskEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("bus closed while waiting for %s", what)
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func terminalFor(id string) func(models.TaskEvent) bool {
	return func(ev models.TaskEvent) bool {
		return ev.TaskID == id && ev.Type.Terminal()
	}
}

func TestSimpleShortLocalRoute(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, false)

	task := submit(t, f, "Hi")

	var got []models.TaskEvent
	waitEvent(t, f.sub, "terminal event", func(ev models.TaskEvent) bool {
		if ev.TaskID == task.ID {
			got = append(got, ev)
		}
		return terminalFor(task.ID)(ev)
	})

	if len(got) < 3 {
		t.Fatalf("events = %+v", got)
	}
	routed := got[0]
	if routed.Type != models.EventRouted || routed.Route != models.RouteLocal ||
		routed.Complexity != 0 || routed.Priority != models.PriorityBackground {
		t.Errorf("first event = %+v", routed)
	}
	sawStream := false
	for _, ev := range got[1 : len(got)-1] {
		if ev.Type == models.EventStream {
			sawStream = true
		}
	}
	if !sawStream {
		t.Error("no STREAM events")
	}
	last := got[len(got)-1]
	if last.Type != models.EventComplete || last.Response != "local reply" {
		t.Errorf("last event = %+v", last)
	}
}

func TestPrivacyModeOverridesCloudMode(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingCloud, Threshold: 6, PrivacyMode: true}
	f := newFixture(t, cfg, 50, true, true)

	task := submit(t, f, "summarise this document")

	routed := waitEvent(t, f.sub, "ROUTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventRouted && ev.TaskID == task.ID
	})
	if routed.Route != models.RouteLocal || !routed.Privacy {
		t.Errorf("ROUTED = %+v, want local privacy route", routed)
	}
	waitEvent(t, f.sub, "COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == task.ID
	})
}

func TestPrivacyWithoutLocalFailsNotReroutes(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingCloud, Threshold: 6}
	f := newFixture(t, cfg, 50, false, true)

	task := submit(t, f, "these are private notes")

	ev := waitEvent(t, f.sub, "terminal", terminalFor(task.ID))
	if ev.Type != models.EventError {
		t.Fatalf("terminal = %+v, want ERROR", ev)
	}
	if ev.Error != ErrNoExecutor.Error() {
		t.Errorf("error = %q", ev.Error)
	}
}

func TestComplexTaskRoutesToCloud(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 4}
	f := newFixture(t, cfg, 50, true, true)

	// Multi-step markers + one domain family: 3+2 = 5 >= threshold 4.
	msg := "first debug the code, second run it, finally report"
	task := submit(t, f, msg)

	routed := waitEvent(t, f.sub, "ROUTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventRouted && ev.TaskID == task.ID
	})
	if routed.Route != models.RouteCloud {
		t.Errorf("route = %v, want cloud (complexity %d)", routed.Route, routed.Complexity)
	}
}

func TestPreemption(t *testing.T) {
	// Threshold 4 sends the NORMAL task to the cloud executor while the
	// realtime URGENT one runs locally.
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 4}
	f := newFixture(t, cfg, 50, true, true)

	hold := make(chan struct{})
	f.cloud.hold = hold
	f.local.tokens = []string{"urgent reply"}

	// NORMAL task (multi-step + math = 5) runs and blocks mid-stream.
	normal := submit(t, f, "calculate this equation step by step")
	waitEvent(t, f.sub, "first STREAM", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventStream && ev.TaskID == normal.ID
	})

	// URGENT arrival preempts it.
	urgent := submit(t, f, "urgent help please")

	waitEvent(t, f.sub, "PREEMPTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventPreempted && ev.TaskID == normal.ID
	})

	routedUrgent := waitEvent(t, f.sub, "urgent ROUTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventRouted && ev.TaskID == urgent.ID
	})
	if routedUrgent.Priority != models.PriorityUrgent {
		t.Errorf("urgent priority = %v", routedUrgent.Priority)
	}
	waitEvent(t, f.sub, "urgent COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == urgent.ID
	})

	// Preempted task gets a fresh dispatch and completes. Release the
	// hold so its second run can finish.
	close(hold)
	waitEvent(t, f.sub, "normal re-ROUTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventRouted && ev.TaskID == normal.ID
	})
	waitEvent(t, f.sub, "normal COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == normal.ID
	})
}

func TestQueueOverflowEvictsOldestBackground(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 3, true, true)

	hold := make(chan struct{})
	defer close(hold)
	f.local.hold = hold

	// Occupy the running slot.
	submit(t, f, "hello zero")

	var queued []*models.Task
	for i := 0; i < 3; i++ {
		queued = append(queued, submit(t, f, fmt.Sprintf("hello %d", i+1)))
	}

	// A NORMAL arrival at capacity evicts the oldest background task.
	normalTask := &models.Task{Channel: models.ChannelWeb, ChannelID: "c1", UserID: "u1",
		Message: "calculate this equation step by step"}
	ack, err := f.router.Submit(context.Background(), normalTask)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.QueuedPosition != 3 {
		t.Errorf("queued position = %d, want 3", ack.QueuedPosition)
	}

	dropped := waitEvent(t, f.sub, "DROPPED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventDropped
	})
	if dropped.TaskID != queued[0].ID || dropped.Reason != models.DropReasonOverflow {
		t.Errorf("DROPPED = %+v, want oldest background %s", dropped, queued[0].ID)
	}

	snap, err := f.router.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.QueueLen != 3 || snap.NormalCount != 1 || snap.BackgroundCount != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestQueueFullWithoutVictims(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 2, true, true)

	hold := make(chan struct{})
	defer close(hold)
	f.cloud.hold = hold
	f.local.hold = hold

	submit(t, f, "calculate this equation step by step")
	submit(t, f, "calculate that equation step by step")
	submit(t, f, "calculate another equation step by step")

	over := &models.Task{Channel: models.ChannelWeb, ChannelID: "c1", UserID: "u1",
		Message: "calculate one more equation step by step"}
	if _, err := f.router.Submit(context.Background(), over); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit = %v, want ErrQueueFull", err)
	}
}

func TestCancelQueuedAndRunning(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, true)

	hold := make(chan struct{})
	f.local.hold = hold
	defer func() {
		select {
		case <-hold:
		default:
			close(hold)
		}
	}()

	running := submit(t, f, "hello running")
	waitEvent(t, f.sub, "running STREAM", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventStream && ev.TaskID == running.ID
	})
	queued := submit(t, f, "hello queued")

	res, err := f.router.Cancel(context.Background(), queued.ID)
	if err != nil || res != CancelOK {
		t.Fatalf("Cancel(queued) = %v, %v", res, err)
	}
	waitEvent(t, f.sub, "queued CANCELLED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventCancelled && ev.TaskID == queued.ID
	})

	res, err = f.router.Cancel(context.Background(), "no-such-task")
	if err != nil || res != CancelNotFound {
		t.Fatalf("Cancel(missing) = %v, %v", res, err)
	}

	res, err = f.router.Cancel(context.Background(), running.ID)
	if err != nil || res != CancelAlreadyRunning {
		t.Fatalf("Cancel(running) = %v, %v", res, err)
	}
	waitEvent(t, f.sub, "running CANCELLED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventCancelled && ev.TaskID == running.ID
	})
}

func TestClearQueueKeepsRunning(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, true)

	hold := make(chan struct{})
	f.local.hold = hold

	running := submit(t, f, "hello running")
	waitEvent(t, f.sub, "running STREAM", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventStream && ev.TaskID == running.ID
	})
	submit(t, f, "hello queued one")
	submit(t, f, "hello queued two")

	n, err := f.router.ClearQueue(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ClearQueue = %d, %v", n, err)
	}

	// The running task is untouched and completes after release.
	close(hold)
	waitEvent(t, f.sub, "running COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == running.ID
	})
}

func TestAtMostOneRunning(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, false)

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, submit(t, f, fmt.Sprintf("hello %d", i)).ID)
	}
	for _, id := range ids {
		waitEvent(t, f.sub, "terminal "+id, terminalFor(id))
	}

	if max := atomic.LoadInt32(&f.local.maxRunning); max > 1 {
		t.Errorf("max concurrent executor streams = %d, want 1", max)
	}
}

func TestExecutorErrorSurfacesAfterPartialStream(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, false)

	f.local.tokens = []string{"partial "}
	f.local.streamErr = errors.New("backend exploded")

	task := submit(t, f, "hello")

	sawPartial := false
	ev := waitEvent(t, f.sub, "terminal", func(ev models.TaskEvent) bool {
		if ev.Type == models.EventStream && ev.TaskID == task.ID {
			sawPartial = true
		}
		return terminalFor(task.ID)(ev)
	})
	if ev.Type != models.EventError {
		t.Fatalf("terminal = %+v", ev)
	}
	if !sawPartial {
		t.Error("partial tokens were not delivered before the error")
	}
}

func TestAssemblyFailureFallsBackToRawMessage(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, false)
	f.memory.assembleErr = errors.New("index unavailable")

	task := submit(t, f, "hello there")
	waitEvent(t, f.sub, "COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == task.ID
	})
	if task.Context != "hello there" {
		t.Errorf("context = %q, want raw message", task.Context)
	}
}

func TestTurnsRecordedForPromptAndReply(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, false)

	task := submit(t, f, "hello there")
	waitEvent(t, f.sub, "COMPLETE", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventComplete && ev.TaskID == task.ID
	})

	deadline := time.After(3 * time.Second)
	for {
		roles := f.memory.roles()
		hasUser, hasAssistant := false, false
		for _, r := range roles {
			if r == models.RoleUser {
				hasUser = true
			}
			if r == models.RoleAssistant {
				hasAssistant = true
			}
		}
		if hasUser && hasAssistant {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("turns = %v", roles)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUpdateConfigSwapsAtomically(t *testing.T) {
	cfg := models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6}
	f := newFixture(t, cfg, 50, true, true)

	f.router.UpdateConfig(models.RouterConfig{Mode: models.RoutingCloud, Threshold: 2})

	task := submit(t, f, "hello there")
	routed := waitEvent(t, f.sub, "ROUTED", func(ev models.TaskEvent) bool {
		return ev.Type == models.EventRouted && ev.TaskID == task.ID
	})
	if routed.Route != models.RouteCloud {
		t.Errorf("route = %v after switching to cloud mode", routed.Route)
	}
}
