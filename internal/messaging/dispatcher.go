package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

const (
	// DefaultStartCommand starts the default scenario for users without state.
	DefaultStartCommand = "start"
	// releaseTimeout bounds dedup cleanup for events dropped at shutdown.
	releaseTimeout = 5 * time.Second
)

// EventHandler is the engine surface the dispatcher drives.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.Event) (bool, error)
	StartScenario(ctx context.Context, userID, scenarioKey string, ev *models.Event) error
}

// Sender delivers dispatcher notices.
type Sender interface {
	SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Dedup           store.DedupRepo
	StartCommand    string
	DefaultScenario string
	FallbackMessage string
	ErrorMessage    string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithDedup drops redelivered transport messages using repo.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(o *DispatcherOpts) { o.Dedup = repo }
}

// WithStartCommand sets the command that starts scenarioKey for users without state.
func WithStartCommand(command, scenarioKey string) DispatcherOption {
	return func(o *DispatcherOpts) {
		o.StartCommand = strings.TrimPrefix(command, models.CommandMarker)
		o.DefaultScenario = scenarioKey
	}
}

// WithFallbackMessage sets the reply for users without an active scenario.
func WithFallbackMessage(text string) DispatcherOption {
	return func(o *DispatcherOpts) { o.FallbackMessage = text }
}

// WithErrorMessage sets the reply sent when the engine fails on an event.
func WithErrorMessage(text string) DispatcherOption {
	return func(o *DispatcherOpts) { o.ErrorMessage = text }
}

// Dispatcher routes inbound events to the engine through one queue per user.
// Events of one user are handled in arrival order; different users run in parallel.
type Dispatcher struct {
	handler EventHandler
	sender  Sender
	opts    DispatcherOpts

	mu     sync.Mutex
	queues map[string]*userQueue
	wg     sync.WaitGroup
}

// userQueue holds a user's events not yet taken by its worker.
type userQueue struct {
	events []models.Event
}

// NewDispatcher creates a dispatcher. sender may be nil, in which case notices are only logged.
func NewDispatcher(handler EventHandler, sender Sender, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{StartCommand: DefaultStartCommand}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		handler: handler,
		sender:  sender,
		opts:    cfg,
		queues:  make(map[string]*userQueue),
	}
}

// Run dispatches events until the channel closes or ctx ends, then waits for queued work.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.Event) error {
	defer d.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				slog.Info("Dispatcher.Run: event channel closed")
				return nil
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch queues ev on its user's queue without blocking. It reports false for dropped events.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) bool {
	if ev.UserID == "" {
		slog.Warn("Dispatcher.Dispatch: event without user id dropped")
		return false
	}
	if ev.ID == "" {
		ev.ID = xid.New().String()
	} else if d.opts.Dedup != nil {
		fresh, err := d.opts.Dedup.RecordInbound(ctx, ev.ID, ev.UserID)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: dedup record failed, processing anyway", "event_id", ev.ID, "error", err)
		} else if !fresh {
			slog.Info("Dispatcher.Dispatch: duplicate event dropped", "event_id", ev.ID, "user_id", ev.UserID)
			return false
		}
	}
	if ctx.Err() != nil {
		d.release(ctx, ev)
		return false
	}

	d.mu.Lock()
	q, ok := d.queues[ev.UserID]
	if !ok {
		q = &userQueue{}
		d.queues[ev.UserID] = q
		d.wg.Add(1)
		go d.drain(ctx, ev.UserID, q)
	}
	q.events = append(q.events, ev)
	d.mu.Unlock()
	return true
}

// drain processes a user's events in order until the queue is empty or ctx ends.
func (d *Dispatcher) drain(ctx context.Context, userID string, q *userQueue) {
	defer d.wg.Done()
	for {
		ev, ok := d.next(userID, q)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			d.abandon(ctx, userID, q, ev)
			return
		}
		d.process(ctx, ev)
	}
}

// next pops the oldest queued event. An empty queue is removed and reports false.
func (d *Dispatcher) next(userID string, q *userQueue) (models.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(q.events) == 0 {
		if d.queues[userID] == q {
			delete(d.queues, userID)
		}
		return models.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = models.Event{}
	q.events = q.events[1:]
	return ev, true
}

// abandon drops ev and the rest of the queue, releasing their dedup records.
func (d *Dispatcher) abandon(ctx context.Context, userID string, q *userQueue, ev models.Event) {
	d.mu.Lock()
	dropped := append([]models.Event{ev}, q.events...)
	q.events = nil
	if d.queues[userID] == q {
		delete(d.queues, userID)
	}
	d.mu.Unlock()

	slog.Warn("Dispatcher: shutting down with queued events", "user_id", userID, "dropped", len(dropped))
	for _, ev := range dropped {
		d.release(ctx, ev)
	}
}

// queueCount returns the number of live user queues.
func (d *Dispatcher) queueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Wait blocks until every queued event has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, ev models.Event) {
	defer d.markProcessed(ctx, ev)

	handled, err := d.handler.HandleEvent(ctx, ev)
	switch {
	case err != nil:
		slog.Error("Dispatcher.process: engine error", "user_id", ev.UserID, "event_id", ev.ID, "error", err)
		d.notify(ctx, ev, d.opts.ErrorMessage)
	case handled:
		return
	case d.isStartCommand(ev):
		if err := d.handler.StartScenario(ctx, ev.UserID, d.opts.DefaultScenario, &ev); err != nil {
			slog.Error("Dispatcher.process: start failed", "user_id", ev.UserID, "scenario_key", d.opts.DefaultScenario, "error", err)
			d.notify(ctx, ev, d.opts.ErrorMessage)
			return
		}
		slog.Info("Dispatcher.process: scenario started", "user_id", ev.UserID, "scenario_key", d.opts.DefaultScenario)
	default:
		slog.Debug("Dispatcher.process: no active scenario", "user_id", ev.UserID)
		d.notify(ctx, ev, d.opts.FallbackMessage)
	}
}

// isStartCommand reports whether ev is the start command and a default scenario is configured.
func (d *Dispatcher) isStartCommand(ev models.Event) bool {
	if d.opts.DefaultScenario == "" || d.opts.StartCommand == "" {
		return false
	}
	cmd, ok := ev.Command()
	return ok && strings.EqualFold(cmd, d.opts.StartCommand)
}

func (d *Dispatcher) notify(ctx context.Context, ev models.Event, text string) {
	if text == "" || d.sender == nil {
		return
	}
	if err := d.sender.SendMessage(ctx, ev.ReplyTo(), models.OutgoingMessage{Text: text}); err != nil {
		slog.Error("Dispatcher.notify: send failed", "to", ev.ReplyTo(), "error", err)
	}
}

func (d *Dispatcher) markProcessed(ctx context.Context, ev models.Event) {
	if d.opts.Dedup == nil {
		return
	}
	if err := d.opts.Dedup.MarkProcessed(ctx, ev.ID); err != nil {
		slog.Warn("Dispatcher.markProcessed failed", "event_id", ev.ID, "error", err)
	}
}

// release forgets the dedup record of an event that was never processed.
func (d *Dispatcher) release(ctx context.Context, ev models.Event) {
	if d.opts.Dedup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.opts.Dedup.ReleaseInbound(ctx, ev.ID); err != nil {
		slog.Warn("Dispatcher.release failed", "event_id", ev.ID, "error", err)
	}
}
