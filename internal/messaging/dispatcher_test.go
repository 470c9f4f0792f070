package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	active  map[string]bool
	seen    map[string][]string
	started []string
	err     error
	delay   time.Duration

	running  map[string]*atomic.Int32
	overlaps atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		active:  make(map[string]bool),
		seen:    make(map[string][]string),
		running: make(map[string]*atomic.Int32),
	}
}

func (f *fakeEngine) counter(user string) *atomic.Int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.running[user]
	if !ok {
		c = &atomic.Int32{}
		f.running[user] = c
	}
	return c
}

func (f *fakeEngine) HandleEvent(ctx context.Context, ev models.Event) (bool, error) {
	c := f.counter(ev.UserID)
	if c.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer c.Add(-1)
	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	text, _ := ev.Text()
	f.seen[ev.UserID] = append(f.seen[ev.UserID], text)
	if f.err != nil {
		return false, f.err
	}
	return f.active[ev.UserID], nil
}

func (f *fakeEngine) StartScenario(ctx context.Context, userID, key string, ev *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == "missing" {
		return errors.New("scenario not found")
	}
	f.started = append(f.started, userID+":"+key)
	f.active[userID] = true
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendMessage(ctx context.Context, to string, msg models.OutgoingMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, to+": "+msg.Text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestDispatcherStartsDefaultScenario(t *testing.T) {
	eng := newFakeEngine()
	snd := &recordingSender{}
	d := NewDispatcher(eng, snd, WithStartCommand("/start", "onboarding"), WithFallbackMessage("Send /start to begin."))
	ctx := context.Background()

	d.Dispatch(ctx, models.NewTextEvent("u1", "hello"))
	d.Dispatch(ctx, models.NewTextEvent("u1", "/start"))
	d.Dispatch(ctx, models.NewTextEvent("u1", "/start"))
	d.Wait()

	assert.Equal(t, []string{"u1:onboarding"}, eng.started, "a second /start goes to the active scenario")
	assert.Equal(t, []string{"u1: Send /start to begin."}, snd.messages())
	assert.Equal(t, []string{"hello", "/start", "/start"}, eng.seen["u1"])
}

func TestDispatcherWithoutDefaultScenario(t *testing.T) {
	eng := newFakeEngine()
	snd := &recordingSender{}
	d := NewDispatcher(eng, snd)

	d.Dispatch(context.Background(), models.NewTextEvent("u1", "/start"))
	d.Wait()

	assert.Empty(t, eng.started)
	assert.Empty(t, snd.messages())
}

func TestDispatcherErrorMessages(t *testing.T) {
	eng := newFakeEngine()
	eng.err = errors.New("boom")
	snd := &recordingSender{}
	d := NewDispatcher(eng, snd, WithErrorMessage("Something went wrong."))

	d.Dispatch(context.Background(), models.NewTextEvent("u1", "hi"))
	d.Wait()
	assert.Equal(t, []string{"u1: Something went wrong."}, snd.messages())

	eng.err = nil
	d = NewDispatcher(eng, snd, WithStartCommand("start", "missing"), WithErrorMessage("Oops."))
	d.Dispatch(context.Background(), models.NewTextEvent("u2", "/start"))
	d.Wait()
	assert.Equal(t, []string{"u1: Something went wrong.", "u2: Oops."}, snd.messages())
}

func TestDispatcherDropsDuplicates(t *testing.T) {
	eng := newFakeEngine()
	repo := store.NewInMemoryStore()
	d := NewDispatcher(eng, nil, WithDedup(repo))
	ctx := context.Background()

	ev := models.NewTextEvent("u1", "once")
	ev.ID = "wamid.1"
	assert.True(t, d.Dispatch(ctx, ev))
	assert.False(t, d.Dispatch(ctx, ev))

	anon := models.NewTextEvent("u1", "anon")
	assert.True(t, d.Dispatch(ctx, anon))
	assert.True(t, d.Dispatch(ctx, anon), "events without ids are never duplicates")
	d.Wait()

	assert.Equal(t, []string{"once", "anon", "anon"}, eng.seen["u1"])
	fresh, err := repo.RecordInbound(ctx, "wamid.1", "u1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestDispatcherSerializesPerUser(t *testing.T) {
	eng := newFakeEngine()
	eng.delay = 2 * time.Millisecond
	d := NewDispatcher(eng, nil)
	ctx := context.Background()

	events := make(chan models.Event)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, text := range texts {
		for _, user := range []string{"u1", "u2", "u3"} {
			events <- models.NewTextEvent(user, text)
		}
	}
	close(events)
	require.NoError(t, <-done)

	assert.Zero(t, eng.overlaps.Load())
	for _, user := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, texts, eng.seen[user], user)
	}
	assert.Zero(t, d.queueCount())
}

func TestDispatcherRejectsAnonymousUser(t *testing.T) {
	d := NewDispatcher(newFakeEngine(), nil)
	assert.False(t, d.Dispatch(context.Background(), models.Event{}))
}

// gateEngine holds events of blockedUser until gate closes or ctx ends.
type gateEngine struct {
	blockedUser string
	gate        chan struct{}
	started     chan struct{}
	once        sync.Once

	mu     sync.Mutex
	counts map[string]int
}

func newGateEngine(blockedUser string) *gateEngine {
	return &gateEngine{
		blockedUser: blockedUser,
		gate:        make(chan struct{}),
		started:     make(chan struct{}),
		counts:      make(map[string]int),
	}
}

func (g *gateEngine) HandleEvent(ctx context.Context, ev models.Event) (bool, error) {
	if ev.UserID == g.blockedUser {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.gate:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[ev.UserID]++
	return true, nil
}

func (g *gateEngine) StartScenario(ctx context.Context, userID, key string, ev *models.Event) error {
	return nil
}

func (g *gateEngine) count(user string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[user]
}

func TestBusyUserDoesNotDelayOthers(t *testing.T) {
	eng := newGateEngine("A")
	d := NewDispatcher(eng, nil)

	events := make(chan models.Event)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background(), events) }()

	for i := 0; i < 40; i++ {
		events <- models.NewTextEvent("A", "busy")
	}
	events <- models.NewTextEvent("B", "hello")

	assert.Eventually(t, func() bool { return eng.count("B") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, eng.count("A"))

	close(eng.gate)
	close(events)
	require.NoError(t, <-done)
	assert.Equal(t, 40, eng.count("A"))
	assert.Zero(t, d.queueCount())
}

func TestShutdownReleasesQueuedEvents(t *testing.T) {
	eng := newGateEngine("A")
	repo := store.NewInMemoryStore()
	d := NewDispatcher(eng, nil, WithDedup(repo))
	ctx, cancel := context.WithCancel(context.Background())

	for _, id := range []string{"m1", "m2", "m3"} {
		ev := models.NewTextEvent("A", id)
		ev.ID = id
		require.True(t, d.Dispatch(ctx, ev))
	}
	<-eng.started
	cancel()
	d.Wait()

	bg := context.Background()
	fresh, err := repo.RecordInbound(bg, "m1", "A")
	require.NoError(t, err)
	assert.False(t, fresh, "the event being handled at shutdown stays recorded")
	for _, id := range []string{"m2", "m3"} {
		fresh, err := repo.RecordInbound(bg, id, "A")
		require.NoError(t, err)
		assert.True(t, fresh, id)
	}

	late := models.NewTextEvent("A", "late")
	late.ID = "m4"
	assert.False(t, d.Dispatch(ctx, late))
	fresh, err = repo.RecordInbound(bg, "m4", "A")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Zero(t, d.queueCount())
}
