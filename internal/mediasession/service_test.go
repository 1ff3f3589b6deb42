package mediasession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeGraph struct {
	mu       sync.Mutex
	calls    []string
	closed   bool
	block    bool
	opening  chan struct{}
	events   chan GraphEvent
	duration time.Duration
	runErr   error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		opening:  make(chan struct{}, 1),
		events:   make(chan GraphEvent, 4),
		duration: 90 * time.Second,
	}
}

func (g *fakeGraph) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

func (g *fakeGraph) Open(ctx context.Context, source string) error {
	g.record("open " + source)
	g.opening <- struct{}{}
	if g.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (g *fakeGraph) Render(ctx context.Context) error { g.record("render"); return nil }
func (g *fakeGraph) Run() error                       { g.record("run"); return g.runErr }
func (g *fakeGraph) Pause() error                     { g.record("pause"); return nil }
func (g *fakeGraph) Stop() error                      { g.record("stop"); return nil }
func (g *fakeGraph) SetRate(float64) error            { g.record("rate"); return nil }
func (g *fakeGraph) Seek(time.Duration) error         { g.record("seek"); return nil }
func (g *fakeGraph) Events() <-chan GraphEvent        { return g.events }
func (g *fakeGraph) ReleaseOutputs() error            { g.record("release_outputs"); return nil }

func (g *fakeGraph) Duration() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.duration
}

func (g *fakeGraph) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	return nil
}

func (g *fakeGraph) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// graphQueue hands out graphs in order.
func graphQueue(graphs ...*fakeGraph) GraphFactory {
	var mu sync.Mutex
	return func() (Graph, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(graphs) == 0 {
			return nil, errors.New("no graph")
		}
		g := graphs[0]
		graphs = graphs[1:]
		return g, nil
	}
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 64)}
}

func (r *recorder) listen(e Event) { r.events <- e }

func (r *recorder) waitStatus(t *testing.T, want MediaStatus) {
	t.Helper()
	r.wait(t, func(e Event) bool { return e.Kind == EventStatusChanged && e.Status == want }, want.String())
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	r.wait(t, func(e Event) bool { return e.Kind == EventStateChanged && e.State == want }, want.String())
}

func (r *recorder) wait(t *testing.T, match func(Event) bool, what string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-r.events:
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestTaskPriorityOrder(t *testing.T) {
	g := newFakeGraph()
	s := &PlayerService{
		control: NewPlayerControl(nil),
		rate:    2,
		graph:   g,
		loaded:  true,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	var ran []task
	played := make(chan struct{})
	s.ran = func(t task) {
		ran = append(ran, t)
		if t == taskPlay {
			close(played)
		}
	}
	s.pending = taskPlay | taskSeek | taskPause | taskSetRate | taskStop | taskReleaseOutputs
	go s.run()

	select {
	case <-played:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not reach play")
	}
	s.Shutdown()

	want := []task{taskReleaseOutputs, taskStop, taskSetRate, taskPause, taskSeek, taskPlay, taskShutdown}
	if len(ran) != len(want) {
		t.Fatalf("ran %v, want %v", ran, want)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("ran %v, want %v", ran, want)
		}
	}
	if !g.isClosed() {
		t.Fatal("shutdown did not release the graph")
	}
}

func TestLoadAndPlay(t *testing.T) {
	g := newFakeGraph()
	r := newRecorder()
	s := NewPlayerService(graphQueue(g), r.listen)
	defer s.Shutdown()

	s.Load("file:///a.mp4")
	r.waitStatus(t, StatusLoading)
	r.waitStatus(t, StatusLoaded)
	if d := s.Control().Duration(); d != 90*time.Second {
		t.Fatalf("duration = %v", d)
	}
	if s.Control().State() != StateStopped {
		t.Fatalf("state = %v before play", s.Control().State())
	}

	s.Play()
	r.waitStatus(t, StatusBuffered)
	r.waitState(t, StatePlaying)

	s.Pause()
	r.waitState(t, StatePaused)
	s.Stop()
	r.waitState(t, StateStopped)
}

func TestPlayBeforeLoadCompletes(t *testing.T) {
	g := newFakeGraph()
	r := newRecorder()
	s := NewPlayerService(graphQueue(g), r.listen)
	defer s.Shutdown()

	s.Play()
	s.Seek(10 * time.Second)
	s.Load("file:///a.mp4")
	r.waitStatus(t, StatusLoaded)
	r.waitState(t, StatePlaying)

	g.mu.Lock()
	calls := append([]string(nil), g.calls...)
	g.mu.Unlock()
	// Seek was reset by the load.
	for _, c := range calls {
		if c == "seek" {
			t.Fatalf("unexpected seek in %v", calls)
		}
	}
}

func TestLoadAbortsOpenInProgress(t *testing.T) {
	slow := newFakeGraph()
	slow.block = true
	fast := newFakeGraph()
	r := newRecorder()
	s := NewPlayerService(graphQueue(slow, fast), r.listen)
	defer s.Shutdown()

	s.Load("http://slow.example/stream")
	select {
	case <-slow.opening:
	case <-time.After(3 * time.Second):
		t.Fatal("first open never started")
	}

	s.Load("file:///b.mp4")
	r.waitStatus(t, StatusLoaded)
	if !slow.isClosed() {
		t.Fatal("aborted graph was not closed")
	}
	if fast.isClosed() {
		t.Fatal("current graph closed")
	}
	if s.Control().MediaStatus() != StatusLoaded {
		t.Fatalf("status = %v", s.Control().MediaStatus())
	}
}

func TestShutdownAbortsOpen(t *testing.T) {
	g := newFakeGraph()
	g.block = true
	s := NewPlayerService(graphQueue(g), nil)
	s.Load("http://slow.example/stream")
	<-g.opening

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown blocked behind open")
	}
}

func TestOpenFailureMarksInvalid(t *testing.T) {
	r := newRecorder()
	s := NewPlayerService(graphQueue(), r.listen)
	defer s.Shutdown()

	s.Load("file:///missing.mp4")
	r.waitStatus(t, StatusInvalid)
	e := r.wait(t, func(e Event) bool { return e.Kind == EventError }, "error event")
	if e.Err == nil {
		t.Fatal("error event without error")
	}
}

func TestEmptySourceFails(t *testing.T) {
	r := newRecorder()
	s := NewPlayerService(graphQueue(newFakeGraph()), r.listen)
	defer s.Shutdown()

	s.Load("")
	e := r.wait(t, func(e Event) bool { return e.Kind == EventError }, "error event")
	if !errors.Is(e.Err, ErrNoSource) {
		t.Fatalf("err = %v", e.Err)
	}
}

func TestGraphEvents(t *testing.T) {
	g := newFakeGraph()
	r := newRecorder()
	s := NewPlayerService(graphQueue(g), r.listen)
	defer s.Shutdown()

	s.Load("file:///a.mp4")
	r.waitStatus(t, StatusLoaded)
	s.Play()
	r.waitState(t, StatePlaying)

	g.events <- EventBufferingStarted
	r.waitStatus(t, StatusLoading)
	g.events <- EventBufferingStopped
	r.waitStatus(t, StatusBuffered)

	g.mu.Lock()
	g.duration = 2 * time.Minute
	g.mu.Unlock()
	g.events <- EventDurationChanged
	r.wait(t, func(e Event) bool { return e.Kind == EventDurationUpdated && e.Duration == 2*time.Minute }, "duration")

	g.events <- EventComplete
	r.waitStatus(t, StatusEndOfMedia)
	r.waitState(t, StateStopped)
}

func TestListenerMayReenter(t *testing.T) {
	g := newFakeGraph()
	playing := make(chan struct{})
	var s *PlayerService
	var once sync.Once
	s = NewPlayerService(graphQueue(g), func(e Event) {
		switch {
		case e.Kind == EventStatusChanged && e.Status == StatusLoaded:
			_ = s.Control().State()
			s.Play()
		case e.Kind == EventStateChanged && e.State == StatePlaying:
			once.Do(func() { close(playing) })
		}
	})
	defer s.Shutdown()

	s.Load("file:///a.mp4")
	select {
	case <-playing:
	case <-time.After(3 * time.Second):
		t.Fatal("listener calling back into the service deadlocked")
	}
}

func TestRunFailureStopsPlayback(t *testing.T) {
	g := newFakeGraph()
	g.runErr = errors.New("device lost")
	r := newRecorder()
	s := NewPlayerService(graphQueue(g), r.listen)
	defer s.Shutdown()

	s.Load("file:///a.mp4")
	r.waitStatus(t, StatusLoaded)
	s.Play()
	r.waitStatus(t, StatusInvalid)
	if s.Control().State() != StateStopped {
		t.Fatalf("state = %v", s.Control().State())
	}
}

func TestControlSuppressesDuplicateEvents(t *testing.T) {
	var got []Event
	c := NewPlayerControl(func(e Event) { got = append(got, e) })
	c.setState(StatePlaying)
	c.setState(StatePlaying)
	c.setStatus(StatusLoaded)
	c.setDuration(0)
	c.fail(errors.New("boom"))

	kinds := []EventKind{EventStateChanged, EventStatusChanged, EventStatusChanged, EventStateChanged, EventError}
	if len(got) != len(kinds) {
		t.Fatalf("got %d events: %+v", len(got), got)
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Fatalf("event %d kind = %v, want %v", i, got[i].Kind, k)
		}
	}
}
