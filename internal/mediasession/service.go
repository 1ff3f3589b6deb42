package mediasession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var errGraphAborted = errors.New("mediasession: graph aborted")

// task is one bit of the worker's pending mask. Lower bits run first.
type task uint32

const (
	taskShutdown task = 1 << iota
	taskReleaseGraph
	taskReleaseOutputs
	taskSetSource
	taskRender
	taskFinalizeLoad
	taskStop
	taskSetRate
	taskPause
	taskSeek
	taskPlay
)

func (t task) String() string {
	switch t {
	case taskShutdown:
		return "shutdown"
	case taskReleaseGraph:
		return "release_graph"
	case taskReleaseOutputs:
		return "release_outputs"
	case taskSetSource:
		return "set_source"
	case taskRender:
		return "render"
	case taskFinalizeLoad:
		return "finalize_load"
	case taskStop:
		return "stop"
	case taskSetRate:
		return "set_rate"
	case taskPause:
		return "pause"
	case taskSeek:
		return "seek"
	case taskPlay:
		return "play"
	default:
		return fmt.Sprintf("task(%d)", uint32(t))
	}
}

// PlayerService owns a playback graph and drives it from a single worker
// goroutine. Producers set task bits and signal; the worker runs the
// highest-priority pending task and releases the lock around blocking
// graph calls.
type PlayerService struct {
	control *PlayerControl
	factory GraphFactory

	mu         sync.Mutex
	pending    task
	graph      Graph
	events     <-chan GraphEvent
	loaded     bool
	source     string
	loadGen    uint64
	openCancel context.CancelFunc
	want       State
	rate       float64
	seekPos    time.Duration

	// ran records executed tasks for tests.
	ran func(task)

	wake chan struct{}
	done chan struct{}
}

// NewPlayerService starts the worker. l receives control events.
func NewPlayerService(factory GraphFactory, l Listener) *PlayerService {
	s := &PlayerService{
		control: NewPlayerControl(l),
		factory: factory,
		rate:    1,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *PlayerService) Control() *PlayerControl { return s.control }

// Load replaces the current media with source. Any open in progress is
// aborted.
func (s *PlayerService) Load(source string) {
	s.mu.Lock()
	s.loadGen++
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	s.source = source
	s.loaded = false
	s.seekPos = 0
	s.pending &^= taskRender | taskFinalizeLoad | taskStop | taskPause | taskSeek | taskPlay
	s.pending |= taskReleaseGraph | taskSetSource
	s.mu.Unlock()

	s.control.setStatus(StatusLoading)
	s.signal()
}

func (s *PlayerService) Play() {
	s.request(StatePlaying, taskPlay, taskPause|taskStop)
}

func (s *PlayerService) Pause() {
	s.request(StatePaused, taskPause, taskPlay|taskStop)
}

func (s *PlayerService) Stop() {
	s.request(StateStopped, taskStop, taskPlay|taskPause)
}

// request records the wanted state. Before the media is loaded the state
// is applied by FinalizeLoad.
func (s *PlayerService) request(want State, t, cancels task) {
	s.mu.Lock()
	s.want = want
	s.pending &^= cancels
	schedule := s.loaded || t == taskStop
	if schedule {
		s.pending |= t
	}
	s.mu.Unlock()
	if schedule {
		s.signal()
	}
}

func (s *PlayerService) SetRate(rate float64) {
	s.mu.Lock()
	s.rate = rate
	s.pending |= taskSetRate
	s.mu.Unlock()
	s.signal()
}

func (s *PlayerService) Seek(pos time.Duration) {
	s.mu.Lock()
	s.seekPos = pos
	if s.loaded {
		s.pending |= taskSeek
	}
	s.mu.Unlock()
	s.signal()
}

// Shutdown releases the graph and stops the worker.
func (s *PlayerService) Shutdown() {
	s.mu.Lock()
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	s.pending |= taskShutdown
	s.mu.Unlock()
	s.signal()
	<-s.done
}

func (s *PlayerService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *PlayerService) run() {
	defer close(s.done)
	release, err := initWorkerThread()
	if err != nil {
		log.Error("player worker init failed", logging.KeyError, err)
	} else {
		defer release()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		t := s.pending & -s.pending
		if t == 0 {
			events := s.events
			s.mu.Unlock()
			select {
			case <-s.wake:
			case ev, ok := <-events:
				if ok {
					s.onGraphEvent(ev)
				} else {
					s.mu.Lock()
					if s.events == events {
						s.events = nil
					}
					s.mu.Unlock()
				}
			}
			s.mu.Lock()
			continue
		}

		s.pending &^= t
		if s.ran != nil {
			s.ran(t)
		}
		if t == taskShutdown {
			s.releaseGraphLocked()
			return
		}
		s.runLocked(t)
	}
}

// unlocked runs fn with s.mu released. Control notifications go through
// here so listeners can call back into the service.
func (s *PlayerService) unlocked(fn func()) {
	s.mu.Unlock()
	defer s.mu.Lock()
	fn()
}

func (s *PlayerService) runLocked(t task) {
	switch t {
	case taskReleaseGraph:
		s.releaseGraphLocked()
	case taskReleaseOutputs:
		if g := s.graph; g != nil {
			s.unlocked(func() { s.logErr("release outputs", g.ReleaseOutputs()) })
		}
	case taskSetSource:
		s.setSourceLocked()
	case taskRender:
		s.renderLocked()
	case taskFinalizeLoad:
		s.finalizeLoadLocked()
	case taskStop:
		g := s.graph
		s.unlocked(func() {
			if g != nil {
				s.logErr("stop", g.Stop())
			}
			s.control.setState(StateStopped)
		})
	case taskSetRate:
		if g, rate := s.graph, s.rate; g != nil {
			s.unlocked(func() { s.logErr("set rate", g.SetRate(rate)) })
		}
	case taskPause:
		if g := s.graph; g != nil {
			s.unlocked(func() {
				if err := g.Pause(); err != nil {
					s.control.fail(err)
					return
				}
				s.control.setState(StatePaused)
			})
		}
	case taskSeek:
		if g, pos := s.graph, s.seekPos; g != nil {
			s.unlocked(func() { s.logErr("seek", g.Seek(pos)) })
		}
	case taskPlay:
		if g := s.graph; g != nil {
			s.unlocked(func() {
				if err := g.Run(); err != nil {
					s.control.fail(err)
					return
				}
				s.control.setStatus(StatusBuffered)
				s.control.setState(StatePlaying)
			})
		}
	}
}

// releaseGraphLocked aborts any open in progress before closing the graph.
func (s *PlayerService) releaseGraphLocked() {
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	g := s.graph
	s.graph = nil
	s.events = nil
	s.loaded = false
	if g != nil {
		s.unlocked(func() { s.logErr("release graph", g.Close()) })
	}
}

func (s *PlayerService) setSourceLocked() {
	src, gen := s.source, s.loadGen
	if src == "" {
		s.unlocked(func() { s.control.fail(ErrNoSource) })
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.openCancel = cancel

	var g Graph
	var err error
	s.unlocked(func() {
		if g, err = s.factory(); err == nil {
			err = g.Open(ctx, src)
		}
	})
	cancel()
	if s.loadGen != gen {
		// Superseded by a newer Load while the lock was released.
		if g != nil {
			s.unlocked(func() { g.Close() })
		}
		return
	}
	s.openCancel = nil
	if err != nil {
		if g != nil {
			s.unlocked(func() { g.Close() })
		}
		s.unlocked(func() { s.control.fail(fmt.Errorf("mediasession: open %s: %w", src, err)) })
		return
	}
	s.graph = g
	s.events = g.Events()
	s.pending |= taskRender
}

func (s *PlayerService) renderLocked() {
	g, gen := s.graph, s.loadGen
	if g == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.openCancel = cancel
	var err error
	s.unlocked(func() { err = g.Render(ctx) })
	cancel()
	if s.loadGen != gen {
		return
	}
	s.openCancel = nil
	if err != nil {
		s.unlocked(func() { s.control.fail(fmt.Errorf("mediasession: render: %w", err)) })
		return
	}
	s.pending |= taskFinalizeLoad
}

func (s *PlayerService) finalizeLoadLocked() {
	g := s.graph
	if g == nil {
		return
	}
	s.loaded = true
	switch s.want {
	case StatePlaying:
		s.pending |= taskPlay
	case StatePaused:
		s.pending |= taskPause
	}
	if s.seekPos > 0 {
		s.pending |= taskSeek
	}
	if s.rate != 1 {
		s.pending |= taskSetRate
	}
	s.unlocked(func() {
		s.control.setDuration(g.Duration())
		s.control.setStatus(StatusLoaded)
	})
}

// onGraphEvent runs on the worker without s.mu held.
func (s *PlayerService) onGraphEvent(ev GraphEvent) {
	log.Debug("graph event", "event", ev.String())
	switch ev {
	case EventComplete:
		s.mu.Lock()
		s.want = StateStopped
		s.pending |= taskStop
		s.mu.Unlock()
		s.control.endOfMedia()
	case EventErrorAbort:
		s.control.fail(errGraphAborted)
	case EventBufferingStarted:
		s.control.setStatus(StatusLoading)
	case EventBufferingStopped:
		s.control.setStatus(StatusBuffered)
	case EventDurationChanged:
		s.mu.Lock()
		g := s.graph
		s.mu.Unlock()
		if g != nil {
			s.control.setDuration(g.Duration())
		}
	}
}

func (s *PlayerService) logErr(op string, err error) {
	if err != nil {
		log.Warn("graph operation failed", "op", op, logging.KeyError, err)
	}
}
