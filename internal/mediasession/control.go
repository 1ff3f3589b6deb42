package mediasession

import (
	"sync"
	"time"
)

// State is the playback state requested by the user.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// MediaStatus describes the loaded media.
type MediaStatus int

const (
	StatusUnknown MediaStatus = iota
	StatusLoading
	StatusLoaded
	StatusBuffered
	StatusEndOfMedia
	StatusInvalid
)

func (s MediaStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusBuffered:
		return "buffered"
	case StatusEndOfMedia:
		return "end_of_media"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// EventKind says which field of an Event changed.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventStatusChanged
	EventDurationUpdated
	EventError
)

// Event is posted to the listener after the control's lock is released.
type Event struct {
	Kind     EventKind
	State    State
	Status   MediaStatus
	Duration time.Duration
	Err      error
}

// Listener receives control events. It may call back into the control.
type Listener func(Event)

// PlayerControl tracks state and media status and reports changes.
type PlayerControl struct {
	mu       sync.Mutex
	state    State
	status   MediaStatus
	duration time.Duration
	listener Listener
}

// NewPlayerControl returns a stopped control with unknown media.
func NewPlayerControl(l Listener) *PlayerControl {
	return &PlayerControl{listener: l}
}

func (c *PlayerControl) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *PlayerControl) MediaStatus() MediaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *PlayerControl) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// update applies fn under the lock and posts the events it returns once
// the lock is released.
func (c *PlayerControl) update(fn func() []Event) {
	c.mu.Lock()
	events := fn()
	l := c.listener
	c.mu.Unlock()

	if l == nil {
		return
	}
	for _, e := range events {
		l(e)
	}
}

func (c *PlayerControl) setStateLocked(s State) []Event {
	if c.state == s {
		return nil
	}
	c.state = s
	return []Event{{Kind: EventStateChanged, State: s}}
}

func (c *PlayerControl) setStatusLocked(s MediaStatus) []Event {
	if c.status == s {
		return nil
	}
	c.status = s
	return []Event{{Kind: EventStatusChanged, Status: s}}
}

func (c *PlayerControl) setState(s State) {
	c.update(func() []Event { return c.setStateLocked(s) })
}

func (c *PlayerControl) setStatus(s MediaStatus) {
	c.update(func() []Event { return c.setStatusLocked(s) })
}

func (c *PlayerControl) setDuration(d time.Duration) {
	c.update(func() []Event {
		if c.duration == d {
			return nil
		}
		c.duration = d
		return []Event{{Kind: EventDurationUpdated, Duration: d}}
	})
}

// fail marks the media invalid, stops playback and reports err.
func (c *PlayerControl) fail(err error) {
	c.update(func() []Event {
		events := c.setStatusLocked(StatusInvalid)
		events = append(events, c.setStateLocked(StateStopped)...)
		return append(events, Event{Kind: EventError, Err: err})
	})
}

// endOfMedia stops at the end of the stream.
func (c *PlayerControl) endOfMedia() {
	c.update(func() []Event {
		events := c.setStatusLocked(StatusEndOfMedia)
		return append(events, c.setStateLocked(StateStopped)...)
	})
}
