package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultForwardBuffer = 512

// Entry is a single log record handed to a Forwarder.
type Entry struct {
	Time      time.Time
	Level     slog.Level
	Component string
	Message   string
	Fields    map[string]any
}

// Sink receives forwarded entries on the forwarder's goroutine.
// Returning an error drops the entry.
type Sink func(Entry) error

// Forwarder buffers log entries and delivers them to a Sink from a single
// goroutine. Until a sink is attached entries stay buffered; once the
// buffer is full new entries are dropped.
type Forwarder struct {
	buffer   chan Entry
	sinkCh   chan Sink
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	minLevel atomic.Int64
	dropped  atomic.Int64
}

// NewForwarder creates a forwarder that accepts records at or above minLevel.
func NewForwarder(minLevel string, bufferSize int) *Forwarder {
	if bufferSize <= 0 {
		bufferSize = defaultForwardBuffer
	}
	f := &Forwarder{
		buffer: make(chan Entry, bufferSize),
		sinkCh: make(chan Sink, 1),
		stopCh: make(chan struct{}),
	}
	f.minLevel.Store(int64(ParseLevel(minLevel)))
	f.wg.Add(1)
	go f.loop()
	return f
}

// Attach sets the sink. Entries buffered so far are flushed to it first.
func (f *Forwarder) Attach(s Sink) {
	select {
	case f.sinkCh <- s:
	case <-f.stopCh:
	}
}

// Accepts reports whether a record at level would be forwarded.
func (f *Forwarder) Accepts(level slog.Level) bool {
	return int64(level) >= f.minLevel.Load()
}

// SetMinLevel adjusts the forwarding threshold.
func (f *Forwarder) SetMinLevel(level string) {
	f.minLevel.Store(int64(ParseLevel(level)))
}

// Dropped returns the number of entries lost to a full buffer or sink errors.
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Enqueue never blocks.
func (f *Forwarder) Enqueue(e Entry) {
	select {
	case f.buffer <- e:
	default:
		n := f.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			fmt.Fprintf(os.Stderr, "[log-forwarder] buffer full, dropped %d entries\n", n)
		}
	}
}

// Stop delivers what is buffered to the current sink and ends the loop.
// Safe to call more than once.
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Forwarder) loop() {
	defer f.wg.Done()

	var sink Sink
	deliver := func(e Entry) {
		if err := sink(e); err != nil {
			f.dropped.Add(1)
		}
	}

	for {
		if sink == nil {
			select {
			case sink = <-f.sinkCh:
			case <-f.stopCh:
				return
			}
			continue
		}

		select {
		case s := <-f.sinkCh:
			sink = s
		case e := <-f.buffer:
			deliver(e)
		case <-f.stopCh:
			for {
				select {
				case e := <-f.buffer:
					deliver(e)
				default:
					return
				}
			}
		}
	}
}
