// Package mediasession adapts media playback and camera capture onto an
// abstract filter graph. The graph itself (COM objects on Windows) is an
// external collaborator behind the Graph and CaptureBackend interfaces.
package mediasession

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

var log = logging.L("mediasession")

var (
	ErrClosed            = errors.New("mediasession: closed")
	ErrNoSource          = errors.New("mediasession: no source")
	ErrInvalidTransition = errors.New("mediasession: invalid state transition")
)

// GraphEvent is an asynchronous notification from a running graph.
type GraphEvent int

const (
	EventComplete GraphEvent = iota
	EventErrorAbort
	EventBufferingStarted
	EventBufferingStopped
	EventDurationChanged
)

func (e GraphEvent) String() string {
	switch e {
	case EventComplete:
		return "complete"
	case EventErrorAbort:
		return "error_abort"
	case EventBufferingStarted:
		return "buffering_started"
	case EventBufferingStopped:
		return "buffering_stopped"
	case EventDurationChanged:
		return "duration_changed"
	default:
		return "unknown"
	}
}

// Graph is a playback pipeline. Open and Render may block for a long
// time; they must return promptly once ctx is cancelled.
type Graph interface {
	Open(ctx context.Context, source string) error
	Render(ctx context.Context) error
	Run() error
	Pause() error
	Stop() error
	SetRate(rate float64) error
	Seek(pos time.Duration) error
	Duration() time.Duration
	// Events delivers graph notifications. It may return nil.
	Events() <-chan GraphEvent
	ReleaseOutputs() error
	io.Closer
}

// GraphFactory creates a fresh graph for each load.
type GraphFactory func() (Graph, error)

// CaptureBackend hands out the resources a camera session is built from.
// Every returned resource is owned by the caller until closed.
type CaptureBackend interface {
	NewFilterGraph() (io.Closer, error)
	NewCaptureBuilder(graph io.Closer) (io.Closer, error)
	OpenDevice(ctx context.Context, device string) (io.Closer, error)
	NewSampleGrabber(graph io.Closer) (io.Closer, error)
	// Connect wires the device through the grabber into the graph.
	Connect(graph, builder, device, grabber io.Closer) error
	Start(graph io.Closer) error
	Stop(graph io.Closer) error
}
