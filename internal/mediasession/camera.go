package mediasession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/breeze-rmm/gpuhost/internal/logging"
)

// CameraState is the lifecycle state of a CameraSession.
type CameraState int

const (
	CameraUnloaded CameraState = iota
	CameraLoading
	CameraLoaded
	CameraStarting
	CameraActive
	CameraStopping
)

func (s CameraState) String() string {
	switch s {
	case CameraLoading:
		return "loading"
	case CameraLoaded:
		return "loaded"
	case CameraStarting:
		return "starting"
	case CameraActive:
		return "active"
	case CameraStopping:
		return "stopping"
	default:
		return "unloaded"
	}
}

// CameraSession builds a capture pipeline from a backend. Resources are
// acquired in order and released in reverse.
type CameraSession struct {
	backend CaptureBackend

	mu    sync.Mutex
	state CameraState
	// held is in acquisition order.
	held  []io.Closer
	graph io.Closer
}

func NewCameraSession(b CaptureBackend) *CameraSession {
	return &CameraSession{backend: b}
}

func (c *CameraSession) State() CameraState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CameraSession) transition(from, to CameraState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s to %s from %s", ErrInvalidTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

func (c *CameraSession) setState(s CameraState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Load opens device and connects the pipeline. On failure every resource
// acquired so far is released and the session returns to Unloaded.
func (c *CameraSession) Load(ctx context.Context, device string) (err error) {
	if err := c.transition(CameraUnloaded, CameraLoading); err != nil {
		return err
	}
	var held []io.Closer
	defer func() {
		if err != nil {
			releaseAll(held)
			c.setState(CameraUnloaded)
			log.Warn("camera load failed", "device", device, logging.KeyError, err)
		}
	}()

	graph, err := c.backend.NewFilterGraph()
	if err != nil {
		return fmt.Errorf("mediasession: filter graph: %w", err)
	}
	held = append(held, graph)

	builder, err := c.backend.NewCaptureBuilder(graph)
	if err != nil {
		return fmt.Errorf("mediasession: capture builder: %w", err)
	}
	held = append(held, builder)

	dev, err := c.backend.OpenDevice(ctx, device)
	if err != nil {
		return fmt.Errorf("mediasession: open device %s: %w", device, err)
	}
	held = append(held, dev)

	grabber, err := c.backend.NewSampleGrabber(graph)
	if err != nil {
		return fmt.Errorf("mediasession: sample grabber: %w", err)
	}
	held = append(held, grabber)

	if err = c.backend.Connect(graph, builder, dev, grabber); err != nil {
		return fmt.Errorf("mediasession: connect: %w", err)
	}

	c.mu.Lock()
	c.held = held
	c.graph = graph
	c.state = CameraLoaded
	c.mu.Unlock()
	log.Info("camera loaded", "device", device)
	return nil
}

// Start runs the loaded pipeline.
func (c *CameraSession) Start() error {
	if err := c.transition(CameraLoaded, CameraStarting); err != nil {
		return err
	}
	if err := c.backend.Start(c.graphRef()); err != nil {
		c.setState(CameraLoaded)
		return fmt.Errorf("mediasession: start: %w", err)
	}
	c.setState(CameraActive)
	return nil
}

// Stop halts an active pipeline. The session stays loaded even when the
// backend reports an error.
func (c *CameraSession) Stop() error {
	if err := c.transition(CameraActive, CameraStopping); err != nil {
		return err
	}
	err := c.backend.Stop(c.graphRef())
	c.setState(CameraLoaded)
	if err != nil {
		return fmt.Errorf("mediasession: stop: %w", err)
	}
	return nil
}

// Unload releases the pipeline, stopping it first when active. Unloading
// an unloaded session is a no-op.
func (c *CameraSession) Unload() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	var errs []error
	switch state {
	case CameraUnloaded:
		return nil
	case CameraActive:
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	case CameraLoaded:
	default:
		return fmt.Errorf("%w: unload from %s", ErrInvalidTransition, state)
	}

	c.mu.Lock()
	held := c.held
	c.held = nil
	c.graph = nil
	c.state = CameraUnloaded
	c.mu.Unlock()

	if err := releaseAll(held); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *CameraSession) graphRef() io.Closer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

// releaseAll closes resources in reverse acquisition order.
func releaseAll(held []io.Closer) error {
	var errs []error
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
