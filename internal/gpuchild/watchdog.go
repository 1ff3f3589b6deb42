package gpuchild

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
)

// watchdog terminates the process when the dispatcher stops answering.
// It offers a probe on a channel the dispatcher selects on; every answered
// probe counts as an acknowledgement.
type watchdog struct {
	timeout atomic.Int64
	lastAck atomic.Int64
	probes  chan struct{}
	exit    func(int)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	fired    atomic.Bool
}

func newWatchdog(timeout time.Duration, exit func(int)) *watchdog {
	w := &watchdog{
		probes: make(chan struct{}, 1),
		exit:   exit,
		stopCh: make(chan struct{}),
	}
	w.timeout.Store(int64(timeout))
	return w
}

func (w *watchdog) start() {
	w.lastAck.Store(time.Now().UnixNano())
	w.wg.Add(1)
	go w.run()
}

func (w *watchdog) run() {
	defer w.wg.Done()
	for {
		interval := max(time.Duration(w.timeout.Load())/4, 5*time.Millisecond)
		select {
		case <-w.stopCh:
			return
		case <-time.After(interval):
		}

		select {
		case w.probes <- struct{}{}:
		default:
		}

		since := time.Since(time.Unix(0, w.lastAck.Load()))
		if since > time.Duration(w.timeout.Load()) {
			log.Error("watchdog timeout, terminating gpu process", "unresponsive", since.Round(time.Millisecond))
			w.fired.Store(true)
			w.exit(ipc.ExitWatchdog)
			return
		}
	}
}

// probe returns the channel the dispatcher acknowledges on. A nil watchdog
// yields a nil channel, which never fires in a select.
func (w *watchdog) probe() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.probes
}

func (w *watchdog) ack() {
	w.lastAck.Store(time.Now().UnixNano())
}

func (w *watchdog) setTimeout(d time.Duration) {
	if w == nil || d <= 0 {
		return
	}
	w.timeout.Store(int64(d))
}

func (w *watchdog) stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
