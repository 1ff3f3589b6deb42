package mediasession

import (
	"fmt"
	"runtime"

	"github.com/go-ole/go-ole"
)

// initWorkerThread pins the worker to its OS thread and joins a COM
// apartment there. The returned func undoes both.
func initWorkerThread() (func(), error) {
	runtime.LockOSThread()
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("mediasession: initialize COM: %w", err)
	}
	return func() {
		ole.CoUninitialize()
		runtime.UnlockOSThread()
	}, nil
}
