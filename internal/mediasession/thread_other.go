//go:build !windows

package mediasession

func initWorkerThread() (func(), error) {
	return func() {}, nil
}
