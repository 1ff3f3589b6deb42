package ipc

// Exit codes the GPU process uses so the host can classify its termination.
const (
	ExitNormal         = 0
	ExitDeadOnArrival  = 0
	ExitSimulatedCrash = 70
	ExitWatchdog       = 71
	ExitLostConnection = 72
	ExitInitFailed     = 73
)
