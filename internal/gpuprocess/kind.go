package gpuprocess

import "fmt"

// Kind selects which of the two GPU processes a host runs.
type Kind int

const (
	KindSandboxed Kind = iota
	KindUnsandboxed
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindSandboxed:
		return "sandboxed"
	case KindUnsandboxed:
		return "unsandboxed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names returned by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "sandboxed", "":
		return KindSandboxed, nil
	case "unsandboxed":
		return KindUnsandboxed, nil
	}
	return 0, fmt.Errorf("gpuprocess: unknown kind %q", s)
}

// State is a host's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateLaunching
	StateConnected
	StateCrashed
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateConnected:
		return "connected"
	case StateCrashed:
		return "crashed"
	case StateShutDown:
		return "shut_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TerminationStatus classifies how a GPU process ended.
type TerminationStatus int

const (
	TerminationNormal TerminationStatus = iota
	TerminationAbnormal
	TerminationKilled
	TerminationCrashed
	TerminationLaunchFailed
	TerminationStillRunning
)

func (t TerminationStatus) String() string {
	switch t {
	case TerminationNormal:
		return "normal"
	case TerminationAbnormal:
		return "abnormal"
	case TerminationKilled:
		return "killed"
	case TerminationCrashed:
		return "crashed"
	case TerminationLaunchFailed:
		return "launch_failed"
	case TerminationStillRunning:
		return "still_running"
	default:
		return fmt.Sprintf("termination(%d)", int(t))
	}
}

// EstablishStatus is the outcome of a channel request.
type EstablishStatus int

const (
	EstablishSuccess EstablishStatus = iota
	EstablishGPUAccessDenied
	EstablishGPUHostInvalid
)

func (s EstablishStatus) String() string {
	switch s {
	case EstablishSuccess:
		return "success"
	case EstablishGPUAccessDenied:
		return "gpu_access_denied"
	case EstablishGPUHostInvalid:
		return "gpu_host_invalid"
	default:
		return fmt.Sprintf("establish(%d)", int(s))
	}
}
