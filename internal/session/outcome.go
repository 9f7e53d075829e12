package session

// Outcome says how a recording run ended.
type Outcome int

const (
	// Failed means the run never started: the probe failed or a resource
	// could not be set up.
	Failed Outcome = iota
	// Stopped means the operator asked the run to stop.
	Stopped
	// Ended means the source stopped producing.
	Ended
	// Fault means the segmenter gave up on a stall, an overflow or a lost
	// recording process.
	Fault
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	case Ended:
		return "ended"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Restartable reports whether a supervisor should start the camera again.
func (o Outcome) Restartable() bool { return o != Stopped }

// Process exit codes for single-camera runs.
const (
	ExitStopped = 0
	ExitFailed  = 1
	ExitRestart = 2
)

// ExitCode maps an outcome to the process exit status a supervising process
// uses to decide between restarting and leaving the camera stopped.
func ExitCode(o Outcome) int {
	switch o {
	case Stopped:
		return ExitStopped
	case Ended, Fault:
		return ExitRestart
	default:
		return ExitFailed
	}
}
