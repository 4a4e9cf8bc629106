package history

// Status is the execution state of a history record.
type Status string

const (
	StatusUnset   Status = ""
	StatusRunning Status = "Running"
	StatusDone    Status = "Done"
	StatusFailed  Status = "Failed"
	StatusStopped Status = "Stopped"
	StatusSkipped Status = "Skipped"
	StatusUnknown Status = "Unknown"
)

// Terminal is true if no further execution activity is expected after this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusStopped, StatusSkipped, StatusUnknown:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// ExitStatus maps a process exit code to a terminal status.
func ExitStatus(code int) Status {
	if code == 0 {
		return StatusDone
	}
	return StatusFailed
}
