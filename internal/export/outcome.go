package export

import (
	"fmt"

	"compitutto/internal/run"
)

// Status is the terminal result of an export attempt.
type Status int

const (
	Captured Status = iota + 1
	TimedOut
	TriggerNotFound
	ModalUnresolvable
)

func (s Status) String() string {
	switch s {
	case Captured:
		return "captured"
	case TimedOut:
		return "timed-out"
	case TriggerNotFound:
		return "trigger-not-found"
	case ModalUnresolvable:
		return "modal-unresolvable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Branch is the detection branch taken after the trigger fired.
type Branch string

const (
	BranchNone         Branch = ""
	BranchDownload     Branch = "download-detected"
	BranchModal        Branch = "modal-detected"
	BranchNewWindow    Branch = "new-window-detected"
	BranchUndetermined Branch = "undetermined"
)

// Outcome is what the coordinator reports once Finalized.
type Outcome struct {
	Status        Status
	Branch        Branch
	Path          string
	SuggestedName string
	Size          int64
	// Recovery names the recovery step that produced the download, if any.
	Recovery string
	Fill     FillResult
}

// Err maps a non-captured outcome onto the run error taxonomy.
func (o Outcome) Err() error {
	switch o.Status {
	case Captured:
		return nil
	case TimedOut:
		return run.Failf(run.ErrDownloadTimeout, run.ReasonTimedOut, "branch %s", o.branchName())
	case TriggerNotFound:
		return run.Fail(run.ErrResolution, run.ReasonTriggerNotFound, nil)
	case ModalUnresolvable:
		return run.Failf(run.ErrResolution, run.ReasonModalUnresolvable, "confirm control never resolved")
	default:
		return fmt.Errorf("export ended without an outcome")
	}
}

func (o Outcome) branchName() string {
	if o.Branch == BranchNone {
		return "none"
	}
	return string(o.Branch)
}
