package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// State is the filter status shown to the user.
type State string

// States.
const (
	StateIndeterminate      State = "indeterminate"
	StateDisabled           State = "disabled"
	StateRunning            State = "running"
	StateStopped            State = "stopped"
	StateNotInstalled       State = "notInstalled"
	StateNeedApproval       State = "needApproval"
	StateWaitingForApproval State = "waitingForApproval"
	StateExtensionNotReady  State = "extensionNotReady"
	StateError              State = "error"
)

// Status is the current filter status.
type Status struct {
	State State `json:"state"`
	// Reason explains the error and extensionNotReady states.
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since"`
}

func (s Status) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s (%s)", s.State, s.Reason)
	}
	return string(s.State)
}

// ValidTransition reports whether the status may change from one state to
// another. While approval is needed, only approval progress or a successful
// registration may change it.
func ValidTransition(from, to State) bool {
	if from == StateNeedApproval {
		switch to {
		case StateNeedApproval, StateWaitingForApproval, StateRunning:
			return true
		default:
			return false
		}
	}
	return true
}

// Phase names the step of the lifecycle that failed.
type Phase string

// Phases.
const (
	PhaseLoadConfiguration Phase = "load-configuration"
	PhaseActivation        Phase = "activation"
	PhaseRegistration      Phase = "registration"
	PhaseSaveConfig        Phase = "save-config"
)

// PhaseError wraps an error with the phase it occurred in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseErr(phase Phase, err error) error {
	return &PhaseError{Phase: phase, Err: err}
}

// ErrRegistrationRefused is returned when the interceptor does not accept
// the registration.
var ErrRegistrationRefused = errors.New("registration refused")
