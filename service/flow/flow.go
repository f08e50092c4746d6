// Package flow defines the flow, verdict and decision event types shared by
// the interceptor and the controller.
package flow

import (
	"fmt"
	"strconv"
	"time"
)

// ID is an opaque handle of the host filter subsystem.
// It identifies exactly one flow to resume.
type ID uint64

// Direction is the direction of a flow.
type Direction uint8

// Flow directions.
const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "outbound":
		*d = Outbound
	case "inbound":
		*d = Inbound
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// Verdict is the allow/drop decision for a flow.
type Verdict uint8

// Verdicts.
const (
	VerdictAllow Verdict = iota + 1
	VerdictDrop
)

// VerdictFor returns the verdict for the given allowed state.
func VerdictFor(allowed bool) Verdict {
	if allowed {
		return VerdictAllow
	}
	return VerdictDrop
}

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDrop:
		return "drop"
	default:
		return "undecided"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	switch string(text) {
	case "allow":
		*v = VerdictAllow
	case "drop":
		*v = VerdictDrop
	default:
		return fmt.Errorf("unknown verdict %q", text)
	}
	return nil
}

// Action is the immediate answer to the host when a new flow is seen.
type Action uint8

// Actions.
const (
	// ActionAllow lets the flow pass right away.
	ActionAllow Action = iota + 1
	// ActionDrop drops the flow right away.
	ActionDrop
	// ActionPause holds the flow until it is resumed with a verdict.
	ActionPause
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDrop:
		return "drop"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// Descriptor describes a new flow. It is immutable once captured.
type Descriptor struct {
	ID         ID
	AppID      string
	RemoteHost string
	RemotePort uint16
	Direction  Direction
}

func (d Descriptor) String() string {
	appID := d.AppID
	if appID == "" {
		appID = "<unknown>"
	}
	return fmt.Sprintf("#%d %s %s %s:%d", d.ID, appID, d.Direction, d.RemoteHost, d.RemotePort)
}

// Resumer resumes paused flows. It is implemented by the host filter subsystem.
type Resumer interface {
	Resume(id ID, verdict Verdict) error
}

// ResumerFunc is a function adapter for Resumer.
type ResumerFunc func(id ID, verdict Verdict) error

// Resume implements Resumer.
func (fn ResumerFunc) Resume(id ID, verdict Verdict) error {
	return fn(id, verdict)
}

// DecisionEvent records a decision for display.
type DecisionEvent struct {
	AppID      string    `json:"appId"`
	RemoteHost string    `json:"remoteHost"`
	RemotePort uint16    `json:"remotePort"`
	Direction  Direction `json:"direction"`
	Verdict    Verdict   `json:"verdict"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDecisionEvent returns a decision event for the given flow.
func NewDecisionEvent(d Descriptor, verdict Verdict) DecisionEvent {
	return DecisionEvent{
		AppID:      d.AppID,
		RemoteHost: d.RemoteHost,
		RemotePort: d.RemotePort,
		Direction:  d.Direction,
		Verdict:    verdict,
		Timestamp:  time.Now(),
	}
}
