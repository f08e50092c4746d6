// Package host defines the host services the controller depends on: the
// filter configuration and the extension activation.
package host

import (
	"context"
	"errors"

	"github.com/safing/portgate/service/mgr"
)

// Errors.
var (
	ErrActivationRejected = errors.New("activation rejected")
	ErrReplaceCanceled    = errors.New("extension replacement canceled")
)

// ActivationResult is the outcome of a successful activation.
type ActivationResult uint8

// Activation results.
const (
	ActivationCompleted ActivationResult = iota + 1
	ActivationWillCompleteAfterReboot
)

func (r ActivationResult) String() string {
	switch r {
	case ActivationCompleted:
		return "completed"
	case ActivationWillCompleteAfterReboot:
		return "will complete after reboot"
	default:
		return "unknown"
	}
}

// ReplacementAction answers whether an installed extension is replaced.
type ReplacementAction uint8

// Replacement actions.
const (
	ReplacementCancel ReplacementAction = iota
	ReplacementReplace
)

// ExtensionInfo identifies an installed or requested extension.
type ExtensionInfo struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Version    string `json:"version" yaml:"version"`
}

// ActivationDelegate receives the asynchronous outcome of an activation.
type ActivationDelegate interface {
	ActivationFinished(result ActivationResult)
	ActivationFailed(err error)
	NeedsUserApproval()
	ReplaceExtension(existing, replacement ExtensionInfo) ReplacementAction
}

// Extensions submits extension activation requests.
type Extensions interface {
	// Activate submits an activation request. The outcome is reported to
	// the delegate later. An error means the request was not submitted.
	Activate(ctx context.Context, delegate ActivationDelegate) error
}

// Configuration is the host filter configuration.
// Installed and Enabled report the state of the last Load.
type Configuration interface {
	Load(ctx context.Context) error
	Installed() bool
	Enabled() bool
	SetEnabled(enabled bool)
	Save(ctx context.Context) error

	// ConfigChanged is submitted when the configuration was changed
	// by someone else.
	ConfigChanged() *mgr.EventMgr[struct{}]
}
