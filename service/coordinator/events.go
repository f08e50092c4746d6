package coordinator

import (
	"github.com/safing/portgate/service/host"
	"github.com/safing/portgate/service/relay"
)

// Events processed by the status loop.
type (
	evBoot           struct{}
	evInstall        struct{}
	evStart          struct{}
	evStop           struct{}
	evRetryRegister  struct{}
	evConfigChanged  struct{}
	evApprovalNeeded struct{}

	evActivationFinished struct {
		result host.ActivationResult
	}
	evActivationFailed struct {
		err error
	}
	evRegistered struct {
		attempt uint64
		conn    *relay.Conn
		err     error
	}
	evPeerDied struct {
		conn *relay.Conn
	}
)

// activationDelegate feeds activation outcomes into the status loop.
type activationDelegate struct {
	c *Coordinator
}

var _ host.ActivationDelegate = activationDelegate{}

func (d activationDelegate) ActivationFinished(result host.ActivationResult) {
	d.c.post(evActivationFinished{result: result})
}

func (d activationDelegate) ActivationFailed(err error) {
	d.c.post(evActivationFailed{err: err})
}

func (d activationDelegate) NeedsUserApproval() {
	d.c.post(evApprovalNeeded{})
}

// ReplaceExtension always replaces the installed extension.
func (d activationDelegate) ReplaceExtension(existing, replacement host.ExtensionInfo) host.ReplacementAction {
	d.c.mgr.Info(
		"replacing extension",
		"existing", existing.Version,
		"replacement", replacement.Version,
	)
	return host.ReplacementReplace
}
