// Package controller serves the controller side of the relay: decisions
// from the policy store, approval notifications and the event log.
package controller

import (
	"context"
	"fmt"

	"github.com/safing/portgate/service/eventlog"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/policy"
	"github.com/safing/portgate/service/relay"
)

// ApprovalNotifier is told when the user must approve the extension.
type ApprovalNotifier interface {
	ApprovalNeeded()
}

type instance interface {
	Policy() *policy.Policy
	EventLog() *eventlog.EventLog
	ApprovalNotifier() ApprovalNotifier
}

// Controller implements relay.ControllerService.
type Controller struct {
	mgr      *mgr.Manager
	instance instance
}

var _ relay.ControllerService = &Controller{}

// New returns a new controller.
func New(instance instance) *Controller {
	return &Controller{
		mgr:      mgr.New("Controller"),
		instance: instance,
	}
}

// Manager returns the module manager.
func (c *Controller) Manager() *mgr.Manager {
	return c.mgr
}

// Start is a no-op.
func (c *Controller) Start() error {
	return nil
}

// Stop is a no-op.
func (c *Controller) Stop() error {
	return nil
}

// RequestDecision resolves the app's policy. Storage errors are returned to
// the interceptor, which lets the flow pass.
func (c *Controller) RequestDecision(ctx context.Context, req relay.DecisionRequest) (bool, error) {
	allow, err := c.instance.Policy().ShouldAllow(ctx, req.AppID)
	if err != nil {
		c.mgr.Warn(
			"failed to resolve policy",
			"app", req.AppID,
			"remote", fmt.Sprintf("%s:%d", req.RemoteHost, req.RemotePort),
			"err", err,
		)
		return false, err
	}

	c.mgr.Debug(
		"decided",
		"app", req.AppID,
		"remote", fmt.Sprintf("%s:%d", req.RemoteHost, req.RemotePort),
		"direction", req.Direction,
		"verdict", flow.VerdictFor(allow),
	)
	return allow, nil
}

// NotifyApprovalNeeded forwards the approval request to the lifecycle.
func (c *Controller) NotifyApprovalNeeded(_ context.Context) error {
	c.instance.ApprovalNotifier().ApprovalNeeded()
	return nil
}

// PushLog logs a line from the interceptor.
func (c *Controller) PushLog(_ context.Context, text string) error {
	c.mgr.Info("interceptor: " + text)
	return nil
}

// ReportDecision adds the event to the event log.
func (c *Controller) ReportDecision(ctx context.Context, event flow.DecisionEvent) error {
	c.instance.EventLog().Append(ctx, event)
	return nil
}
