// Package coordinator drives the filter lifecycle: installation, approval,
// registration with the interceptor and enabling or disabling the filter.
// All state changes happen in a single status loop.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/safing/portgate/service/host"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/relay"
)

const (
	eventQueueSize      = 32
	registrationTimeout = 10 * time.Second
	hostTimeout         = 10 * time.Second
)

// Coordinator is the lifecycle coordinator module.
type Coordinator struct {
	mgr      *mgr.Manager
	instance instance

	socketPath string
	events     chan any
	current    atomic.Pointer[Status]

	// StatusChanged is submitted on every status change.
	StatusChanged *mgr.EventMgr[Status]

	// Owned by the status loop.
	status      Status
	conn        *relay.Conn
	registering bool
	wantRunning bool
	attempt     uint64
}

type instance interface {
	HostConfiguration() host.Configuration
	HostExtensions() host.Extensions
	ControllerService() relay.ControllerService
}

// New returns a new coordinator that registers with the interceptor at
// socketPath.
func New(instance instance, socketPath string) *Coordinator {
	m := mgr.New("Coordinator")
	c := &Coordinator{
		mgr:           m,
		instance:      instance,
		socketPath:    socketPath,
		events:        make(chan any, eventQueueSize),
		StatusChanged: mgr.NewEventMgr[Status]("status changed", m),
		status: Status{
			State: StateIndeterminate,
			Since: time.Now(),
		},
	}
	c.current.Store(&c.status)
	return c
}

// Manager returns the module manager.
func (c *Coordinator) Manager() *mgr.Manager {
	return c.mgr
}

// Start starts the status loop and boots the lifecycle.
func (c *Coordinator) Start() error {
	c.instance.HostConfiguration().ConfigChanged().AddCallback(
		"coordinator",
		func(_ *mgr.WorkerCtx, _ struct{}) (bool, error) {
			c.post(evConfigChanged{})
			return false, nil
		},
	)

	c.mgr.Go("status loop", c.loop)
	c.post(evBoot{})
	return nil
}

// Stop stops the status loop. The connection to the interceptor is closed
// with the manager.
func (c *Coordinator) Stop() error {
	return nil
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	return *c.current.Load()
}

// Install submits the extension activation.
func (c *Coordinator) Install() { c.post(evInstall{}) }

// StartFilter enables the filter and registers with the interceptor.
func (c *Coordinator) StartFilter() { c.post(evStart{}) }

// StopFilter disables the filter and drops the interceptor connection.
func (c *Coordinator) StopFilter() { c.post(evStop{}) }

// RetryRegister retries the registration after it failed.
func (c *Coordinator) RetryRegister() { c.post(evRetryRegister{}) }

// ApprovalNeeded reports that the user must approve the extension.
func (c *Coordinator) ApprovalNeeded() { c.post(evApprovalNeeded{}) }

func (c *Coordinator) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.mgr.Done():
	}
}

func (c *Coordinator) loop(w *mgr.WorkerCtx) error {
	for {
		select {
		case ev := <-c.events:
			c.handle(w, ev)
		case <-w.Done():
			c.dropConn()
			return nil
		}
	}
}

func (c *Coordinator) handle(w *mgr.WorkerCtx, ev any) {
	switch ev := ev.(type) {
	case evBoot:
		c.boot(w)
	case evInstall:
		c.install(w)
	case evStart:
		c.start(w)
	case evStop:
		c.stop(w)
	case evRetryRegister:
		if c.status.State == StateExtensionNotReady {
			c.enterRunning()
		}
	case evConfigChanged:
		c.configChanged(w)
	case evApprovalNeeded:
		c.approvalNeeded()
	case evActivationFinished:
		c.activationFinished(w, ev.result)
	case evActivationFailed:
		c.activationFailed(ev.err)
	case evRegistered:
		c.registered(ev)
	case evPeerDied:
		c.peerDied(ev.conn)
	default:
		w.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) setStatus(state State, reason error) {
	next := Status{State: state, Since: time.Now()}
	if reason != nil {
		next.Reason = reason.Error()
	}
	if next.State == c.status.State && next.Reason == c.status.Reason {
		return
	}
	if !ValidTransition(c.status.State, state) {
		c.mgr.Warn("refusing status change", "from", c.status.State, "to", state)
		return
	}

	c.mgr.Info("status changed", "from", c.status.State, "to", next)
	c.status = next
	c.current.Store(&next)
	c.StatusChanged.Submit(next)
}

func (c *Coordinator) isApprovalPending() bool {
	return c.status.State == StateNeedApproval || c.status.State == StateWaitingForApproval
}

func (c *Coordinator) connected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Coordinator) boot(w *mgr.WorkerCtx) {
	cfg := c.instance.HostConfiguration()
	ctx, cancel := context.WithTimeout(w.Ctx(), hostTimeout)
	defer cancel()

	if err := cfg.Load(ctx); err != nil {
		c.setStatus(StateError, phaseErr(PhaseLoadConfiguration, err))
		return
	}
	switch {
	case !cfg.Installed():
		c.setStatus(StateNotInstalled, nil)
	case cfg.Enabled():
		c.enterRunning()
	default:
		c.setStatus(StateDisabled, nil)
	}
}

func (c *Coordinator) install(w *mgr.WorkerCtx) {
	if c.status.State == StateRunning || c.status.State == StateWaitingForApproval {
		c.mgr.Debug("install ignored", "status", c.status.State)
		return
	}

	c.setStatus(StateWaitingForApproval, nil)
	ctx, cancel := context.WithTimeout(w.Ctx(), hostTimeout)
	defer cancel()
	if err := c.instance.HostExtensions().Activate(ctx, activationDelegate{c: c}); err != nil {
		c.setStatus(StateError, phaseErr(PhaseActivation, err))
	}
}

func (c *Coordinator) start(w *mgr.WorkerCtx) {
	switch c.status.State {
	case StateNotInstalled, StateError:
		c.install(w)
	case StateStopped, StateDisabled, StateExtensionNotReady, StateIndeterminate:
		if err := c.saveEnabled(w, true); err != nil {
			c.setStatus(StateError, err)
			return
		}
		c.enterRunning()
	default:
		c.mgr.Debug("start ignored", "status", c.status.State)
	}
}

func (c *Coordinator) stop(w *mgr.WorkerCtx) {
	if c.isApprovalPending() {
		c.mgr.Info("stop ignored while approval is pending")
		return
	}

	c.wantRunning = false
	c.dropConn()
	if err := c.saveEnabled(w, false); err != nil {
		c.setStatus(StateError, err)
		return
	}
	c.setStatus(StateStopped, nil)
}

func (c *Coordinator) saveEnabled(w *mgr.WorkerCtx, enabled bool) error {
	cfg := c.instance.HostConfiguration()
	cfg.SetEnabled(enabled)

	ctx, cancel := context.WithTimeout(w.Ctx(), hostTimeout)
	defer cancel()
	if err := cfg.Save(ctx); err != nil {
		return phaseErr(PhaseSaveConfig, err)
	}
	return nil
}

func (c *Coordinator) configChanged(w *mgr.WorkerCtx) {
	cfg := c.instance.HostConfiguration()
	ctx, cancel := context.WithTimeout(w.Ctx(), hostTimeout)
	defer cancel()

	if err := cfg.Load(ctx); err != nil {
		if c.isApprovalPending() {
			c.mgr.Warn("failed to reload configuration", "err", err)
			return
		}
		c.setStatus(StateError, phaseErr(PhaseLoadConfiguration, err))
		return
	}

	running := c.connected() || c.registering
	switch {
	case cfg.Enabled() && cfg.Installed() && !running:
		if c.status.State == StateError || c.status.State == StateNotInstalled {
			// Needs an explicit install or start by the user.
			return
		}
		c.enterRunning()

	case !cfg.Enabled() && running:
		c.wantRunning = false
		c.dropConn()
		c.setStatus(StateStopped, nil)

	case !cfg.Enabled() && c.status.State == StateExtensionNotReady:
		c.setStatus(StateStopped, nil)

	case !cfg.Installed() && !c.isApprovalPending() && c.status.State != StateError:
		c.setStatus(StateNotInstalled, nil)
	}
}

func (c *Coordinator) approvalNeeded() {
	switch c.status.State {
	case StateWaitingForApproval, StateDisabled, StateNotInstalled, StateIndeterminate:
		c.setStatus(StateNeedApproval, nil)
	default:
		c.mgr.Info("approval needed notification ignored", "status", c.status.State)
	}
}

func (c *Coordinator) activationFinished(w *mgr.WorkerCtx, result host.ActivationResult) {
	c.mgr.Info("activation finished", "result", result)

	if c.status.State == StateNeedApproval {
		c.setStatus(StateWaitingForApproval, nil)
	}
	if err := c.saveEnabled(w, true); err != nil {
		c.setStatus(StateError, err)
		return
	}
	c.enterRunning()
}

func (c *Coordinator) activationFailed(err error) {
	if c.status.State == StateNeedApproval {
		c.mgr.Warn("activation failed while approval is pending", "err", err)
		return
	}
	c.setStatus(StateError, phaseErr(PhaseActivation, err))
}

// enterRunning registers with the interceptor unless already running or
// registering. The status changes once the registration completes.
func (c *Coordinator) enterRunning() {
	c.wantRunning = true
	if c.connected() {
		c.setStatus(StateRunning, nil)
		return
	}
	if c.registering {
		return
	}
	if c.status.State == StateNeedApproval {
		c.setStatus(StateWaitingForApproval, nil)
	}

	c.registering = true
	c.attempt++
	attempt := c.attempt
	svc := c.instance.ControllerService()

	c.mgr.Go("register with interceptor", func(w *mgr.WorkerCtx) error {
		ctx, cancel := context.WithTimeout(w.Ctx(), registrationTimeout)
		defer cancel()

		conn, err := relay.Dial(ctx, c.mgr, c.socketPath, func(conn *relay.Conn) {
			relay.BindControllerService(conn, svc)
		})
		if err == nil {
			var ok bool
			ok, err = relay.NewInterceptorClient(conn).Register(ctx)
			if err == nil && !ok {
				err = ErrRegistrationRefused
			}
			if err != nil {
				_ = conn.Close()
				conn = nil
			}
		}

		c.post(evRegistered{attempt: attempt, conn: conn, err: err})
		return nil
	})
}

func (c *Coordinator) registered(ev evRegistered) {
	if ev.attempt != c.attempt {
		// Superseded by a newer attempt.
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}
	c.registering = false

	if !c.wantRunning {
		// Stopped while registering.
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	if ev.err != nil {
		c.setStatus(StateExtensionNotReady, phaseErr(PhaseRegistration, ev.err))
		return
	}

	c.conn = ev.conn
	ev.conn.OnClose(func(conn *relay.Conn) {
		// May run in the status loop if the connection is already closed.
		go c.post(evPeerDied{conn: conn})
	})
	c.setStatus(StateRunning, nil)
}

func (c *Coordinator) peerDied(conn *relay.Conn) {
	if conn != c.conn {
		return
	}
	c.conn = nil

	if c.status.State != StateRunning {
		return
	}
	if c.wantRunning && c.instance.HostConfiguration().Enabled() {
		c.setStatus(StateExtensionNotReady, phaseErr(PhaseRegistration, relay.ErrPeerGone))
	} else {
		c.setStatus(StateStopped, nil)
	}
}

// dropConn closes the interceptor connection and invalidates any
// registration in progress.
func (c *Coordinator) dropConn() {
	if c.registering {
		c.registering = false
		c.attempt++
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		_ = conn.Close()
	}
}
