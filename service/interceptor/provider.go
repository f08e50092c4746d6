// Package interceptor provides the flow interceptor, which asks the
// registered controller for a verdict on every new flow.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tevino/abool"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/relay"
)

// Provider is the flow interceptor module. It serves the relay endpoint,
// tracks at most one active controller and decides new flows through it.
type Provider struct {
	mgr      *mgr.Manager
	instance instance

	server          *relay.Server
	decisionTimeout time.Duration

	peer     *relay.ControllerClient
	peerLock sync.Mutex

	pending sync.Map // flow.ID -> struct{}

	approvalNeeded *abool.AtomicBool
}

type instance interface {
	FlowResumer() flow.Resumer
}

// Config configures the provider.
type Config struct {
	// SocketPath is the relay endpoint the controller connects to.
	SocketPath string
	// DecisionTimeout bounds the wait for a verdict. Zero waits until the
	// controller answers or goes away.
	DecisionTimeout time.Duration
}

// New returns a new provider.
func New(instance instance, cfg Config) *Provider {
	m := mgr.New("Interceptor")
	p := &Provider{
		mgr:             m,
		instance:        instance,
		decisionTimeout: cfg.DecisionTimeout,
		approvalNeeded:  abool.New(),
	}
	p.server = relay.NewServer(m, cfg.SocketPath, func(c *relay.Conn) {
		relay.BindInterceptorService(c, p)
	})
	return p
}

// Manager returns the module manager.
func (p *Provider) Manager() *mgr.Manager {
	return p.mgr
}

// Start starts serving the relay endpoint.
func (p *Provider) Start() error {
	return p.server.Start()
}

// Stop stops the relay endpoint. Pending flows fail open.
func (p *Provider) Stop() error {
	return p.server.Stop()
}

// Register implements relay.InterceptorService.
func (p *Provider) Register(ctx context.Context) (bool, error) {
	conn := relay.ConnFromContext(ctx)
	if conn == nil {
		return false, errors.New("register called without a connection")
	}

	p.peerLock.Lock()
	if p.peer != nil && !p.peer.Conn().IsClosed() {
		active := p.peer.Conn()
		p.peerLock.Unlock()

		if active != conn {
			log.Infof("interceptor: ignoring registration from %s, controller %s is active", conn.ID(), active.ID())
		}
		return true, nil
	}
	peer := relay.NewControllerClient(conn)
	p.peer = peer
	p.peerLock.Unlock()

	// Called right away if conn is already closed, so p.peerLock must not be held.
	conn.OnClose(p.peerGone)
	log.Infof("interceptor: controller %s registered", conn.ID())

	if p.approvalNeeded.IsSet() {
		if err := peer.NotifyApprovalNeeded(ctx); err != nil {
			log.Warningf("interceptor: failed to notify %s about needed approval: %s", conn.ID(), err)
		}
	}
	return true, nil
}

func (p *Provider) peerGone(conn *relay.Conn) {
	p.peerLock.Lock()
	defer p.peerLock.Unlock()

	if p.peer != nil && p.peer.Conn() == conn {
		p.peer = nil
		log.Infof("interceptor: controller %s went away, flows fail open", conn.ID())
	}
}

func (p *Provider) currentPeer() *relay.ControllerClient {
	p.peerLock.Lock()
	defer p.peerLock.Unlock()

	if p.peer == nil || p.peer.Conn().IsClosed() {
		return nil
	}
	return p.peer
}

// Registered returns whether a live controller is registered.
func (p *Provider) Registered() bool {
	return p.currentPeer() != nil
}

// HandleNewFlow decides what to do with a new flow.
// Without a controller the flow is allowed right away. Otherwise the flow is
// paused and resumed exactly once when the verdict is known.
func (p *Provider) HandleNewFlow(d flow.Descriptor) flow.Action {
	peer := p.currentPeer()
	if peer == nil {
		flowsFailOpen.Inc()
		flowsAllowed.Inc()
		log.Debugf("interceptor: no controller registered, allowing %s", d)
		return flow.ActionAllow
	}

	if _, loaded := p.pending.LoadOrStore(d.ID, struct{}{}); loaded {
		log.Warningf("interceptor: flow %d is already pending", d.ID)
		return flow.ActionPause
	}
	pendingFlows.Add(1)

	p.mgr.Go("decide flow", func(w *mgr.WorkerCtx) error {
		p.decide(w.Ctx(), peer, d)
		return nil
	})
	return flow.ActionPause
}

func (p *Provider) decide(ctx context.Context, peer *relay.ControllerClient, d flow.Descriptor) {
	if p.decisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.decisionTimeout)
		defer cancel()
	}

	var fallback string
	allow, err := peer.RequestDecision(ctx, relay.NewDecisionRequest(d))
	if err != nil {
		flowsFailOpen.Inc()
		allow = true
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			fallback = fmt.Sprintf("decision for %s timed out, allowing", d)
		default:
			fallback = fmt.Sprintf("failed to get decision for %s, allowing: %s", d, err)
		}
		log.Warningf("interceptor: %s", fallback)
	}

	verdict := flow.VerdictFor(allow)
	if err := p.resume(d.ID, verdict); err != nil {
		log.Errorf("interceptor: failed to resume %s: %s", d, err)
	}
	if fallback != "" {
		p.pushLog(peer, fallback)
	}

	// Report the applied verdict if the controller is still there.
	if peer.Conn().IsClosed() {
		return
	}
	reportCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := peer.ReportDecision(reportCtx, flow.NewDecisionEvent(d, verdict)); err != nil {
		log.Debugf("interceptor: failed to report decision for %s: %s", d, err)
	}
}

// resume resumes a pending flow. Only the first call per flow has an effect.
func (p *Provider) resume(id flow.ID, verdict flow.Verdict) error {
	if _, ok := p.pending.LoadAndDelete(id); !ok {
		return fmt.Errorf("flow %d is not pending", id)
	}
	pendingFlows.Add(-1)
	countVerdict(verdict)

	resumer := p.instance.FlowResumer()
	if resumer == nil {
		return errors.New("no flow resumer")
	}
	return resumer.Resume(id, verdict)
}

func (p *Provider) pushLog(peer *relay.ControllerClient, text string) {
	if peer.Conn().IsClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := peer.PushLog(ctx, text); err != nil {
		log.Debugf("interceptor: failed to push log to controller: %s", err)
	}
}

// RequireApproval marks the host filter as lacking the permissions to
// intercept. The registered controller, and every controller registering
// later, is told that the user must approve the extension.
func (p *Provider) RequireApproval() {
	if !p.approvalNeeded.SetToIf(false, true) {
		return
	}
	peer := p.currentPeer()
	if peer == nil {
		return
	}
	if err := peer.NotifyApprovalNeeded(p.mgr.Ctx()); err != nil {
		log.Warningf("interceptor: failed to notify %s about needed approval: %s", peer.Conn().ID(), err)
	}
}
