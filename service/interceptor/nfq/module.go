// Package nfq connects the flow interceptor to the linux netfilter queue.
// Only the first packet of a new connection is queued. Its verdict decides
// the whole connection.
package nfq

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tevino/abool"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/mgr"
)

// DefaultQueueNumber is the first queue number used. Outbound packets use
// it, inbound packets the next one.
const DefaultQueueNumber uint16 = 17040

// Errors.
var (
	ErrNotSupported = errors.New("netfilter queue interception is not supported on this platform")
	ErrNoPermission = errors.New("missing permission to intercept connections")
)

// FlowHandler decides new flows.
type FlowHandler interface {
	HandleNewFlow(d flow.Descriptor) flow.Action
}

type instance interface {
	FlowHandler() FlowHandler
	// RequireApproval is called when interception cannot start for
	// lack of permissions.
	RequireApproval()
}

// Interceptor is the netfilter queue module. It implements flow.Resumer.
type Interceptor struct {
	mgr      *mgr.Manager
	instance instance

	queueNumber uint16
	pending     sync.Map // flow.ID -> *pendingPacket

	start func() (stop func() error, err error)
	stop  func() error
}

type pendingPacket struct {
	setVerdict func(flow.Verdict) error
	done       *abool.AtomicBool
}

var _ flow.Resumer = &Interceptor{}

// New returns a new netfilter queue interceptor.
func New(instance instance, queueNumber uint16) *Interceptor {
	if queueNumber == 0 {
		queueNumber = DefaultQueueNumber
	}
	i := &Interceptor{
		mgr:         mgr.New("NFQueue"),
		instance:    instance,
		queueNumber: queueNumber,
	}
	i.start = i.startInterception
	return i
}

// Manager returns the module manager.
func (i *Interceptor) Manager() *mgr.Manager {
	return i.mgr
}

// Start installs the firewall rules and opens the queues.
// Without the needed permissions nothing is intercepted and the controller
// is told that approval is needed.
func (i *Interceptor) Start() error {
	stop, err := i.start()
	switch {
	case errors.Is(err, ErrNoPermission):
		log.Warningf("nfqueue: not intercepting: %s", err)
		i.instance.RequireApproval()
		return nil
	case err != nil:
		return err
	}
	i.stop = stop
	return nil
}

// Stop removes the firewall rules and closes the queues.
// Paused packets are accepted.
func (i *Interceptor) Stop() error {
	i.pending.Range(func(key, _ any) bool {
		id, _ := key.(flow.ID)
		_ = i.Resume(id, flow.VerdictAllow)
		return true
	})

	if i.stop == nil {
		return nil
	}
	err := i.stop()
	i.stop = nil
	return err
}

// Resume sets the verdict of a paused flow.
func (i *Interceptor) Resume(id flow.ID, verdict flow.Verdict) error {
	v, ok := i.pending.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("flow %d is not paused", id)
	}
	pkt, _ := v.(*pendingPacket)
	if !pkt.done.SetToIf(false, true) {
		return fmt.Errorf("verdict of flow %d already set", id)
	}
	return pkt.setVerdict(verdict)
}

// decide passes a new flow to the flow handler. setVerdict is called exactly
// once, right away or when the flow is resumed. Paused flows wait for the
// flow handler, which applies the decision timeout.
func (i *Interceptor) decide(d flow.Descriptor, setVerdict func(flow.Verdict) error) {
	pkt := &pendingPacket{
		setVerdict: setVerdict,
		done:       abool.New(),
	}
	i.pending.Store(d.ID, pkt)

	switch i.instance.FlowHandler().HandleNewFlow(d) {
	case flow.ActionPause:
		// Resumed by the flow handler.
	case flow.ActionDrop:
		_ = i.Resume(d.ID, flow.VerdictDrop)
	default:
		_ = i.Resume(d.ID, flow.VerdictAllow)
	}
}

// flowID combines queue and packet id, as packet ids are only unique per queue.
func flowID(queueID uint16, pktID uint32) flow.ID {
	return flow.ID(uint64(queueID)<<32 | uint64(pktID))
}

// permissionError marks err with ErrNoPermission if it was caused by
// missing privileges.
func permissionError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, os.ErrPermission) ||
		strings.Contains(msg, "Permission denied") ||
		strings.Contains(msg, "Operation not permitted") {
		return fmt.Errorf("%w: %w", ErrNoPermission, err)
	}
	return err
}
