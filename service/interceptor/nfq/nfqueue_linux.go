//go:build linux

package nfq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/florianl/go-nfqueue"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/mgr"
)

const (
	outputChain = "PORTGATE-OUTPUT"
	inputChain  = "PORTGATE-INPUT"
)

// rules returns the chains, chain rules and hook rules for the queues.
func rules(queueNumber uint16) (chains, chainRules, hooks []string) {
	chains = []string{
		"mangle " + outputChain,
		"mangle " + inputChain,
	}
	chainRules = []string{
		fmt.Sprintf("mangle %s -m conntrack --ctstate NEW -j NFQUEUE --queue-num %d --queue-bypass", outputChain, queueNumber),
		fmt.Sprintf("mangle %s -m conntrack --ctstate NEW -j NFQUEUE --queue-num %d --queue-bypass", inputChain, queueNumber+1),
	}
	hooks = []string{
		"mangle OUTPUT -j " + outputChain,
		"mangle INPUT -j " + inputChain,
	}
	return chains, chainRules, hooks
}

type queue struct {
	id        uint16
	direction flow.Direction
	nf        *nfqueue.Nfqueue
	cancel    context.CancelFunc
}

func (i *Interceptor) startInterception() (stop func() error, err error) {
	chains, chainRules, hooks := rules(i.queueNumber)

	protocols := []iptables.Protocol{iptables.ProtocolIPv4, iptables.ProtocolIPv6}
	for _, protocol := range protocols {
		if err := activateIPTables(protocol, chainRules, hooks, chains); err != nil {
			_ = deactivateAll(protocols, hooks, chains)
			return nil, permissionError(fmt.Errorf("activate iptables rules: %w", err))
		}
	}

	var queues []*queue
	stop = func() error {
		var result *multierror.Error
		for _, q := range queues {
			q.cancel()
			if err := q.nf.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close queue %d: %w", q.id, err))
			}
		}
		if err := deactivateAll(protocols, hooks, chains); err != nil {
			result = multierror.Append(result, err)
		}
		return result.ErrorOrNil()
	}

	for _, qc := range []struct {
		id        uint16
		direction flow.Direction
	}{
		{i.queueNumber, flow.Outbound},
		{i.queueNumber + 1, flow.Inbound},
	} {
		q, err := i.openQueue(qc.id, qc.direction)
		if err != nil {
			_ = stop()
			return nil, permissionError(fmt.Errorf("nfqueue(%s): %w", qc.direction, err))
		}
		queues = append(queues, q)
	}

	log.Infof("nfqueue: intercepting new connections on queues %d and %d", i.queueNumber, i.queueNumber+1)
	return stop, nil
}

func (i *Interceptor) openQueue(id uint16, direction flow.Direction) (*queue, error) {
	cfg := &nfqueue.Config{
		NfQueue:      id,
		MaxPacketLen: 128, // Headers only.
		MaxQueueLen:  0xffff,
		AfFamily:     unix.AF_UNSPEC,
		Copymode:     nfqueue.NfQnlCopyPacket,
		ReadTimeout:  1000 * time.Millisecond,
		WriteTimeout: 1000 * time.Millisecond,
	}

	nf, err := nfqueue.Open(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(i.mgr.Ctx())
	q := &queue{
		id:        id,
		direction: direction,
		nf:        nf,
		cancel:    cancel,
	}
	if err := nf.RegisterWithErrorFunc(ctx, i.packetHandler(q), q.handleError); err != nil {
		cancel()
		_ = nf.Close()
		return nil, err
	}
	return q, nil
}

func (q *queue) handleError(e error) int {
	if opError, ok := e.(interface { //nolint:errorlint
		Timeout() bool
		Temporary() bool
	}); ok && (opError.Timeout() || opError.Temporary()) {
		return 0
	}

	if !strings.HasSuffix(e.Error(), "use of closed file") {
		log.Errorf("nfqueue: encountered error while receiving packets on queue %d: %s", q.id, e)
	}
	return 1
}

func (i *Interceptor) packetHandler(q *queue) func(nfqueue.Attribute) int {
	return func(attrs nfqueue.Attribute) int {
		if attrs.PacketID == nil {
			// Without an id no verdict can be set.
			return 0
		}
		pktID := *attrs.PacketID

		setVerdict := func(verdict flow.Verdict) error {
			nfVerdict := nfqueue.NfAccept
			if verdict == flow.VerdictDrop {
				nfVerdict = nfqueue.NfDrop
			}
			return q.nf.SetVerdict(pktID, nfVerdict)
		}

		if attrs.Payload == nil {
			log.Warningf("nfqueue: packet #%d has no payload", pktID)
			_ = setVerdict(flow.VerdictAllow)
			return 0
		}
		payload := append([]byte(nil), *attrs.Payload...)

		// Process lookup is slow, leave the receive loop.
		i.mgr.Go("handle packet", func(w *mgr.WorkerCtx) error {
			info, err := parsePacket(payload, q.direction)
			if err != nil {
				log.Warningf("nfqueue: failed to parse packet #%d: %s", pktID, err)
				_ = setVerdict(flow.VerdictAllow)
				return nil
			}

			remoteIP, remotePort := info.remote()
			i.decide(flow.Descriptor{
				ID:         flowID(q.id, pktID),
				AppID:      resolveApp(w.Ctx(), info),
				RemoteHost: remoteIP.String(),
				RemotePort: remotePort,
				Direction:  q.direction,
			}, setVerdict)
			return nil
		})
		return 0
	}
}

func deactivateAll(protocols []iptables.Protocol, hooks, chains []string) error {
	var result *multierror.Error
	for _, protocol := range protocols {
		if err := deactivateIPTables(protocol, hooks, chains); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func activateIPTables(protocol iptables.Protocol, rules, once, chains []string) error {
	tbls, err := iptables.NewWithProtocol(protocol)
	if err != nil {
		return err
	}

	for _, chain := range chains {
		splittedRule := strings.Split(chain, " ")
		if err = tbls.ClearChain(splittedRule[0], splittedRule[1]); err != nil {
			return err
		}
	}

	for _, rule := range rules {
		splittedRule := strings.Split(rule, " ")
		if err = tbls.Append(splittedRule[0], splittedRule[1], splittedRule[2:]...); err != nil {
			return err
		}
	}

	for _, rule := range once {
		splittedRule := strings.Split(rule, " ")
		ok, err := tbls.Exists(splittedRule[0], splittedRule[1], splittedRule[2:]...)
		if err != nil {
			return err
		}
		if !ok {
			if err = tbls.Insert(splittedRule[0], splittedRule[1], 1, splittedRule[2:]...); err != nil {
				return err
			}
		}
	}

	return nil
}

func deactivateIPTables(protocol iptables.Protocol, rules, chains []string) error {
	tbls, err := iptables.NewWithProtocol(protocol)
	if err != nil {
		return err
	}

	var multierr *multierror.Error

	for _, rule := range rules {
		splittedRule := strings.Split(rule, " ")
		ok, err := tbls.Exists(splittedRule[0], splittedRule[1], splittedRule[2:]...)
		if err != nil {
			multierr = multierror.Append(multierr, err)
		}
		if ok {
			if err = tbls.Delete(splittedRule[0], splittedRule[1], splittedRule[2:]...); err != nil {
				multierr = multierror.Append(multierr, err)
			}
		}
	}

	for _, chain := range chains {
		splittedRule := strings.Split(chain, " ")
		exists, err := tbls.ChainExists(splittedRule[0], splittedRule[1])
		if err != nil || !exists {
			continue
		}
		if err = tbls.ClearChain(splittedRule[0], splittedRule[1]); err != nil {
			multierr = multierror.Append(multierr, err)
		}
		if err = tbls.DeleteChain(splittedRule[0], splittedRule[1]); err != nil {
			multierr = multierror.Append(multierr, err)
		}
	}

	return multierr.ErrorOrNil()
}
