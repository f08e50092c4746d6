package nfq

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	psnet "github.com/shirou/gopsutil/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/flow"
)

func buildTCPv4(t *testing.T, src, dst string, srcPort, dstPort uint16) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}, ip, tcp))
	return buf.Bytes()
}

func buildUDPv6(t *testing.T, src, dst string, srcPort, dstPort uint16) []byte {
	t.Helper()

	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}, ip, udp, gopacket.Payload([]byte("hi"))))
	return buf.Bytes()
}

func TestParsePacket(t *testing.T) {
	t.Parallel()

	info, err := parsePacket(buildTCPv4(t, "10.0.0.2", "93.184.216.34", 51000, 443), flow.Outbound)
	require.NoError(t, err)
	assert.Equal(t, layers.IPProtocolTCP, info.Protocol)
	assert.True(t, info.IsTCPorUDP)
	assert.False(t, info.IsIPv6)
	ip, port := info.remote()
	assert.Equal(t, "93.184.216.34", ip.String())
	assert.Equal(t, uint16(443), port)
	ip, port = info.local()
	assert.Equal(t, "10.0.0.2", ip.String())
	assert.Equal(t, uint16(51000), port)

	info, err = parsePacket(buildUDPv6(t, "2001:db8::1", "2001:db8::2", 53, 40000), flow.Inbound)
	require.NoError(t, err)
	assert.Equal(t, layers.IPProtocolUDP, info.Protocol)
	assert.True(t, info.IsIPv6)
	ip, port = info.remote()
	assert.Equal(t, "2001:db8::1", ip.String())
	assert.Equal(t, uint16(53), port)

	_, err = parsePacket(nil, flow.Outbound)
	assert.Error(t, err)
	_, err = parsePacket([]byte{0x10, 0, 0}, flow.Outbound)
	assert.ErrorIs(t, err, errUnknownIPVersion)
}

func TestFindOwner(t *testing.T) {
	t.Parallel()

	conns := []psnet.ConnectionStat{
		{Laddr: psnet.Addr{IP: "0.0.0.0", Port: 8080}, Pid: 10},
		{Laddr: psnet.Addr{IP: "10.0.0.2", Port: 51000}, Pid: 20},
		{Laddr: psnet.Addr{IP: "10.0.0.3", Port: 51000}, Pid: 30},
		{Laddr: psnet.Addr{IP: "10.0.0.2", Port: 9999}, Pid: 0},
	}

	assert.Equal(t, int32(20), findOwner(conns, net.ParseIP("10.0.0.2"), 51000))
	assert.Equal(t, int32(10), findOwner(conns, net.ParseIP("10.0.0.2"), 8080))
	assert.Equal(t, int32(0), findOwner(conns, net.ParseIP("10.0.0.2"), 9999))
	assert.Equal(t, int32(0), findOwner(conns, net.ParseIP("10.0.0.2"), 1))
}

type handlerFunc func(d flow.Descriptor) flow.Action

func (f handlerFunc) HandleNewFlow(d flow.Descriptor) flow.Action {
	return f(d)
}

type testInstance struct {
	handler   FlowHandler
	approvals atomic.Int32
}

func (ti *testInstance) FlowHandler() FlowHandler {
	return ti.handler
}

func (ti *testInstance) RequireApproval() {
	ti.approvals.Add(1)
}

type verdictRecorder struct {
	lock     sync.Mutex
	verdicts []flow.Verdict
}

func (vr *verdictRecorder) set(v flow.Verdict) error {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	vr.verdicts = append(vr.verdicts, v)
	return nil
}

func (vr *verdictRecorder) get() []flow.Verdict {
	vr.lock.Lock()
	defer vr.lock.Unlock()
	return append([]flow.Verdict(nil), vr.verdicts...)
}

func TestDecide(t *testing.T) {
	t.Parallel()

	action := flow.ActionAllow
	i := New(&testInstance{handler: handlerFunc(func(flow.Descriptor) flow.Action {
		return action
	})}, 0)
	t.Cleanup(i.Manager().Cancel)

	allowed := &verdictRecorder{}
	i.decide(flow.Descriptor{ID: 1}, allowed.set)
	assert.Equal(t, []flow.Verdict{flow.VerdictAllow}, allowed.get())

	action = flow.ActionDrop
	dropped := &verdictRecorder{}
	i.decide(flow.Descriptor{ID: 2}, dropped.set)
	assert.Equal(t, []flow.Verdict{flow.VerdictDrop}, dropped.get())

	action = flow.ActionPause
	paused := &verdictRecorder{}
	i.decide(flow.Descriptor{ID: 3}, paused.set)
	assert.Empty(t, paused.get())

	require.NoError(t, i.Resume(3, flow.VerdictDrop))
	assert.Error(t, i.Resume(3, flow.VerdictAllow), "resume must only work once")
	assert.Equal(t, []flow.Verdict{flow.VerdictDrop}, paused.get())
}

func TestStopAcceptsPaused(t *testing.T) {
	t.Parallel()

	i := New(&testInstance{handler: handlerFunc(func(flow.Descriptor) flow.Action {
		return flow.ActionPause
	})}, 0)
	t.Cleanup(i.Manager().Cancel)

	rec := &verdictRecorder{}
	i.decide(flow.Descriptor{ID: 9}, rec.set)
	require.NoError(t, i.Stop())
	assert.Equal(t, []flow.Verdict{flow.VerdictAllow}, rec.get())
}

func TestPausedFlowWaitsForHandler(t *testing.T) {
	t.Parallel()

	i := New(&testInstance{handler: handlerFunc(func(flow.Descriptor) flow.Action {
		return flow.ActionPause
	})}, 0)
	t.Cleanup(i.Manager().Cancel)

	rec := &verdictRecorder{}
	i.decide(flow.Descriptor{ID: 4}, rec.set)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.get(), "paused flows must not be resumed by the adapter")

	require.NoError(t, i.Resume(4, flow.VerdictDrop))
	assert.Equal(t, []flow.Verdict{flow.VerdictDrop}, rec.get())
}

func TestStartWithoutPermission(t *testing.T) {
	t.Parallel()

	ti := &testInstance{}
	i := New(ti, 0)
	t.Cleanup(i.Manager().Cancel)

	i.start = func() (func() error, error) {
		return nil, permissionError(fmt.Errorf("open queue: %w", os.ErrPermission))
	}
	require.NoError(t, i.Start())
	assert.Equal(t, int32(1), ti.approvals.Load())
	require.NoError(t, i.Stop())

	i.start = func() (func() error, error) {
		return nil, errors.New("no such table")
	}
	assert.Error(t, i.Start())
	assert.Equal(t, int32(1), ti.approvals.Load())
}

func TestPermissionError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, permissionError(nil))
	assert.ErrorIs(t, permissionError(fmt.Errorf("open: %w", os.ErrPermission)), ErrNoPermission)
	assert.ErrorIs(t, permissionError(errors.New("can't initialize iptables table `mangle': Permission denied (you must be root)")), ErrNoPermission)

	other := errors.New("chain exists")
	assert.Equal(t, other, permissionError(other))
}

func TestFlowID(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, flowID(DefaultQueueNumber, 5), flowID(DefaultQueueNumber+1, 5))
	assert.Equal(t, flow.ID(5), flowID(0, 5))
}
