package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/host"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/relay"
)

type fakeConfig struct {
	lock sync.Mutex

	// Persisted state.
	installed bool
	persisted bool
	loadErr   error
	saveErr   error

	// Live state.
	liveInstalled bool
	liveEnabled   bool

	changed *mgr.EventMgr[struct{}]
}

func (fc *fakeConfig) Load(context.Context) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if fc.loadErr != nil {
		return fc.loadErr
	}
	fc.liveInstalled = fc.installed
	fc.liveEnabled = fc.persisted
	return nil
}

func (fc *fakeConfig) Installed() bool {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.liveInstalled
}

func (fc *fakeConfig) Enabled() bool {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.liveEnabled
}

func (fc *fakeConfig) SetEnabled(enabled bool) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.liveEnabled = enabled
}

func (fc *fakeConfig) Save(context.Context) error {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if fc.saveErr != nil {
		return fc.saveErr
	}
	fc.persisted = fc.liveEnabled
	return nil
}

func (fc *fakeConfig) ConfigChanged() *mgr.EventMgr[struct{}] {
	return fc.changed
}

// change applies an external change and announces it.
func (fc *fakeConfig) change(fn func(fc *fakeConfig)) {
	fc.lock.Lock()
	fn(fc)
	fc.lock.Unlock()
	fc.changed.Submit(struct{}{})
}

func (fc *fakeConfig) isPersistedEnabled() bool {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.persisted
}

type fakeExtensions struct {
	lock        sync.Mutex
	delegates   []host.ActivationDelegate
	activateErr error
}

func (fe *fakeExtensions) Activate(_ context.Context, delegate host.ActivationDelegate) error {
	fe.lock.Lock()
	defer fe.lock.Unlock()
	if fe.activateErr != nil {
		return fe.activateErr
	}
	fe.delegates = append(fe.delegates, delegate)
	return nil
}

func (fe *fakeExtensions) delegate(t *testing.T) host.ActivationDelegate {
	t.Helper()

	var d host.ActivationDelegate
	require.Eventually(t, func() bool {
		fe.lock.Lock()
		defer fe.lock.Unlock()
		if len(fe.delegates) == 0 {
			return false
		}
		d = fe.delegates[len(fe.delegates)-1]
		return true
	}, time.Second, 5*time.Millisecond)
	return d
}

type nopController struct{}

func (nopController) RequestDecision(context.Context, relay.DecisionRequest) (bool, error) {
	return true, nil
}
func (nopController) NotifyApprovalNeeded(context.Context) error { return nil }
func (nopController) PushLog(context.Context, string) error { return nil }
func (nopController) ReportDecision(context.Context, flow.DecisionEvent) error { return nil }

type testInstance struct {
	cfg *fakeConfig
	ext *fakeExtensions
}

func (ti *testInstance) HostConfiguration() host.Configuration { return ti.cfg }
func (ti *testInstance) HostExtensions() host.Extensions { return ti.ext }
func (ti *testInstance) ControllerService() relay.ControllerService { return nopController{} }

// fakeInterceptor serves the relay endpoint and counts registrations.
type fakeInterceptor struct {
	registers atomic.Int32
	conns     chan *relay.Conn
}

func (fi *fakeInterceptor) Register(ctx context.Context) (bool, error) {
	fi.registers.Add(1)
	fi.conns <- relay.ConnFromContext(ctx)
	return true, nil
}

type testEnv struct {
	c           *Coordinator
	cfg         *fakeConfig
	ext         *fakeExtensions
	interceptor *fakeInterceptor
	history     *mgr.EventSubscription[Status]
}

func newTestEnv(t *testing.T, withInterceptor bool, setup func(cfg *fakeConfig)) *testEnv {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "c.sock")
	fi := &fakeInterceptor{conns: make(chan *relay.Conn, 10)}
	if withInterceptor {
		m := mgr.New("interceptor test")
		srv := relay.NewServer(m, socketPath, func(conn *relay.Conn) {
			relay.BindInterceptorService(conn, fi)
		})
		require.NoError(t, srv.Start())
		t.Cleanup(func() {
			_ = srv.Stop()
			m.Cancel()
		})
	}

	cfg := &fakeConfig{changed: mgr.NewEventMgr[struct{}]("config changed", nil)}
	if setup != nil {
		setup(cfg)
	}
	ext := &fakeExtensions{}
	c := New(&testInstance{cfg: cfg, ext: ext}, socketPath)
	history := c.StatusChanged.Subscribe("test", 100)

	require.NoError(t, c.Start())
	t.Cleanup(func() {
		_ = c.Stop()
		c.Manager().Cancel()
	})

	return &testEnv{
		c:           c,
		cfg:         cfg,
		ext:         ext,
		interceptor: fi,
		history:     history,
	}
}

func (env *testEnv) waitFor(t *testing.T, state State) {
	t.Helper()

	require.Eventually(t, func() bool {
		return env.c.Status().State == state
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s", state)
}

// states returns all published states so far.
func (env *testEnv) states() []State {
	var states []State
	for {
		select {
		case s := <-env.history.Events():
			states = append(states, s.State)
		default:
			return states
		}
	}
}

func assertLegal(t *testing.T, states []State) {
	t.Helper()

	prev := StateIndeterminate
	for _, s := range states {
		assert.True(t, ValidTransition(prev, s), "illegal transition %s -> %s", prev, s)
		prev = s
	}
}

func TestInstallApproveScenario(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
	})
	env.waitFor(t, StateDisabled)

	env.c.Install()
	env.waitFor(t, StateWaitingForApproval)
	d := env.ext.delegate(t)

	d.NeedsUserApproval()
	env.waitFor(t, StateNeedApproval)

	// Stop and activation errors do not leave the approval state.
	env.c.StopFilter()
	d.ActivationFailed(errors.New("transient"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateNeedApproval, env.c.Status().State)

	// The user approves: activation finishes and the configuration changes.
	d.ActivationFinished(host.ActivationCompleted)
	env.cfg.change(func(fc *fakeConfig) {
		fc.persisted = true
	})
	env.waitFor(t, StateRunning)
	assert.True(t, env.cfg.isPersistedEnabled())

	// More configuration changes do not register again.
	env.cfg.change(func(*fakeConfig) {})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), env.interceptor.registers.Load(), "register must be called exactly once")
	assert.Equal(t, StateRunning, env.c.Status().State)

	states := env.states()
	assertLegal(t, states)
	assert.Equal(t, []State{
		StateDisabled,
		StateWaitingForApproval,
		StateNeedApproval,
		StateWaitingForApproval,
		StateRunning,
	}, states)
}

func TestBootEnabled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateRunning)
	assert.Equal(t, int32(1), env.interceptor.registers.Load())
	assert.Equal(t, []State{StateRunning}, env.states())
}

func TestBootNotInstalled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, nil)
	env.waitFor(t, StateNotInstalled)

	// Starting a not installed filter installs it.
	env.c.StartFilter()
	env.waitFor(t, StateWaitingForApproval)
	env.ext.delegate(t).ActivationFinished(host.ActivationCompleted)
	env.waitFor(t, StateRunning)
}

func TestBootLoadError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.loadErr = errors.New("permission denied")
	})
	env.waitFor(t, StateError)
	assert.Contains(t, env.c.Status().Reason, string(PhaseLoadConfiguration))
}

func TestActivationErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
	})
	env.waitFor(t, StateDisabled)

	env.c.Install()
	env.ext.delegate(t).ActivationFailed(host.ErrActivationRejected)
	env.waitFor(t, StateError)
	assert.Equal(t, "activation: activation rejected", env.c.Status().Reason)

	// Failing to submit is an activation error too.
	env.ext.lock.Lock()
	env.ext.activateErr = errors.New("no such extension")
	env.ext.lock.Unlock()
	env.c.Install()
	require.Eventually(t, func() bool {
		return env.c.Status().Reason == "activation: no such extension"
	}, time.Second, 5*time.Millisecond)
	assertLegal(t, env.states())
}

func TestStopStart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateRunning)
	serverConn := <-env.interceptor.conns

	env.c.StopFilter()
	env.waitFor(t, StateStopped)
	assert.False(t, env.cfg.isPersistedEnabled())
	select {
	case <-serverConn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed on stop")
	}

	env.c.StartFilter()
	env.waitFor(t, StateRunning)
	assert.True(t, env.cfg.isPersistedEnabled())
	assert.Equal(t, int32(2), env.interceptor.registers.Load())
	assert.Equal(t, []State{StateRunning, StateStopped, StateRunning}, env.states())
}

func TestPeerDiedAndRetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateRunning)

	// The interceptor drops the connection.
	require.NoError(t, (<-env.interceptor.conns).Close())
	env.waitFor(t, StateExtensionNotReady)
	assert.Contains(t, env.c.Status().Reason, string(PhaseRegistration))

	env.c.RetryRegister()
	env.waitFor(t, StateRunning)
	assert.Equal(t, int32(2), env.interceptor.registers.Load())
}

func TestRegistrationFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateExtensionNotReady)
	assert.Contains(t, env.c.Status().Reason, "registration: ")

	// Disabling from here stops.
	env.cfg.change(func(fc *fakeConfig) {
		fc.persisted = false
	})
	env.waitFor(t, StateStopped)
}

func TestConfigChangedDisables(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateRunning)
	serverConn := <-env.interceptor.conns

	env.cfg.change(func(fc *fakeConfig) {
		fc.persisted = false
	})
	env.waitFor(t, StateStopped)
	<-serverConn.Done()

	env.cfg.change(func(fc *fakeConfig) {
		fc.persisted = true
	})
	env.waitFor(t, StateRunning)
}

func TestSaveError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.saveErr = errors.New("read-only")
	})
	env.waitFor(t, StateDisabled)

	env.c.StartFilter()
	env.waitFor(t, StateError)
	assert.Equal(t, "save-config: read-only", env.c.Status().Reason)
	assert.Zero(t, env.interceptor.registers.Load())
}

func TestApprovalNotification(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true, func(cfg *fakeConfig) {
		cfg.installed = true
		cfg.persisted = true
	})
	env.waitFor(t, StateRunning)

	// Ignored while running.
	env.c.ApprovalNeeded()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, env.c.Status().State)

	env.c.StopFilter()
	env.waitFor(t, StateStopped)
	env.c.ApprovalNeeded()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateStopped, env.c.Status().State)
}

func TestValidTransition(t *testing.T) {
	t.Parallel()

	for _, to := range []State{StateNeedApproval, StateWaitingForApproval, StateRunning} {
		assert.True(t, ValidTransition(StateNeedApproval, to), to)
	}
	for _, to := range []State{StateStopped, StateDisabled, StateError, StateExtensionNotReady, StateNotInstalled, StateIndeterminate} {
		assert.False(t, ValidTransition(StateNeedApproval, to), to)
	}
	assert.True(t, ValidTransition(StateStopped, StateRunning))
}

func TestPhaseError(t *testing.T) {
	t.Parallel()

	err := phaseErr(PhaseRegistration, relay.ErrPeerGone)
	assert.ErrorIs(t, err, relay.ErrPeerGone)
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseRegistration, pe.Phase)
}
