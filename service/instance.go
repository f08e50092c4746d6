package service

import (
	"github.com/safing/portgate/service/api"
	"github.com/safing/portgate/service/controller"
	"github.com/safing/portgate/service/coordinator"
	"github.com/safing/portgate/service/eventlog"
	"github.com/safing/portgate/service/flow"
	"github.com/safing/portgate/service/host"
	"github.com/safing/portgate/service/host/local"
	"github.com/safing/portgate/service/interceptor"
	"github.com/safing/portgate/service/interceptor/nfq"
	"github.com/safing/portgate/service/mgr"
	"github.com/safing/portgate/service/policy"
	"github.com/safing/portgate/service/relay"
)

// ControllerInstance is an instance of the controller: policies, event log,
// lifecycle and the local API.
type ControllerInstance struct {
	*mgr.Group

	config *ServiceConfig

	policy      *policy.Policy
	eventLog    *eventlog.EventLog
	controller  *controller.Controller
	host        *local.Host
	coordinator *coordinator.Coordinator
	api         *api.API
}

// NewController returns a new controller instance.
func NewController(sc *ServiceConfig) (*ControllerInstance, error) {
	if err := sc.Init(); err != nil {
		return nil, err
	}

	// Create instance to pass it to modules.
	instance := &ControllerInstance{
		config: sc,
	}
	instance.policy = policy.New(sc.PolicyBackend, sc.DataDir)
	instance.eventLog = eventlog.New(sc.EventLogSize, sc.EventHistoryPath())
	instance.controller = controller.New(instance)
	instance.host = local.New(sc.HostStateFile, sc.HostPollInterval)
	instance.coordinator = coordinator.New(instance, sc.SocketPath)
	instance.api = api.New(instance, sc.APIAddress)

	// Add all modules to instance group.
	instance.Group = mgr.NewGroup(
		instance.policy,
		instance.eventLog,
		instance.controller,
		instance.host,
		instance.coordinator,
		instance.api,
	)

	return instance, nil
}

// Config returns the service config.
func (i *ControllerInstance) Config() *ServiceConfig {
	return i.config
}

// Policy returns the policy module.
func (i *ControllerInstance) Policy() *policy.Policy {
	return i.policy
}

// EventLog returns the event log module.
func (i *ControllerInstance) EventLog() *eventlog.EventLog {
	return i.eventLog
}

// Coordinator returns the lifecycle coordinator.
func (i *ControllerInstance) Coordinator() *coordinator.Coordinator {
	return i.coordinator
}

// Lifecycle returns the lifecycle coordinator for the API.
func (i *ControllerInstance) Lifecycle() api.Lifecycle {
	return i.coordinator
}

// ApprovalNotifier returns the lifecycle coordinator for the controller.
func (i *ControllerInstance) ApprovalNotifier() controller.ApprovalNotifier {
	return i.coordinator
}

// ControllerService returns the service exposed to the interceptor.
func (i *ControllerInstance) ControllerService() relay.ControllerService {
	return i.controller
}

// HostConfiguration returns the host filter configuration.
func (i *ControllerInstance) HostConfiguration() host.Configuration {
	return i.host
}

// HostExtensions returns the host extension activation.
func (i *ControllerInstance) HostExtensions() host.Extensions {
	return i.host
}

// InterceptorInstance is an instance of the interceptor: the relay endpoint
// and, optionally, the netfilter queue adapter.
type InterceptorInstance struct {
	*mgr.Group

	config *ServiceConfig

	provider *interceptor.Provider
	nfq      *nfq.Interceptor
}

// NewInterceptor returns a new interceptor instance. With useNFQueue set,
// new connections are intercepted using netfilter queues.
func NewInterceptor(sc *ServiceConfig, useNFQueue bool) (*InterceptorInstance, error) {
	if err := sc.Init(); err != nil {
		return nil, err
	}

	instance := &InterceptorInstance{
		config: sc,
	}
	instance.provider = interceptor.New(instance, interceptor.Config{
		SocketPath:      sc.SocketPath,
		DecisionTimeout: sc.DecisionTimeout,
	})

	instance.Group = mgr.NewGroup(instance.provider)
	if useNFQueue {
		instance.nfq = nfq.New(instance, sc.QueueNumber)
		instance.Group.Add(instance.nfq)
	}

	return instance, nil
}

// Config returns the service config.
func (i *InterceptorInstance) Config() *ServiceConfig {
	return i.config
}

// Provider returns the interceptor provider.
func (i *InterceptorInstance) Provider() *interceptor.Provider {
	return i.provider
}

// FlowHandler returns the handler for new flows.
func (i *InterceptorInstance) FlowHandler() nfq.FlowHandler {
	return i.provider
}

// RequireApproval tells controllers that interception needs approval.
func (i *InterceptorInstance) RequireApproval() {
	i.provider.RequireApproval()
}

// FlowResumer returns the host subsystem resuming paused flows.
func (i *InterceptorInstance) FlowResumer() flow.Resumer {
	if i.nfq != nil {
		return i.nfq
	}
	return flow.ResumerFunc(func(id flow.ID, verdict flow.Verdict) error {
		i.provider.Manager().Debug("no host filter attached, dropping resume", "flow", id, "verdict", verdict)
		return nil
	})
}
