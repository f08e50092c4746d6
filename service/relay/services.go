package relay

import (
	"context"

	"github.com/safing/portgate/service/flow"
)

// Methods of the controller service, served by the controller.
const (
	MethodRequestDecision      = "controller.requestDecision"
	MethodNotifyApprovalNeeded = "controller.notifyApprovalNeeded"
	MethodPushLog              = "controller.pushLog"
	MethodReportDecision       = "controller.reportDecision"
)

// Methods of the interceptor service, served by the interceptor.
const (
	MethodRegister = "interceptor.register"
)

// DecisionRequest asks the controller whether a new flow may proceed.
type DecisionRequest struct {
	AppID      string         `json:"appId"`
	RemoteHost string         `json:"remoteHost"`
	RemotePort uint16         `json:"remotePort"`
	Direction  flow.Direction `json:"direction"`
}

// NewDecisionRequest returns the decision request for a flow.
func NewDecisionRequest(d flow.Descriptor) DecisionRequest {
	return DecisionRequest{
		AppID:      d.AppID,
		RemoteHost: d.RemoteHost,
		RemotePort: d.RemotePort,
		Direction:  d.Direction,
	}
}

type decisionReply struct {
	Allow bool `json:"allow"`
}

type registerReply struct {
	Registered bool `json:"registered"`
}

type logMessage struct {
	Text string `json:"text"`
}

// ControllerService is exposed by the controller to the interceptor.
type ControllerService interface {
	// RequestDecision returns whether the flow may proceed.
	RequestDecision(ctx context.Context, req DecisionRequest) (allow bool, err error)
	// NotifyApprovalNeeded tells the controller that the user must approve
	// the extension. One-way.
	NotifyApprovalNeeded(ctx context.Context) error
	// PushLog forwards a log line. One-way.
	PushLog(ctx context.Context, text string) error
	// ReportDecision reports the verdict applied to a flow. One-way.
	ReportDecision(ctx context.Context, event flow.DecisionEvent) error
}

// InterceptorService is exposed by the interceptor to the controller.
type InterceptorService interface {
	// Register records the calling connection as the active controller.
	Register(ctx context.Context) (bool, error)
}

// ControllerClient calls the controller service on a connection.
type ControllerClient struct {
	conn *Conn
}

var _ ControllerService = &ControllerClient{}

// NewControllerClient returns a controller service stub for c.
func NewControllerClient(c *Conn) *ControllerClient {
	return &ControllerClient{conn: c}
}

// Conn returns the underlying connection.
func (cc *ControllerClient) Conn() *Conn {
	return cc.conn
}

// RequestDecision implements ControllerService.
func (cc *ControllerClient) RequestDecision(ctx context.Context, req DecisionRequest) (bool, error) {
	var reply decisionReply
	if err := cc.conn.Call(ctx, MethodRequestDecision, req, &reply); err != nil {
		return false, err
	}
	return reply.Allow, nil
}

// NotifyApprovalNeeded implements ControllerService.
func (cc *ControllerClient) NotifyApprovalNeeded(ctx context.Context) error {
	return cc.conn.Notify(ctx, MethodNotifyApprovalNeeded, nil)
}

// PushLog implements ControllerService.
func (cc *ControllerClient) PushLog(ctx context.Context, text string) error {
	return cc.conn.Notify(ctx, MethodPushLog, logMessage{Text: text})
}

// ReportDecision implements ControllerService.
func (cc *ControllerClient) ReportDecision(ctx context.Context, event flow.DecisionEvent) error {
	return cc.conn.Notify(ctx, MethodReportDecision, event)
}

// InterceptorClient calls the interceptor service on a connection.
type InterceptorClient struct {
	conn *Conn
}

var _ InterceptorService = &InterceptorClient{}

// NewInterceptorClient returns an interceptor service stub for c.
func NewInterceptorClient(c *Conn) *InterceptorClient {
	return &InterceptorClient{conn: c}
}

// Register implements InterceptorService.
func (ic *InterceptorClient) Register(ctx context.Context) (bool, error) {
	var reply registerReply
	if err := ic.conn.Call(ctx, MethodRegister, nil, &reply); err != nil {
		return false, err
	}
	return reply.Registered, nil
}

// BindControllerService serves svc on c.
func BindControllerService(c *Conn, svc ControllerService) {
	c.Handle(MethodRequestDecision, func(ctx context.Context, e *Envelope) (any, error) {
		var req DecisionRequest
		if err := e.decode(&req); err != nil {
			return nil, err
		}
		allow, err := svc.RequestDecision(ctx, req)
		if err != nil {
			return nil, err
		}
		return decisionReply{Allow: allow}, nil
	})
	c.Handle(MethodNotifyApprovalNeeded, func(ctx context.Context, _ *Envelope) (any, error) {
		return nil, svc.NotifyApprovalNeeded(ctx)
	})
	c.Handle(MethodPushLog, func(ctx context.Context, e *Envelope) (any, error) {
		var msg logMessage
		if err := e.decode(&msg); err != nil {
			return nil, err
		}
		return nil, svc.PushLog(ctx, msg.Text)
	})
	c.Handle(MethodReportDecision, func(ctx context.Context, e *Envelope) (any, error) {
		var event flow.DecisionEvent
		if err := e.decode(&event); err != nil {
			return nil, err
		}
		return nil, svc.ReportDecision(ctx, event)
	})
}

// BindInterceptorService serves svc on c.
func BindInterceptorService(c *Conn, svc InterceptorService) {
	c.Handle(MethodRegister, func(ctx context.Context, _ *Envelope) (any, error) {
		ok, err := svc.Register(ctx)
		if err != nil {
			return nil, err
		}
		return registerReply{Registered: ok}, nil
	})
}
