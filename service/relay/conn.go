package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/tevino/abool"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/mgr"
)

// Errors.
var (
	ErrConnClosed    = errors.New("relay connection closed")
	ErrPeerGone      = errors.New("relay peer gone")
	ErrUnknownMethod = errors.New("unknown method")
	ErrIncompatible  = errors.New("incompatible relay protocol")
	ErrAddressInUse  = errors.New("relay endpoint in use")
)

// RemoteError is an error returned by the peer's handler.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed on peer: %s", e.Method, e.Msg)
}

// HandlerFunc serves an inbound call or notification.
// The result of notification handlers is discarded.
type HandlerFunc func(ctx context.Context, e *Envelope) (result any, err error)

const (
	sendQueueSize = 100
	writeTimeout  = 10 * time.Second
)

// Conn is a duplex relay connection. Both sides may call and notify each
// other. It is safe for concurrent use.
type Conn struct {
	id  string
	ws  *websocket.Conn
	mgr *mgr.Manager

	ctx       context.Context
	cancelCtx context.CancelFunc

	sendQueue      chan []byte
	shutdownSignal chan struct{}
	shuttingDown   *abool.AtomicBool
	started        *abool.AtomicBool

	handlers     map[string]HandlerFunc
	handlersLock sync.RWMutex

	nextID      atomic.Uint64
	pending     map[uint64]chan *Envelope
	pendingLock sync.Mutex

	onClose     []func(*Conn)
	onCloseLock sync.Mutex
}

func newConn(m *mgr.Manager, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(m.Ctx())
	return &Conn{
		id:             uuid.Must(uuid.NewV4()).String(),
		ws:             ws,
		mgr:            m,
		ctx:            ctx,
		cancelCtx:      cancel,
		sendQueue:      make(chan []byte, sendQueueSize),
		shutdownSignal: make(chan struct{}),
		shuttingDown:   abool.New(),
		started:        abool.New(),
		handlers:       make(map[string]HandlerFunc),
		pending:        make(map[uint64]chan *Envelope),
	}
}

// ID returns the session id of the connection.
func (c *Conn) ID() string {
	return c.id
}

// Handle registers the handler for inbound calls and notifications of method.
// Handlers should be registered before the connection is started.
func (c *Conn) Handle(method string, fn HandlerFunc) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()

	c.handlers[method] = fn
}

func (c *Conn) handler(method string) HandlerFunc {
	c.handlersLock.RLock()
	defer c.handlersLock.RUnlock()

	return c.handlers[method]
}

// OnClose registers fn to be called once the connection is torn down.
// If the connection is already closed, fn is called immediately.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.onCloseLock.Lock()
	if !c.shuttingDown.IsSet() {
		c.onClose = append(c.onClose, fn)
		c.onCloseLock.Unlock()
		return
	}
	c.onCloseLock.Unlock()

	fn(c)
}

// Done returns a channel that is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.shutdownSignal
}

// IsClosed returns whether the connection is torn down.
func (c *Conn) IsClosed() bool {
	return c.shuttingDown.IsSet()
}

// start starts the reader and writer workers.
func (c *Conn) start() {
	if !c.started.SetToIf(false, true) {
		return
	}
	c.mgr.Go("relay reader", c.reader)
	c.mgr.Go("relay writer", c.writer)
}

// Call calls method on the peer and waits for the reply, which is decoded
// into resp. It returns ErrPeerGone if the connection is torn down before the
// reply arrives.
func (c *Conn) Call(ctx context.Context, method string, req, resp any) error {
	if c.shuttingDown.IsSet() {
		return ErrConnClosed
	}

	id := c.nextID.Add(1)
	e, err := newEnvelope(KindCall, id, method, req)
	if err != nil {
		return err
	}

	replyCh := make(chan *Envelope, 1)
	c.pendingLock.Lock()
	c.pending[id] = replyCh
	c.pendingLock.Unlock()
	defer c.forget(id)

	if err := c.send(ctx, e); err != nil {
		return err
	}

	var reply *Envelope
	select {
	case reply = <-replyCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdownSignal:
		// The reply may have arrived just before teardown.
		select {
		case reply = <-replyCh:
		default:
			return fmt.Errorf("%w: %s", ErrPeerGone, method)
		}
	}

	if reply.Error != "" {
		return &RemoteError{Method: method, Msg: reply.Error}
	}
	if err := reply.decode(resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

// Notify sends a one-way message to the peer.
func (c *Conn) Notify(ctx context.Context, method string, data any) error {
	if c.shuttingDown.IsSet() {
		return ErrConnClosed
	}

	e, err := newEnvelope(KindNotify, 0, method, data)
	if err != nil {
		return err
	}
	return c.send(ctx, e)
}

func (c *Conn) forget(id uint64) {
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()

	delete(c.pending, id)
}

func (c *Conn) send(ctx context.Context, e *Envelope) error {
	data, err := e.marshal()
	if err != nil {
		return err
	}

	select {
	case c.sendQueue <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdownSignal:
		return ErrConnClosed
	}
}

func (c *Conn) reader(_ *mgr.WorkerCtx) error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return c.shutdown(err)
		}

		e, err := parseEnvelope(msg)
		if err != nil {
			log.Warningf("relay: [%s] dropping malformed message: %s", c.id, err)
			continue
		}

		switch e.Kind {
		case KindReply:
			c.pendingLock.Lock()
			replyCh, ok := c.pending[e.ID]
			delete(c.pending, e.ID)
			c.pendingLock.Unlock()

			if ok {
				replyCh <- e
			} else {
				log.Tracef("relay: [%s] received reply for unknown call %d", c.id, e.ID)
			}

		case KindCall, KindNotify:
			c.mgr.Go("relay serve "+e.Method, func(_ *mgr.WorkerCtx) error {
				c.serve(e)
				return nil
			})
		}
	}
}

func (c *Conn) serve(e *Envelope) {
	fn := c.handler(e.Method)

	var (
		result any
		err    error
	)
	if fn != nil {
		result, err = fn(contextWithConn(c.ctx, c), e)
	} else {
		err = fmt.Errorf("%w %q", ErrUnknownMethod, e.Method)
	}

	if e.Kind == KindNotify {
		if err != nil {
			log.Warningf("relay: [%s] failed to handle %s: %s", c.id, e.Method, err)
		}
		return
	}

	reply, encErr := newEnvelope(KindReply, e.ID, e.Method, result)
	switch {
	case err != nil:
		reply = &Envelope{Kind: KindReply, ID: e.ID, Method: e.Method, Error: err.Error()}
	case encErr != nil:
		reply = &Envelope{Kind: KindReply, ID: e.ID, Method: e.Method, Error: encErr.Error()}
	}

	if sendErr := c.send(c.ctx, reply); sendErr != nil && !errors.Is(sendErr, ErrConnClosed) {
		log.Debugf("relay: [%s] failed to reply to %s: %s", c.id, e.Method, sendErr)
	}
}

func (c *Conn) writer(w *mgr.WorkerCtx) error {
	for {
		var data []byte
		select {
		case data = <-c.sendQueue:
		case <-w.Done():
			return c.shutdown(nil)
		case <-c.shutdownSignal:
			return nil
		}

		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return c.shutdown(err)
		}
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	if c.shuttingDown.IsSet() {
		return nil
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.shutdown(nil)
}

func (c *Conn) shutdown(err error) error {
	// Check if we are the first to shut down.
	c.onCloseLock.Lock()
	if !c.shuttingDown.SetToIf(false, true) {
		c.onCloseLock.Unlock()
		return nil
	}
	callbacks := c.onClose
	c.onClose = nil
	c.onCloseLock.Unlock()

	if err != nil {
		if websocket.IsCloseError(err,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
		) {
			log.Infof("relay: [%s] connection closed by peer", c.id)
		} else {
			log.Warningf("relay: [%s] connection error: %s", c.id, err)
		}
	}

	// Fail all pending calls and stop handlers.
	close(c.shutdownSignal)
	c.cancelCtx()
	_ = c.ws.Close()

	for _, fn := range callbacks {
		fn(c)
	}
	return nil
}

type connCtxKey struct{}

func contextWithConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connCtxKey{}, c)
}

// ConnFromContext returns the connection an inbound call arrived on.
func ConnFromContext(ctx context.Context) *Conn {
	c, _ := ctx.Value(connCtxKey{}).(*Conn)
	return c
}
