package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/mgr"
)

// RelayPath is the http path of the relay endpoint.
const RelayPath = "/relay"

// Server accepts relay connections on a local unix socket.
type Server struct {
	mgr        *mgr.Manager
	socketPath string
	onConnect  func(*Conn)

	listener net.Listener
	srv      *http.Server

	conns     map[*Conn]struct{}
	connsLock sync.Mutex
}

// NewServer returns a relay server listening on socketPath once started.
// onConnect is called for every accepted connection before it starts
// reading, so it can bind handlers.
func NewServer(m *mgr.Manager, socketPath string, onConnect func(*Conn)) *Server {
	return &Server{
		mgr:        m,
		socketPath: socketPath,
		onConnect:  onConnect,
		conns:      make(map[*Conn]struct{}),
	}
}

// Start listens on the socket and serves connections in a worker.
func (s *Server) Start() error {
	if err := removeStaleSocket(s.socketPath); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.listener = listener

	router := mux.NewRouter()
	router.HandleFunc(RelayPath, s.handleRelay).Methods(http.MethodGet)
	s.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mgr.Go("relay server", func(_ *mgr.WorkerCtx) error {
		err := s.srv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	log.Infof("relay: listening on %s", s.socketPath)
	return nil
}

// Stop stops accepting connections and closes all open ones.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)

	// Hijacked websocket connections are not closed by Shutdown.
	s.connsLock.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsLock.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	_ = os.Remove(s.socketPath)
	s.srv = nil
	return err
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if err := checkVersion(r.Header); err != nil {
		log.Warningf("relay: rejecting connection: %s", err)
		http.Error(w, err.Error(), http.StatusUpgradeRequired)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	ws, err := upgrader.Upgrade(w, r, versionHeader())
	if err != nil {
		// Upgrade already replied to the client.
		log.Warningf("relay: could not upgrade: %s", err)
		return
	}

	c := newConn(s.mgr, ws)
	s.connsLock.Lock()
	s.conns[c] = struct{}{}
	s.connsLock.Unlock()
	c.OnClose(func(c *Conn) {
		s.connsLock.Lock()
		defer s.connsLock.Unlock()
		delete(s.conns, c)
	})

	if s.onConnect != nil {
		s.onConnect(c)
	}
	c.start()
	log.Infof("relay: accepted connection %s", c.ID())
}

// removeStaleSocket removes a socket file left behind by a dead process.
func removeStaleSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, socketPath)
	}

	log.Debugf("relay: removing stale socket %s", socketPath)
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}
