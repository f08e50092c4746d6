package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/safing/portgate/base/log"
	"github.com/safing/portgate/service/mgr"
)

const handshakeTimeout = 5 * time.Second

// Dial connects to the relay server at socketPath.
// bind is called before the connection starts reading, so it can register
// handlers. The connection's workers run in m.
func Dial(ctx context.Context, m *mgr.Manager, socketPath string, bind func(*Conn)) (*Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
	}

	ws, resp, err := dialer.DialContext(ctx, "ws://portgate"+RelayPath, versionHeader())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay at %s: %w", socketPath, err)
	}
	if err := checkVersion(resp.Header); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := newConn(m, ws)
	if bind != nil {
		bind(c)
	}
	c.start()
	log.Infof("relay: connected to %s as %s", socketPath, c.ID())
	return c, nil
}
