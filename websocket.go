package opmux

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts a websocket connection to an io.ReadWriteCloser.
// Every Write is sent as one binary message; reads span messages.
type wsConn struct {
	ws  *websocket.Conn
	rmu sync.Mutex // guards r
	r   io.Reader
	wmu sync.Mutex // serializes writes
}

func newWsConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (n int, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if c.r == nil {
			var mt int
			if mt, c.r, err = c.ws.NextReader(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				c.r = nil
				return 0, errors.WithStack(ProtocolError{Reason: "websocket message is not binary"})
			}
		}
		if n, err = c.r.Read(p); err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return
	}
}

func (c *wsConn) Write(p []byte) (n int, err error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err = c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// ServeWebsocket upgrades the request to a websocket and services the
// operations arriving on it like ServeConn. It implements http.HandlerFunc.
func (srv *Server) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.addServeError(err)
		return
	}
	srv.ServeConn(newWsConn(ws))
}

// DialWebsocket connects to a Server's websocket endpoint at url.
func DialWebsocket(url string, timeout time.Duration) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return newWsConn(ws), nil
}
