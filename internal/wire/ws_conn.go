package wire

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/crdtmesh/coordinator/internal/transport"
)

func deadlineNow() time.Time { return time.Now().Add(5 * time.Second) }

// WSConn adapts a *websocket.Conn (github.com/gorilla/websocket) to
// transport.Conn, the coordinator's bidirectional message transport.
type WSConn struct {
	conn *websocket.Conn
}

func NewWSConn(conn *websocket.Conn) *WSConn { return &WSConn{conn: conn} }

var _ transport.Conn = (*WSConn)(nil)

func (c *WSConn) WriteRaw(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	return c.conn.Close()
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}
