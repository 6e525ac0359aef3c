package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocket timeout constants following Gorilla best practices.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer. CRDT deltas are small;
	// 1MB leaves headroom for initial document syncs.
	maxMessageSize = 1024 * 1024

	// Outbound buffer per connection. A full buffer drops the frame for
	// that socket rather than blocking the relay path.
	sendBufferSize = 256
)

// Client is one authenticated WebSocket connection held by this instance.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	socketID    string
	principalID string
	displayName string

	send      chan []byte
	closeOnce sync.Once

	mu       sync.RWMutex
	document string // currently joined document, empty when none

	drops atomic.Int64
}

func newClient(hub *Hub, conn *websocket.Conn, socketID, principalID, displayName string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		socketID:    socketID,
		principalID: principalID,
		displayName: displayName,
		send:        make(chan []byte, sendBufferSize),
	}
}

// Document returns the client's currently joined document, or "".
func (c *Client) Document() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.document
}

func (c *Client) setDocument(documentID string) {
	c.mu.Lock()
	c.document = documentID
	c.mu.Unlock()
}

// enqueue queues an outbound frame without blocking. Frames that do not fit
// the buffer are dropped for this socket only; the connection survives and
// the drop is counted.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		dropped := c.drops.Add(1)
		c.hub.logger.WithFields(logrus.Fields{
			"socket_id":     c.socketID,
			"principal_id":  c.principalID,
			"total_dropped": dropped,
		}).Warn("Client send buffer full, dropping frame")
	}
}

func (c *Client) sendError(message string) {
	c.enqueue(mustFrame(MsgError, MessagePayload{Message: message}))
}

// readPump processes inbound frames in arrival order until the connection
// closes, then unregisters the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.WithError(err).WithField("socket_id", c.socketID).Warn("WebSocket read error")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}

		c.hub.dispatch(c, frame)
	}
}

// writePump writes queued frames and keepalive pings to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close shuts the send channel exactly once; writePump then sends the close
// frame and tears down the connection.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
