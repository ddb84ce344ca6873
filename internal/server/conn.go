package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentchat/relay/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256

	// Sliding-window frame budgets over rateWindow.
	rateWindow   = 10 * time.Second
	preAuthBurst = 10
	authedBurst  = 60
)

// conn is one live transport connection. The write pump is the only
// goroutine that touches ws for writes; the read pump is the only reader.
// Everything else goes through the send channel.
type conn struct {
	id     string
	srv    *Server
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	realIP string

	mu          sync.Mutex
	agentID     string // "" until identified
	connectedAt time.Time
	alive       bool
	frames      []time.Time // inbound frame times inside rateWindow
	lastMsg     time.Time
	lastChunk   time.Time
	closeCause  string
}

func newConn(id, realIP string, ws *websocket.Conn, srv *Server) *conn {
	return &conn{
		id:          id,
		srv:         srv,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		realIP:      realIP,
		connectedAt: time.Now(),
		alive:       true,
		closeCause:  "client",
	}
}

// push encodes a frame and queues it. A full send buffer drops the frame;
// a slow consumer must not stall the dispatcher.
func (c *conn) push(t protocol.MsgType, frame any) {
	data, err := protocol.Encode(t, frame)
	if err != nil {
		c.srv.logger.Printf("encode %s for %s: %v", t, c.id, err)
		return
	}
	select {
	case c.send <- data:
		c.srv.metrics.FramesOut.WithLabelValues(string(t)).Inc()
	case <-c.done:
	default:
		c.srv.logger.Printf("send buffer full on %s, dropping %s", c.id, t)
	}
}

// pushError reports a protocol error to this connection only.
func (c *conn) pushError(err *protocol.Error) {
	c.srv.metrics.Errors.WithLabelValues(string(err.Code)).Inc()
	c.push(protocol.TypeError, err)
}

// identified returns the bound agent id, or "".
func (c *conn) identified() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *conn) bindAgent(agentID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.mu.Unlock()
}

func (c *conn) sessionMS(now time.Time) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.connectedAt).Milliseconds()
}

// allowFrame records one inbound frame against the sliding window and
// reports whether the connection is within budget. The budget depends on
// whether the connection has identified.
func (c *conn) allowFrame(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-rateWindow)
	kept := c.frames[:0]
	for _, t := range c.frames {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.frames = append(kept, now)

	limit := preAuthBurst
	if c.agentID != "" {
		limit = authedBurst
	}
	return len(c.frames) <= limit
}

// allowMsg enforces the MSG bucket: one chat message per interval.
func (c *conn) allowMsg(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastMsg) < interval {
		return false
	}
	c.lastMsg = now
	return true
}

// allowChunk enforces the FILE_CHUNK bucket: one chunk per interval.
func (c *conn) allowChunk(now time.Time, interval time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastChunk) < interval {
		return false
	}
	c.lastChunk = now
	return true
}

// terminate closes the connection exactly once with a cause recorded for
// the close metric. The websocket close triggers readPump exit, which
// runs the server's disconnect path.
func (c *conn) terminate(cause string, code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCause = cause
		c.mu.Unlock()
		close(c.done)
		if c.ws != nil {
			msg := websocket.FormatCloseMessage(code, reason)
			deadline := time.Now().Add(writeWait)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			c.ws.Close()
		}
	})
}

func (c *conn) cause() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCause
}

// writePump owns all websocket writes, including heartbeat pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate(c.cause(), websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			// Drain whatever queued while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.mu.Lock()
			wasAlive := c.alive
			c.alive = false
			c.mu.Unlock()
			if !wasAlive {
				c.terminate("heartbeat", websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all websocket reads and feeds the dispatcher in arrival
// order. Its exit runs the disconnect path.
func (c *conn) readPump() {
	defer func() {
		c.terminate(c.cause(), websocket.CloseNormalClosure, "")
		c.srv.disconnect(c)
	}()

	// Read limit sits above the protocol ceiling so oversize frames are
	// refused with INVALID_MSG by the codec instead of a transport close.
	c.ws.SetReadLimit(2 * protocol.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.alive = true
		c.mu.Unlock()
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Printf("read on %s: %v", c.id, err)
			}
			return
		}
		c.srv.handleFrame(c, data)
		select {
		case <-c.done:
			return
		default:
		}
	}
}
