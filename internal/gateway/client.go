package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/gasflow/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

// Client is one connected dashboard socket. Outbound messages go
// through a buffered channel; a full buffer drops the message rather
// than stalling the broadcaster.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	mu   sync.Mutex
	subs map[string]bool

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, server *Server) *Client {
	subs := map[string]bool{}
	for _, ev := range protocol.DefaultSubscriptions() {
		subs[ev] = true
	}
	return &Client{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan []byte, 64),
		subs:   subs,
	}
}

func (c *Client) subscribed(msgType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[msgType]
}

func (c *Client) setSubscriptions(events []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		if on {
			c.subs[ev] = true
		} else {
			delete(c.subs, ev)
		}
	}
}

func (c *Client) sendEnvelope(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer: drop rather than block the broadcaster.
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes client messages until the connection errors.
func (c *Client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendEnvelope(protocol.NewEnvelope(protocol.TypeError, "malformed message"))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeSubscribe:
		c.setSubscriptions(msg.Events, true)
	case protocol.TypeUnsubscribe:
		c.setSubscriptions(msg.Events, false)
	case protocol.TypePing:
		c.sendEnvelope(protocol.NewEnvelope(protocol.TypePong, nil))
	case protocol.TypeRequestStatus:
		if snap, err := c.server.gatherer.FullStatus(time.Now()); err == nil {
			c.sendEnvelope(protocol.NewEnvelope(protocol.TypeInitialStatus, snap))
		}
	case protocol.TypeRequestAgent:
		detail, err := c.server.gatherer.AgentDetails(msg.AgentID, time.Now())
		if err != nil {
			c.sendEnvelope(protocol.NewEnvelope(protocol.TypeError, err.Error()))
			return
		}
		c.sendEnvelope(protocol.NewEnvelope(protocol.TypeAgentDetails, detail))
	default:
		c.sendEnvelope(protocol.NewEnvelope(protocol.TypeError, "unknown message type"))
	}
}

// writePump flushes the send channel and keeps the connection alive
// with pings.
func (c *Client) writePump() {
	pingPeriod := time.Duration(c.server.cfg.Timing.PingIntervalSeconds * float64(time.Second))
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
