package websocket

import (
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"chatrelay/internal/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client is one open connection. It is the bus subscriber for its
// user's topic.
type Client struct {
	hub      *Hub
	conn     *gorilla.Conn
	send     chan []byte
	done     chan struct{}
	id       string
	userID   string
	username string
	topic    string

	closeOnce   sync.Once
	releaseOnce sync.Once
}

func NewClient(hub *Hub, conn *gorilla.Conn, userID, username string, buffer int) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		id:       hub.newClientID(),
		userID:   userID,
		username: username,
		topic:    bus.UserTopic(userID),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Deliver queues frame without blocking. A full buffer closes the
// connection; the client refetches state when it reconnects.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.logger.Warn("send buffer full, closing connection", "client_id", c.id, "user_id", c.userID)
		c.abort()
		return false
	}
}

// shutdown signals the write loop to send a close frame and drop the
// connection.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// abort drops the connection without a close handshake; a consumer that
// stopped reading would not see the close frame anyway.
func (c *Client) abort() {
	c.shutdown()
	c.conn.Close()
}

func (c *Client) release() {
	c.releaseOnce.Do(func() {
		c.hub.Unregister(c)
	})
}

// ReadPump drains inbound frames, which carry no actions today, and owns
// the connection's cleanup.
func (c *Client) ReadPump() {
	defer func() {
		c.release()
		c.shutdown()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if gorilla.IsUnexpectedCloseError(err, gorilla.CloseGoingAway, gorilla.CloseNormalClosure, gorilla.CloseAbnormalClosure) {
				c.hub.logger.Warn("read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
