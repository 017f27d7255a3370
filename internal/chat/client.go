package chat

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// Heartbeat and size limits for a cook's socket. A browser that stops
// answering pings is treated as gone after pongWait.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 20 // photos travel inline as data URLs
	sendBuffer     = 256      // frames queued before a cook counts as slow
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	// Buffered channel of outbound frames. Only the hub closes it.
	Send chan []byte
	log  *slog.Logger
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		ID:   id,
		Hub:  hub,
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		log:  log.With("conn", id),
	}
}

// ReadPump pumps frames from the websocket connection to the hub. When the
// connection dies the client is detached, which is the disconnect event.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Debug("malformed frame", "err", err)
			continue
		}
		c.Hub.Submit(c, env)
	}
}

// WritePump pumps frames from the hub to the websocket connection, one
// websocket message per frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Flush whatever queued up while we were writing.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				next, ok := <-c.Send
				if !ok {
					c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
