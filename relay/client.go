package relay

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"collabtext/codelive/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// first frame must arrive within
	helloWait      = 10 * time.Second
	maxMessageSize = 4 << 20
)

// Client represents a single connected participant.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	will *wire.WillFrame
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   ulid.Make().String(),
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// readPump handles frames from the participant. A connection that ends
// without a disconnect frame has its will published.
func (c *Client) readPump() {
	clean := false
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		if !clean && c.will != nil {
			glog.V(1).Infof("[client]%s dropped, publishing will on %s\n", c.id, c.will.Topic)
			c.hub.Publish(c.will.Topic, c.will.Payload, false)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)

	c.conn.SetReadDeadline(time.Now().Add(helloWait))
	var hello wire.Frame
	if err := c.conn.ReadJSON(&hello); err != nil || hello.Op != wire.FrameConnect {
		glog.Warningf("[client]bad handshake from %s\n", c.conn.RemoteAddr())
		c.write(wire.Frame{Op: wire.FrameError, Error: "expected connect"})
		return
	}
	// acknowledge before registering so the ack precedes every delivery
	if err := c.write(wire.Frame{Op: wire.FrameConnAck, ID: c.id}); err != nil {
		return
	}
	c.will = hello.Will
	select {
	case c.hub.register <- c:
	case <-c.hub.done:
		return
	}
	go c.writePump()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Warningf("[client]%s: %s\n", c.id, err)
			}
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			glog.Warningf("[client]%s: bad frame: %s\n", c.id, err)
			continue
		}
		switch f.Op {
		case wire.FrameSubscribe:
			c.toHub(c.hub.subscribe, subscription{client: c, topic: f.Topic})
		case wire.FrameUnsubscribe:
			c.toHub(c.hub.unsubscribe, subscription{client: c, topic: f.Topic})
		case wire.FramePublish:
			c.hub.Publish(f.Topic, f.Payload, f.Retained)
		case wire.FrameDisconnect:
			clean = true
			return
		default:
			glog.Warningf("[client]%s: unknown op %q\n", c.id, f.Op)
		}
	}
}

func (c *Client) toHub(ch chan subscription, sub subscription) {
	select {
	case ch <- sub:
	case <-c.hub.done:
	}
}

// write sends a frame directly. Only used before writePump starts.
func (c *Client) write(f wire.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
