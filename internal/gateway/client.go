package gateway

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"marketpulse/internal/logger"
	"marketpulse/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxControlSize = 4096
)

// Client is one WebSocket peer bound to a hub Handle.
type Client struct {
	conn    *websocket.Conn
	hub     *Hub
	handle  *Handle
	send    chan []byte // acks and errors
	latency *LatencyTracker
}

// ServeClient registers conn with the hub and runs its pumps until either
// side fails. Only this client's handle is deregistered.
func ServeClient(ctx context.Context, hub *Hub, conn *websocket.Conn, latency *LatencyTracker) {
	c := &Client{
		conn:    conn,
		hub:     hub,
		handle:  hub.Register(conn.RemoteAddr().String()),
		send:    make(chan []byte, 16),
		latency: latency,
	}
	ctx = logger.WithConnID(ctx, c.handle.ID)
	logger.Component("gateway").Info("ws client connected",
		append(logger.Attrs(ctx), "remote", c.handle.Label)...)

	hub.sessions.Add(1)
	go c.writePump()
	c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Deregister(c.handle)
		c.conn.Close()
		logger.Component("gateway").Info("ws client disconnected",
			append(logger.Attrs(ctx), "delivered", c.handle.Delivered(), "dropped", c.handle.Dropped())...)
	}()

	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[gateway] ws read error id=%s: %v", c.handle.ID, err)
			}
			return
		}

		msg, err := ParseControl(raw)
		if err != nil {
			c.reply(errorFrame(msg.ReqID, err.Error()))
			continue
		}

		var changed []string
		switch msg.Action {
		case actionSubscribe:
			changed, _, err = c.hub.UpdateInterest(ctx, c.handle, msg.Targets(), nil)
		case actionUnsubscribe:
			_, changed, err = c.hub.UpdateInterest(ctx, c.handle, nil, msg.Targets())
		}
		if err != nil {
			return
		}
		c.reply(ackFrame(msg.Action, msg.ReqID, changed))
	}
}

// reply queues a protocol frame; a client too slow to take acks loses them.
func (c *Client) reply(frame []byte) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.sessions.Done()
	}()

	for {
		select {
		case t := <-c.handle.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, t.JSON()); err != nil {
				c.hub.Deregister(c.handle)
				return
			}
			c.observe(t)
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.Deregister(c.handle)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.Deregister(c.handle)
				return
			}
		case <-c.handle.Done():
			code, text := websocket.CloseGoingAway, "subscriber closed"
			if c.handle.Evicted() {
				code, text = websocket.ClosePolicyViolation, "subscriber too slow"
			} else {
				c.drain()
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

// drain writes the ticks still queued for the handle under one write deadline.
func (c *Client) drain() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case t := <-c.handle.C():
			if err := c.conn.WriteMessage(websocket.TextMessage, t.JSON()); err != nil {
				return
			}
			c.observe(t)
		default:
			return
		}
	}
}

func (c *Client) observe(t model.Tick) {
	if c.latency != nil {
		c.latency.Since(t.Timestamp)
	}
}
