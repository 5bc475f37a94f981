// This file contains the conn type wrapping one client WebSocket. It owns
// the read and write pumps, ping keepalive and a close that runs once.

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosing = errors.New("devserver: connection closing")

type conn struct {
	id      string
	ws      *websocket.Conn
	params  url.Values
	send    chan []byte
	options *Options

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func(*conn)

	mu     sync.Mutex
	joined map[string]membership
}

// membership is one joined topic: the client's join ref and the presence
// ref tracked for it.
type membership struct {
	joinRef string
	phxRef  string
}

func newConn(parent context.Context, ws *websocket.Conn, id string, params url.Values, options *Options) (*conn, error) {
	ctx, cancel := context.WithCancel(parent)

	c := &conn{
		id:      id,
		ws:      ws,
		params:  params,
		send:    make(chan []byte, options.SendChannelBuffer),
		options: options,
		ctx:     ctx,
		cancel:  cancel,
		joined:  make(map[string]membership),
	}
	ws.SetReadLimit(options.MaxMessageSize)

	if err := ws.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, fmt.Errorf("failed to set initial read deadline for connection %s: %w", id, err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	return c, nil
}

// identity is the presence key of the connection: its agent_id socket
// param, or the connection id.
func (c *conn) identity() string {
	if agent := c.params.Get("agent_id"); agent != "" {
		return agent
	}
	return c.id
}

func (c *conn) membership(topic string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.joined[topic]
	return m, ok
}

func (c *conn) setMembership(topic string, m membership) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.joined[topic] = m
}

// takeMembership removes and returns the membership of topic.
func (c *conn) takeMembership(topic string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.joined[topic]
	delete(c.joined, topic)
	return m, ok
}

func (c *conn) memberships() map[string]membership {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]membership, len(c.joined))
	for topic, m := range c.joined {
		out[topic] = m
	}
	return out
}

// readPump hands every text frame to handle until the socket fails.
func (c *conn) readPump(handle func(*conn, []byte)) {
	defer c.close()

	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
			return
		}
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		handle(c, message)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(c.options.WriteWait))
			return
		}
	}
}

func (c *conn) sendFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame for connection %s: %w", c.id, err)
	}

	select {
	case <-c.ctx.Done():
		return errConnClosing
	case c.send <- data:
		return nil
	case <-time.After(c.options.WriteWait):
		go c.close()

		return fmt.Errorf("send timeout on connection %s: %w", c.id, errConnClosing)
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}
