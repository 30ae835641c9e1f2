package client

import (
	"context"
	"sync"

	"e2e_relay/internal/model"

	"github.com/gorilla/websocket"
)

type (
	// Conn is one transport connection to the relay. ReadFrame is called
	// from a single goroutine; WriteFrame may be called concurrently.
	Conn interface {
		ReadFrame() (model.Frame, error)
		WriteFrame(f model.Frame) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Conn, error)
	}

	WSDialer struct {
		URL    string
		Dialer *websocket.Dialer
	}

	wsConn struct {
		wmu sync.Mutex
		ws  *websocket.Conn
	}
)

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func (c *wsConn) ReadFrame() (model.Frame, error) {
	var f model.Frame
	err := c.ws.ReadJSON(&f)
	return f, err
}

func (c *wsConn) WriteFrame(f model.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
