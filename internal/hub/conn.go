package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("hub: connection closed")

// Socket is the part of *websocket.Conn the write side needs.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live channel bound to a user identity.
type Conn struct {
	UID       string
	SessionID string
	WS        Socket

	// bounded outbound queue (backpressure)
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(uid string, ws Socket, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		UID:       uid,
		SessionID: uuid.NewString(),
		WS:        ws,
		out:       make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

// Send queues a frame for the write loop. It blocks while the buffer is full
// until ctx expires or the connection closes.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is idempotent. Closing the socket also unblocks a pending read.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue to the socket until the connection
// closes or a write fails. Frames still buffered at close are dropped.
func (c *Conn) WriteLoop(wt time.Duration) {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.WS.SetWriteDeadline(time.Now().Add(wt))
			if err := c.WS.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
