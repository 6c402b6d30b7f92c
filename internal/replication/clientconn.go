package replication

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/fbm"
)

// clientConn multiplexes several outstanding requests over one
// WebSocket from the calling side, mirroring the listener's server-side
// dispatcher: one reader goroutine demultiplexes responses by message
// id to whichever caller is waiting, so several DEQUEUE loops can
// share a single connection (§4.H.2).
type clientConn struct {
	conn       *websocket.Conn
	maxMessage int

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]chan fbm.Frame
	nextID  uint32

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

func newClientConn(conn *websocket.Conn, maxMessage int) *clientConn {
	c := &clientConn{
		conn:       conn,
		maxMessage: maxMessage,
		pending:    make(map[uint32]chan fbm.Frame),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *clientConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(apperrors.Transport("replication connection closed", err))
			return
		}
		frame, err := fbm.Decode(data, c.maxMessage)
		if err != nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[frame.MessageID]
		if ok {
			delete(c.pending, frame.MessageID)
		}
		c.mu.Unlock()

		if ok {
			ch <- frame
		}
	}
}

func (c *clientConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}

// Request sends req with a fresh message id and waits for the
// matching response, ctx cancellation, or connection failure.
func (c *clientConn) Request(ctx context.Context, req fbm.Frame) (fbm.Frame, error) {
	id := atomic.AddUint32(&c.nextID, 1)
	req.MessageID = id

	ch := make(chan fbm.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	encoded, err := req.Encode(c.maxMessage)
	if err != nil {
		c.forget(id)
		return fbm.Frame{}, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, encoded)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fbm.Frame{}, apperrors.Transport("failed to write replication request", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return fbm.Frame{}, ctx.Err()
	case <-c.done:
		return fbm.Frame{}, c.closeErr
	}
}

func (c *clientConn) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the underlying connection and unblocks any pending
// requests.
func (c *clientConn) Close() error {
	c.fail(apperrors.Transport("connection closed locally", nil))
	return c.conn.Close()
}
