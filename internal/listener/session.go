// Package listener implements the per-connection message dispatcher
// (§4.E): one goroutine reads frames off an accepted WebSocket in
// arrival order and hands each to its own dispatch goroutine, so a
// blocking DEQUEUE never stalls other in-flight requests on the same
// connection, matching the replication worker's requirement to run
// several parallel DEQUEUE loops over one socket (§4.H).
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/fbm"
	"github.com/vncache/vncache/internal/logger"
	"github.com/vncache/vncache/internal/peerqueue"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Registry is the subset of the peer monitor (component G) a session
// registers itself with on connect and removes itself from on close.
type Registry interface {
	Register(s *Session)
	Unregister(s *Session)
}

// Session is one accepted, negotiated WebSocket connection.
type Session struct {
	ID     string
	NodeID string
	IsPeer bool

	conn       *websocket.Conn
	writeMu    sync.Mutex
	maxMessage int

	table    *blobstore.Table
	pipeline *MutationPipeline
	queues   *peerqueue.Manager
	registry Registry

	advertisement *authn.Advertisement

	log *zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSession wraps an already-negotiated WebSocket connection.
func NewSession(id, nodeID string, isPeer bool, conn *websocket.Conn, maxMessage int, table *blobstore.Table, pipeline *MutationPipeline, queues *peerqueue.Manager, registry Registry) *Session {
	l := logger.Listener().With().Str("session", id).Str("node", nodeID).Bool("peer", isPeer).Logger()
	return &Session{
		ID:         id,
		NodeID:     nodeID,
		IsPeer:     isPeer,
		conn:       conn,
		maxMessage: maxMessage,
		table:      table,
		pipeline:   pipeline,
		queues:     queues,
		registry:   registry,
		log:        &l,
	}
}

// Run registers the session with the peer monitor and reads frames
// until ctx is cancelled or the socket fails. It blocks until the
// connection is fully torn down.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if s.registry != nil {
		s.registry.Register(s)
		defer s.registry.Unregister(s)
	}
	if s.IsPeer {
		s.queues.Subscribe(s.NodeID)
		defer s.queues.Unsubscribe(s.NodeID)
	}

	s.conn.SetReadLimit(int64(s.maxMessage))
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop(ctx)

	defer func() {
		cancel()
		s.wg.Wait()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		frame, err := fbm.Decode(data, s.maxMessage)
		if err != nil {
			messageID, _ := fbm.PeekMessageID(data)
			s.writeError(messageID, err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, frame)
		}()
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				if s.cancel != nil {
					s.cancel()
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeFrame serializes and sends one response, guarding the
// connection with writeMu since responses from concurrent dispatch
// goroutines may interleave.
func (s *Session) writeFrame(f fbm.Frame) {
	encoded, err := f.Encode(s.maxMessage)
	if err != nil {
		s.log.Warn().Err(err).Uint32("messageId", f.MessageID).Msg("dropping oversized response")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
		s.log.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Session) writeError(messageID uint32, err error) {
	s.log.Debug().Err(err).Uint32("messageId", messageID).Msg("malformed request frame")
	s.writeFrame(fbm.Frame{MessageID: messageID, Status: fbm.StatusErr})
}

// SetAdvertisement records the peer's self-advertisement, captured
// from the X-Node-Discovery header during negotiation, so the peer
// monitor can seed the discovery walk from live connections.
func (s *Session) SetAdvertisement(ad *authn.Advertisement) {
	s.advertisement = ad
}

// Advertisement returns the peer's self-advertisement, nil if this
// session is not a peer or none was presented.
func (s *Session) Advertisement() *authn.Advertisement {
	return s.advertisement
}

// Close cancels the session's context, forcing its read loop and any
// blocked DEQUEUE dispatches to unwind. Nothing in this module calls
// it: the control server starts each session under a background
// context, so process shutdown does not close open sessions, and the
// peer monitor drops a session only when the session unregisters
// itself on exit.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
