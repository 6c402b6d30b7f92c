package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/changeevent"
	"github.com/vncache/vncache/internal/fbm"
	"github.com/vncache/vncache/internal/peerqueue"
)

type fakeRegistry struct {
	registered   []string
	unregistered []string
}

func (r *fakeRegistry) Register(s *Session)   { r.registered = append(r.registered, s.ID) }
func (r *fakeRegistry) Unregister(s *Session) { r.unregistered = append(r.unregistered, s.ID) }

// testServer wires one Session per accepted connection, mirroring how
// the HTTP control server hands an upgraded socket to the listener.
func testServer(t *testing.T, isPeer bool, queues *peerqueue.Manager) (*httptest.Server, *blobstore.Table) {
	t.Helper()
	table := blobstore.NewTable(4, 16)
	pipeline := NewMutationPipeline(queues)
	go pipeline.Run(context.Background())

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		session := NewSession("sess-1", "node-1", isPeer, conn, 1<<16, table, pipeline, queues, nil)
		go session.Run(context.Background())
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, table
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req fbm.Frame, timeout time.Duration) fbm.Frame {
	t.Helper()
	encoded, err := req.Encode(0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encoded))

	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := fbm.Decode(data, 0)
	require.NoError(t, err)
	return resp
}

func TestSessionGetMiss(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionGet, ObjectID: "key1"}, time.Second)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestSessionGetRejectsKeyShorterThanFour(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionGet, ObjectID: "abc"}, time.Second)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestSessionUpsertRejectsKeyShorterThanFour(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionUpsert, ObjectID: "abc", Body: []byte("v1")}, time.Second)
	assert.Equal(t, fbm.StatusErr, resp.Status)

	resp = roundTrip(t, conn, fbm.Frame{MessageID: 2, Action: fbm.ActionGet, ObjectID: "abc"}, time.Second)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestSessionUpsertThenGet(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionUpsert, ObjectID: "key1", Body: []byte("v1")}, time.Second)
	assert.Equal(t, fbm.StatusOK, resp.Status)

	resp = roundTrip(t, conn, fbm.Frame{MessageID: 2, Action: fbm.ActionGet, ObjectID: "key1"}, time.Second)
	assert.Equal(t, fbm.StatusOK, resp.Status)
	assert.Equal(t, []byte("v1"), resp.Body)
}

func TestSessionUpsertWithRename(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionUpsert, ObjectID: "oldk", Body: []byte("v1")}, time.Second)
	resp := roundTrip(t, conn, fbm.Frame{MessageID: 2, Action: fbm.ActionUpsert, ObjectID: "oldk", NewObjectID: "newk", Body: []byte("v2")}, time.Second)
	assert.Equal(t, fbm.StatusOK, resp.Status)

	resp = roundTrip(t, conn, fbm.Frame{MessageID: 3, Action: fbm.ActionGet, ObjectID: "newk"}, time.Second)
	assert.Equal(t, fbm.StatusOK, resp.Status)
	assert.Equal(t, []byte("v2"), resp.Body)
}

func TestSessionUpsertRejectsShortRenameTarget(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionUpsert, ObjectID: "oldk", Body: []byte("v1")}, time.Second)
	resp := roundTrip(t, conn, fbm.Frame{MessageID: 2, Action: fbm.ActionUpsert, ObjectID: "oldk", NewObjectID: "new", Body: []byte("v2")}, time.Second)
	assert.Equal(t, fbm.StatusErr, resp.Status)
}

func TestSessionDeleteHitAndMiss(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionUpsert, ObjectID: "key1", Body: []byte("v")}, time.Second)
	resp := roundTrip(t, conn, fbm.Frame{MessageID: 2, Action: fbm.ActionDelete, ObjectID: "key1"}, time.Second)
	assert.Equal(t, fbm.StatusOK, resp.Status)

	resp = roundTrip(t, conn, fbm.Frame{MessageID: 3, Action: fbm.ActionDelete, ObjectID: "key1"}, time.Second)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestSessionDequeueRejectsNonPeer(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionDequeue}, time.Second)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestSessionDequeueReceivesEventForPeer(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, table := testServer(t, true, queues)
	conn := dial(t, server)

	// Give the dequeue request time to register and block before the
	// event is published; not perfectly deterministic but generous.
	go func() {
		time.Sleep(50 * time.Millisecond)
		table.Upsert("k", []byte("v"))
		queues.PublishOne(changeevent.Upserted("k", "origin-node"))
	}()

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionDequeue}, 2*time.Second)
	assert.Equal(t, fbm.StatusModified, resp.Status)
	assert.Equal(t, "k", resp.ObjectID)
}

func TestSessionDequeueDoesNotLeakSubscription(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, table := testServer(t, true, queues)
	conn := dial(t, server)

	// Give the session time to subscribe (Session.Run does this once, on
	// a goroutine, right after the upgrade) before publishing, so the
	// event lands on an existing queue instead of being silently dropped.
	time.Sleep(50 * time.Millisecond)
	table.Upsert("key1", []byte("v"))
	queues.PublishOne(changeevent.Upserted("key1", "origin-node"))
	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: fbm.ActionDequeue}, time.Second)
	assert.Equal(t, fbm.StatusModified, resp.Status)

	second := fbm.Frame{MessageID: 2, Action: fbm.ActionDequeue}
	encoded, err := second.Encode(0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encoded))
	time.Sleep(50 * time.Millisecond)

	q, ok := queues.Lookup("node-1")
	require.True(t, ok)
	assert.Equal(t, 1, q.ListenerCount())
}

func TestSessionUnknownActionReturnsErr(t *testing.T) {
	queues := peerqueue.NewManager(8)
	server, _ := testServer(t, false, queues)
	conn := dial(t, server)

	resp := roundTrip(t, conn, fbm.Frame{MessageID: 1, Action: "bogus"}, time.Second)
	assert.Equal(t, fbm.StatusErr, resp.Status)
}
