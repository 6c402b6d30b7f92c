package replication

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

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/fbm"
)

// fakePeerServer answers step-1 negotiation and the WebSocket upgrade
// exactly as a real node would, then serves scripted FBM responses over
// the upgraded socket so the worker's dequeue/get loop can be exercised
// without a full listener package dependency.
func fakePeerServer(t *testing.T, peerKeys *authn.KeyStore, handle func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			go handle(conn)
			return
		}

		callerToken := r.Header.Get("Authorization")
		claims, err := peerKeys.VerifyAsPeer(callerToken)
		require.NoError(t, err)

		audience, err := authn.GenerateAudience()
		require.NoError(t, err)
		result, err := authn.BuildServerResponse(peerKeys, "peer-node", audience, claims, true, r.RemoteAddr, authn.BufferLimits{
			RecvMin: 1 << 10, RecvMax: 1 << 20,
			HeaderMin: 1 << 8, HeaderMax: 1 << 16,
			Message: 1 << 20,
		})
		require.NoError(t, err)
		w.Write([]byte(result.Token))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDialNegotiatesAndUpgrades(t *testing.T) {
	selfKeys := newSoloKeyStore(t)
	peerKeys := newSoloKeyStore(t)
	peerKeys.TrustPeerKey(&selfKeys.Self.PublicKey)

	server := fakePeerServer(t, peerKeys, func(conn *websocket.Conn) {
		conn.Close()
	})
	connectURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect"

	conn, maxMessage, err := Dial(context.Background(), selfKeys, "self-node", authn.Advertisement{NodeID: "self-node", ConnectURL: connectURL}, connectURL, BufferRequest{RecvBuffer: 1 << 12, HeaderBuffer: 1 << 10, MaxMessage: 1 << 16})
	require.NoError(t, err)
	defer conn.Close()
	assert.Greater(t, maxMessage, 0)
}

func TestWorkerAppliesDeleteAndModified(t *testing.T) {
	selfKeys := newSoloKeyStore(t)
	peerKeys := newSoloKeyStore(t)
	peerKeys.TrustPeerKey(&selfKeys.Self.PublicKey)

	table := blobstore.NewTable(4, 16)
	table.Upsert("stale", []byte("old"))

	served := make(chan struct{})
	server := fakePeerServer(t, peerKeys, func(conn *websocket.Conn) {
		defer close(served)
		for i := 0; i < 3; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := fbm.Decode(data, 0)
			if err != nil {
				return
			}
			var resp fbm.Frame
			switch req.Action {
			case fbm.ActionDequeue:
				if i == 0 {
					resp = fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusDeleted, ObjectID: "stale"}
				} else {
					resp = fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusModified, ObjectID: "fresh"}
				}
			case fbm.ActionGet:
				resp = fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: "fresh", Body: []byte("new-value")}
			}
			encoded, err := resp.Encode(0)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		}
		// Third dequeue call from each of the worker's parallel loops
		// gets "nf" so every loop exits cleanly.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := fbm.Decode(data, 0)
			if err != nil {
				return
			}
			resp := fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound}
			encoded, _ := resp.Encode(0)
			conn.WriteMessage(websocket.BinaryMessage, encoded)
		}
	})
	connectURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect"

	worker := NewWorker("peer-node", connectURL, table, selfKeys, "self-node", authn.Advertisement{NodeID: "self-node", ConnectURL: connectURL}, BufferRequest{RecvBuffer: 1 << 12, HeaderBuffer: 1 << 10, MaxMessage: 1 << 16}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = worker.Run(ctx)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("peer server never finished serving")
	}

	_, stillPresent := table.Get("stale")
	assert.False(t, stillPresent, "deleted key should be removed locally")

	value, ok := table.Get("fresh")
	require.True(t, ok, "modified key should be pulled and applied")
	assert.Equal(t, []byte("new-value"), value)
}

func TestWorkerRemovesOldKeyOnRename(t *testing.T) {
	selfKeys := newSoloKeyStore(t)
	peerKeys := newSoloKeyStore(t)
	peerKeys.TrustPeerKey(&selfKeys.Self.PublicKey)

	table := blobstore.NewTable(4, 16)
	table.Upsert("renamed-from", []byte("1"))

	served := make(chan struct{})
	server := fakePeerServer(t, peerKeys, func(conn *websocket.Conn) {
		defer close(served)
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := fbm.Decode(data, 0)
			if err != nil {
				return
			}
			var resp fbm.Frame
			switch req.Action {
			case fbm.ActionDequeue:
				resp = fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusModified, ObjectID: "renamed-from", NewObjectID: "renamed-to"}
			case fbm.ActionGet:
				resp = fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: "renamed-to", Body: []byte("1")}
			}
			encoded, err := resp.Encode(0)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, encoded); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := fbm.Decode(data, 0)
			if err != nil {
				return
			}
			resp := fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound}
			encoded, _ := resp.Encode(0)
			conn.WriteMessage(websocket.BinaryMessage, encoded)
		}
	})
	connectURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect"

	worker := NewWorker("peer-node", connectURL, table, selfKeys, "self-node", authn.Advertisement{NodeID: "self-node", ConnectURL: connectURL}, BufferRequest{RecvBuffer: 1 << 12, HeaderBuffer: 1 << 10, MaxMessage: 1 << 16}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = worker.Run(ctx)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("peer server never finished serving")
	}

	_, stillPresent := table.Get("renamed-from")
	assert.False(t, stillPresent, "rename source key should be removed locally once the target is applied")

	value, ok := table.Get("renamed-to")
	require.True(t, ok, "rename target should be pulled and applied")
	assert.Equal(t, []byte("1"), value)
}

func newSoloKeyStore(t *testing.T) *authn.KeyStore {
	t.Helper()
	priv, err := authn.GenerateKeyPair()
	require.NoError(t, err)
	return authn.NewKeyStore(priv)
}
