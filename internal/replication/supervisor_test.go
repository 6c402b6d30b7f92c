package replication

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
)

func TestSupervisorReconcileStartsAndStopsWorkers(t *testing.T) {
	selfKeys := newSoloKeyStore(t)
	peerKeys := newSoloKeyStore(t)
	peerKeys.TrustPeerKey(&selfKeys.Self.PublicKey)

	connected := make(chan struct{}, 4)
	server := fakePeerServer(t, peerKeys, func(conn *websocket.Conn) {
		connected <- struct{}{}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	connectURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/connect"

	table := blobstore.NewTable(4, 16)
	sup := NewSupervisor(table, selfKeys, "self-node", authn.Advertisement{NodeID: "self-node", ConnectURL: connectURL}, BufferRequest{RecvBuffer: 1 << 12, HeaderBuffer: 1 << 10, MaxMessage: 1 << 16})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.Reconcile(ctx, []authn.Advertisement{{NodeID: "peer-node", ConnectURL: connectURL}})

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never connected to peer")
	}

	sup.mu.Lock()
	_, running := sup.running["peer-node"]
	sup.mu.Unlock()
	assert.True(t, running)

	sup.Reconcile(ctx, nil)

	sup.mu.Lock()
	_, stillRunning := sup.running["peer-node"]
	sup.mu.Unlock()
	assert.False(t, stillRunning)

	sup.StopAll()
}

func TestSupervisorReconcileIgnoresIncompleteAdvertisements(t *testing.T) {
	selfKeys := newSoloKeyStore(t)
	table := blobstore.NewTable(4, 16)
	sup := NewSupervisor(table, selfKeys, "self-node", authn.Advertisement{NodeID: "self-node"}, BufferRequest{})

	sup.Reconcile(context.Background(), []authn.Advertisement{{NodeID: "no-url"}, {ConnectURL: "ws://no-id/connect"}})

	sup.mu.Lock()
	defer sup.mu.Unlock()
	require.Empty(t, sup.running)
}
