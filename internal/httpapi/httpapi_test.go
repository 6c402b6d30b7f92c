package httpapi

import (
	"context"
	"io"
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
	"github.com/vncache/vncache/internal/discovery"
	"github.com/vncache/vncache/internal/fbm"
	"github.com/vncache/vncache/internal/listener"
	"github.com/vncache/vncache/internal/peerqueue"
)

func newTestServer(t *testing.T, trustedClient, trustedPeer *authn.KeyStore) (*httptest.Server, *Server) {
	t.Helper()
	selfPriv, err := authn.GenerateKeyPair()
	require.NoError(t, err)
	keystore := authn.NewKeyStore(selfPriv)
	keystore.TrustClientKey(&trustedClient.Self.PublicKey)
	keystore.TrustPeerKey(&trustedPeer.Self.PublicKey)

	table := blobstore.NewTable(4, 16)
	queues := peerqueue.NewManager(8)
	pipeline := listener.NewMutationPipeline(queues)
	go pipeline.Run(context.Background())
	monitor := discovery.NewMonitor()

	audience, err := authn.GenerateAudience()
	require.NoError(t, err)

	cfg := Config{
		Paths:    Paths{Connect: "/connect", Discovery: "/discovery", WellKnown: "/.well-known/vncache"},
		Limits:   authn.BufferLimits{RecvMin: 1 << 10, RecvMax: 1 << 20, HeaderMin: 1 << 8, HeaderMax: 1 << 16, Message: 1 << 20},
		VerifyIP: false,
		MaxConns: 4,
		SelfAd:   authn.Advertisement{NodeID: "server-node", ConnectURL: "ws://server/connect"},
		DiscoveryFn: func() []authn.Advertisement {
			return monitor.ConnectedAdvertisements()
		},
	}

	server := NewServer(keystore, table, pipeline, queues, monitor, cfg, audience)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer, server
}

func negotiateAndUpgrade(t *testing.T, httpServer *httptest.Server, callerKeys *authn.KeyStore, asPeer bool) *websocket.Conn {
	t.Helper()

	challenge, err := authn.GenerateChallenge()
	require.NoError(t, err)
	var selfID string
	if asPeer {
		selfID = "caller-node"
	}
	step1Token, err := authn.BuildCallerToken(callerKeys, challenge, time.Now(), selfID)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, httpServer.URL+"/connect", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", step1Token)
	resp, err := httpServer.Client().Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	serverToken := string(body)

	upgradeSig, err := authn.SignUpgrade(callerKeys.Self, serverToken)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", serverToken)
	header.Set("X-Upgrade-Sig", upgradeSig)
	if asPeer {
		discoveryToken, err := authn.IssueDiscoveryAdvertisement(callerKeys, authn.Advertisement{NodeID: "caller-node", ConnectURL: "ws://caller/connect"})
		require.NoError(t, err)
		header.Set("X-Node-Discovery", discoveryToken)
	}

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/connect"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWellKnownReturnsSelfAdvertisement(t *testing.T) {
	clientKeys, peerKeys := newKeyStoreForTrust(t), newKeyStoreForTrust(t)
	httpServer, _ := newTestServer(t, clientKeys, peerKeys)

	resp, err := http.Get(httpServer.URL + "/.well-known/vncache")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectStep1RejectsUntrustedCaller(t *testing.T) {
	clientKeys, peerKeys := newKeyStoreForTrust(t), newKeyStoreForTrust(t)
	httpServer, _ := newTestServer(t, clientKeys, peerKeys)

	untrustedPriv, err := authn.GenerateKeyPair()
	require.NoError(t, err)
	untrusted := authn.NewKeyStore(untrustedPriv)

	challenge, err := authn.GenerateChallenge()
	require.NoError(t, err)
	token, err := authn.BuildCallerToken(untrusted, challenge, time.Now(), "")
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, httpServer.URL+"/connect", nil)
	req.Header.Set("Authorization", token)
	resp, err := httpServer.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectUpgradeAsClientThenGet(t *testing.T) {
	clientKeys, peerKeys := newKeyStoreForTrust(t), newKeyStoreForTrust(t)
	httpServer, _ := newTestServer(t, clientKeys, peerKeys)

	conn := negotiateAndUpgrade(t, httpServer, clientKeys, false)

	req := fbm.Frame{MessageID: 1, Action: fbm.ActionGet, ObjectID: "k"}
	encoded, err := req.Encode(0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encoded))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	resp, err := fbm.Decode(data, 0)
	require.NoError(t, err)
	assert.Equal(t, fbm.StatusNotFound, resp.Status)
}

func TestConnectUpgradeAsPeerCanDequeue(t *testing.T) {
	clientKeys, peerKeys := newKeyStoreForTrust(t), newKeyStoreForTrust(t)
	httpServer, _ := newTestServer(t, clientKeys, peerKeys)

	conn := negotiateAndUpgrade(t, httpServer, peerKeys, true)

	req := fbm.Frame{MessageID: 1, Action: fbm.ActionDequeue}
	encoded, err := req.Encode(0)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encoded))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "no event published yet; read should time out rather than return early")
	_ = data
}

func TestDiscoveryRequiresAuth(t *testing.T) {
	clientKeys, peerKeys := newKeyStoreForTrust(t), newKeyStoreForTrust(t)
	httpServer, _ := newTestServer(t, clientKeys, peerKeys)

	resp, err := http.Get(httpServer.URL + "/discovery")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func newKeyStoreForTrust(t *testing.T) *authn.KeyStore {
	t.Helper()
	priv, err := authn.GenerateKeyPair()
	require.NoError(t, err)
	return authn.NewKeyStore(priv)
}
