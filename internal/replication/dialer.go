// Package replication implements the replication worker (§4.H): for
// each newly discovered peer, open an authenticated connection using
// this node's cache-node key, run several parallel DEQUEUE loops over
// it, and pull fresh entries as change events arrive.
package replication

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/authn"
)

const negotiationTimeout = 10 * time.Second

// BufferRequest is the set of buffer sizes this node asks for when
// dialing a peer; the peer clamps them into its own configured range.
type BufferRequest struct {
	RecvBuffer   int
	HeaderBuffer int
	MaxMessage   int
}

// Dial performs the full two-step negotiation against a peer's
// connect endpoint (§4.D) and returns the upgraded, authenticated
// connection plus the maximum message size this node requested
// (req.MaxMessage, or 1 MiB when that is not positive); the peer's
// clamped value is not read back.
func Dial(ctx context.Context, ks *authn.KeyStore, selfNodeID string, selfAd authn.Advertisement, connectURL string, req BufferRequest) (*websocket.Conn, int, error) {
	challenge, err := authn.GenerateChallenge()
	if err != nil {
		return nil, 0, err
	}
	step1Token, err := authn.BuildCallerToken(ks, challenge, time.Now(), selfNodeID)
	if err != nil {
		return nil, 0, err
	}

	httpURL := toHTTPURL(connectURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, 0, apperrors.Transport("failed to build step-1 request", err)
	}
	httpReq.Header.Set("Authorization", step1Token)

	client := &http.Client{Timeout: negotiationTimeout}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, 0, apperrors.Transport("step-1 request failed", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, 0, apperrors.Transport("failed to read step-1 response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, apperrors.AuthFailure(fmt.Sprintf("step-1 request rejected: status %d", resp.StatusCode))
	}
	serverToken := string(body)

	upgradeSig, err := authn.SignUpgrade(ks.Self, serverToken)
	if err != nil {
		return nil, 0, err
	}
	discoveryToken, err := authn.IssueDiscoveryAdvertisement(ks, selfAd)
	if err != nil {
		return nil, 0, err
	}

	wsURL := toWebSocketURL(connectURL, req)
	header := http.Header{}
	header.Set("Authorization", serverToken)
	header.Set("X-Upgrade-Sig", upgradeSig)
	header.Set("X-Node-Discovery", discoveryToken)
	header.Set("Sec-WebSocket-Protocol", "object-cache")

	conn, upgradeResp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		status := 0
		if upgradeResp != nil {
			status = upgradeResp.StatusCode
		}
		return nil, 0, apperrors.Transport(fmt.Sprintf("websocket upgrade failed (status %d)", status), err)
	}

	maxMessage := req.MaxMessage
	if maxMessage <= 0 {
		maxMessage = 1 << 20
	}
	return conn, maxMessage, nil
}

func toHTTPURL(connectURL string) string {
	if strings.HasPrefix(connectURL, "ws://") {
		return "http://" + strings.TrimPrefix(connectURL, "ws://")
	}
	if strings.HasPrefix(connectURL, "wss://") {
		return "https://" + strings.TrimPrefix(connectURL, "wss://")
	}
	return connectURL
}

func toWebSocketURL(connectURL string, req BufferRequest) string {
	base := connectURL
	if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	} else if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("recv_buf", strconv.Itoa(req.RecvBuffer))
	q.Set("header_buf", strconv.Itoa(req.HeaderBuffer))
	q.Set("max_mess", strconv.Itoa(req.MaxMessage))
	u.RawQuery = q.Encode()
	return u.String()
}
