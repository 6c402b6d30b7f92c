package discovery

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/authn"
)

const fetchTimeout = 10 * time.Second

// Fetcher calls a peer's discovery endpoint and returns its advertised
// peer list, used by Sweeper to walk the cluster breadth-first.
type Fetcher interface {
	FetchPeers(ctx context.Context, discoveryURL string) ([]authn.Advertisement, error)
}

// HTTPFetcher is the production Fetcher: an authenticated GET against
// a peer's discovery endpoint (§4.I).
type HTTPFetcher struct {
	client     *http.Client
	keystore   *authn.KeyStore
	selfNodeID string
}

// NewHTTPFetcher builds a fetcher that authenticates as selfNodeID
// using keystore's own signing key.
func NewHTTPFetcher(keystore *authn.KeyStore, selfNodeID string) *HTTPFetcher {
	return &HTTPFetcher{
		client:     &http.Client{Timeout: fetchTimeout},
		keystore:   keystore,
		selfNodeID: selfNodeID,
	}
}

// FetchPeers is not cryptographically verified against the remote
// peer's signature: this node has no a-priori trusted key for an
// arbitrary newly-discovered peer, only for peers already enrolled in
// its own client/peer trust lists. Discovery gossip is a bootstrap aid
// only; real trust is established at connect time, where the upgrade
// handshake verifies against the configured trust lists (§4.D).
func (f *HTTPFetcher) FetchPeers(ctx context.Context, discoveryURL string) ([]authn.Advertisement, error) {
	challenge, err := authn.GenerateChallenge()
	if err != nil {
		return nil, err
	}
	token, err := authn.BuildCallerToken(f.keystore, challenge, time.Now(), f.selfNodeID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, apperrors.Transport("failed to build discovery request", err)
	}
	req.Header.Set("Authorization", token)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.Transport("discovery request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transport("failed to read discovery response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Transport("discovery endpoint returned non-200", nil)
	}

	respToken := string(body)
	claims := &authn.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(respToken, claims); err != nil {
		return nil, apperrors.Protocol("malformed discovery response token")
	}

	return claims.Peers, nil
}
