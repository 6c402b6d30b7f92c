package authn

import (
	"time"

	"github.com/vncache/vncache/internal/apperrors"
)

var errAdvertisementMalformed = apperrors.Malformed("X-Node-Discovery token does not carry an advertisement")

// IssueWellKnown builds the no-auth well-known response token (§4.I):
// sub is this node's own advertisement, plus a fresh challenge and iat.
func IssueWellKnown(ks *KeyStore, self Advertisement) (string, error) {
	challenge, err := GenerateChallenge()
	if err != nil {
		return "", err
	}
	claims := &Claims{
		Issuer:    self.NodeID,
		Challenge: challenge,
		IssuedAt:  time.Now().Unix(),
	}
	claims.SetSubjectAdvertisement(self)
	return ks.Issue(claims)
}

// IssueDiscoveryResponse builds the authenticated discovery response
// (§4.I): peers is the current snapshot, sub and chl echo the caller.
func IssueDiscoveryResponse(ks *KeyStore, selfNodeID string, callerClaims *Claims, peers []Advertisement) (string, error) {
	claims := &Claims{
		Issuer:    selfNodeID,
		Challenge: callerClaims.Challenge,
		IssuedAt:  time.Now().Unix(),
		Peers:     peers,
	}
	if sub, ok := callerClaims.SubjectString(); ok {
		claims.SetSubjectString(sub)
	}
	return ks.Issue(claims)
}

// IssueDiscoveryAdvertisement builds the self-signed X-Node-Discovery
// header value a peer attaches to its own step-2 upgrade request
// (§4.D step 2), re-broadcastable by whichever node receives it.
func IssueDiscoveryAdvertisement(ks *KeyStore, self Advertisement) (string, error) {
	claims := &Claims{
		Issuer:   self.NodeID,
		IssuedAt: time.Now().Unix(),
	}
	claims.SetSubjectAdvertisement(self)
	return ks.Issue(claims)
}

// ParseDiscoveryAdvertisement recovers the Advertisement carried in an
// X-Node-Discovery token, verifying it against the presenting peer's
// trusted key.
func ParseDiscoveryAdvertisement(ks *KeyStore, token string) (Advertisement, error) {
	claims, err := ks.VerifyAsPeer(token)
	if err != nil {
		return Advertisement{}, err
	}
	ad, ok := claims.SubjectAdvertisement()
	if !ok {
		return Advertisement{}, errAdvertisementMalformed
	}
	return ad, nil
}
