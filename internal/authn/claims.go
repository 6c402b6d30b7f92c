// Package authn implements VNCache's negotiation and authentication
// handshake (§4.D): ECDSA P-384 identities, ES384 JWTs carrying the
// bit-exact claim names required for interop, and the two trust
// classes (client keys, cache-node keys) a server verifies callers
// against.
package authn

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Advertisement is the self-description a node publishes at its
// well-known endpoint and includes in discovery responses (§6).
type Advertisement struct {
	NodeID        string `json:"iss"`
	ConnectURL    string `json:"url"`
	DiscoveryURL  string `json:"dis,omitempty"`
}

// Claims holds every JWT claim name this protocol uses across its four
// token shapes (step-1 challenge, step-1 response, well-known
// advertisement, discovery response). Fields are omitted from the
// wire encoding when zero-valued; which ones are populated depends on
// which of the four shapes is being built.
type Claims struct {
	Issuer    string          `json:"iss,omitempty"`
	Subject   json.RawMessage `json:"sub,omitempty"`
	Audience  string          `json:"aud,omitempty"`
	IssuedAt  int64           `json:"iat,omitempty"`
	ExpiresAt int64           `json:"exp,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Challenge string          `json:"chl,omitempty"`
	IsPeer    bool            `json:"isPeer,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Peers     []Advertisement `json:"peers,omitempty"`

	MaxRecvBuffer   int `json:"maxRecvBuffer,omitempty"`
	MaxHeaderBuffer int `json:"maxHeaderBuffer,omitempty"`
	MaxMessage      int `json:"maxMessage,omitempty"`
}

// SetSubjectString packs a plain string (a node id, echoed back to a
// caller) into the sub claim.
func (c *Claims) SetSubjectString(s string) {
	if s == "" {
		c.Subject = nil
		return
	}
	raw, _ := json.Marshal(s)
	c.Subject = raw
}

// SetSubjectAdvertisement packs a self-advertisement object into the
// sub claim, used by the well-known response.
func (c *Claims) SetSubjectAdvertisement(ad Advertisement) {
	raw, _ := json.Marshal(ad)
	c.Subject = raw
}

// SubjectString returns sub as a plain string, false if it isn't one.
func (c *Claims) SubjectString() (string, bool) {
	if len(c.Subject) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.Subject, &s); err != nil {
		return "", false
	}
	return s, true
}

// SubjectAdvertisement returns sub as an Advertisement, false if it isn't one.
func (c *Claims) SubjectAdvertisement() (Advertisement, bool) {
	if len(c.Subject) == 0 {
		return Advertisement{}, false
	}
	var ad Advertisement
	if err := json.Unmarshal(c.Subject, &ad); err != nil || ad.NodeID == "" {
		return Advertisement{}, false
	}
	return ad, true
}

// The methods below satisfy jwt/v5's Claims interface. jwt's parser
// uses GetExpirationTime, so a token whose exp is already past fails
// ParseWithClaims itself. Audience and issuer are not checked by the
// parser (no expected values are configured); this protocol checks aud
// and exp explicitly against values the server itself generated
// (ValidateUpgrade).

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	if c.IssuedAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c *Claims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}

func (c *Claims) GetIssuer() (string, error) {
	return c.Issuer, nil
}

func (c *Claims) GetSubject() (string, error) {
	if s, ok := c.SubjectString(); ok {
		return s, nil
	}
	return "", nil
}

func (c *Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}
