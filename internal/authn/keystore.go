package authn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vncache/vncache/internal/apperrors"
)

// GenerateKeyPair creates a fresh ECDSA P-384 key pair, the identity
// shape every participant holds (§4.D).
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, apperrors.Fatal("failed to generate P-384 key pair", err)
	}
	return key, nil
}

// KeyStore holds this node's own signing identity and the public
// verification material for both trust classes. A server verifies an
// incoming step-1 token against ClientKeys first, then PeerKeys on
// failure (§4.D.1); the node's own Self key doubles as its cache-node
// key when this node dials out as a peer during replication.
type KeyStore struct {
	Self *ecdsa.PrivateKey

	ClientKeys []*ecdsa.PublicKey
	PeerKeys   []*ecdsa.PublicKey
}

// NewKeyStore builds a KeyStore around this node's own key pair.
func NewKeyStore(self *ecdsa.PrivateKey) *KeyStore {
	return &KeyStore{Self: self}
}

// TrustClientKey adds a public key a server will accept as a client.
func (ks *KeyStore) TrustClientKey(pub *ecdsa.PublicKey) {
	ks.ClientKeys = append(ks.ClientKeys, pub)
}

// TrustPeerKey adds a public key a server will accept as a cache node.
func (ks *KeyStore) TrustPeerKey(pub *ecdsa.PublicKey) {
	ks.PeerKeys = append(ks.PeerKeys, pub)
}

// Issue signs claims with this node's own key, ES384, and returns the
// compact JWT string.
func (ks *KeyStore) Issue(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	signed, err := token.SignedString(ks.Self)
	if err != nil {
		return "", apperrors.Fatal("failed to sign token", err)
	}
	return signed, nil
}

func verifyWithKeys(tokenString string, keys []*ecdsa.PublicKey) (*Claims, error) {
	var lastErr error
	for _, key := range keys {
		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, apperrors.AuthFailure("unexpected signing method")
			}
			return key, nil
		})
		if err == nil && parsed.Valid {
			return claims, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = apperrors.AuthFailure("no verification keys configured")
	}
	return nil, apperrors.AuthFailure("signature verification failed")
}

// VerifyAsClient verifies tokenString against every trusted client key.
func (ks *KeyStore) VerifyAsClient(tokenString string) (*Claims, error) {
	return verifyWithKeys(tokenString, ks.ClientKeys)
}

// VerifyAsPeer verifies tokenString against every trusted cache-node key.
func (ks *KeyStore) VerifyAsPeer(tokenString string) (*Claims, error) {
	return verifyWithKeys(tokenString, ks.PeerKeys)
}

// VerifyEitherClass implements §4.D.1: try client keys first, then
// peer keys, marking isPeer=true only on the second path succeeding.
func (ks *KeyStore) VerifyEitherClass(tokenString string) (claims *Claims, isPeer bool, err error) {
	if claims, err = ks.VerifyAsClient(tokenString); err == nil {
		return claims, false, nil
	}
	if claims, err = ks.VerifyAsPeer(tokenString); err == nil {
		return claims, true, nil
	}
	return nil, false, apperrors.AuthFailure("token not valid for either trust class")
}

// VerifySelfIssued verifies tokenString was signed by this node's own
// key, the check a server performs on the step-1 token it receives
// back during step 2 (§4.D.2: "must be a token this server issued").
func (ks *KeyStore) VerifySelfIssued(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, apperrors.AuthFailure("unexpected signing method")
		}
		return &ks.Self.PublicKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperrors.AuthFailure("step-1 token was not issued by this server")
	}
	return claims, nil
}
