package authn

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"

	"github.com/vncache/vncache/internal/apperrors"
)

// SignUpgrade produces the X-Upgrade-Sig header value: the caller's
// signature, over the complete step-1 JWT text, proving the caller
// holds the private key for whichever class the server will trust it
// under (§4.D step 2).
func SignUpgrade(priv *ecdsa.PrivateKey, step1Token string) (string, error) {
	digest := sha512.Sum384([]byte(step1Token))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return "", apperrors.Fatal("failed to sign upgrade challenge", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyUpgrade checks sigB64 against every candidate public key (the
// server tries the key class implied by the step-1 token's isPeer
// claim) and returns nil as soon as one verifies, or an error if none
// verify.
func VerifyUpgrade(keys []*ecdsa.PublicKey, step1Token, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return apperrors.Malformed("X-Upgrade-Sig is not valid base64")
	}
	digest := sha512.Sum384([]byte(step1Token))
	for _, pub := range keys {
		if ecdsa.VerifyASN1(pub, digest[:], sig) {
			return nil
		}
	}
	return apperrors.AuthFailure("X-Upgrade-Sig did not verify against any trusted key")
}
