package authn

import (
	"crypto/rand"
	"encoding/base32"

	"github.com/vncache/vncache/internal/apperrors"
)

// minChallengeBytes is the raw entropy §4.D requires before base32
// encoding ("random challenge, base32 >= 16 bytes").
const minChallengeBytes = 16

// GenerateChallenge returns a fresh base32-encoded random challenge
// suitable for the chl claim.
func GenerateChallenge() (string, error) {
	buf := make([]byte, minChallengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Fatal("failed to generate challenge", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// GenerateAudience returns a fresh 128-bit random value unique to this
// server instance, used as the aud claim in the step-1 response.
func GenerateAudience() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Fatal("failed to generate audience", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// GenerateNonce returns a fresh nonce for the nonce claim.
func GenerateNonce() (string, error) {
	return GenerateAudience()
}
