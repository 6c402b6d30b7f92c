package authn

import (
	"time"

	"github.com/vncache/vncache/internal/apperrors"
)

// step1TokenLifetime is the exp - iat spread on the server's step-1
// response, bit-exact per §4.D.2.
const step1TokenLifetime = 30 * time.Second

// BufferLimits bounds the three negotiable per-connection buffer
// sizes, read from cluster configuration (§6: buffer_recv_max/min,
// buffer_header_max/min, and the fixed max_message_size ceiling).
type BufferLimits struct {
	RecvMin, RecvMax     int
	HeaderMin, HeaderMax int
	Message              int
}

// Clamp bounds a client-suggested value into [min, max].
func Clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// BuildCallerToken builds the JWT a caller presents in step 1's
// Authorization header: chl, iat, and an optional sub identifying the
// caller as a peer (§4.D.1).
func BuildCallerToken(ks *KeyStore, challenge string, now time.Time, selfNodeID string) (string, error) {
	claims := &Claims{
		Challenge: challenge,
		IssuedAt:  now.Unix(),
	}
	if selfNodeID != "" {
		claims.SetSubjectString(selfNodeID)
	}
	return ks.Issue(claims)
}

// Step1Result is everything a server needs to remember between
// issuing its step-1 response and validating the step-2 upgrade.
type Step1Result struct {
	Token  string
	Claims *Claims
}

// BuildServerResponse implements the server side of §4.D.1 step 2:
// given the verified caller claims, produce the server-signed
// step-1 response token.
func BuildServerResponse(ks *KeyStore, serverNodeID, audience string, callerClaims *Claims, isPeer bool, callerIP string, limits BufferLimits) (Step1Result, error) {
	now := time.Now()
	nonce, err := GenerateNonce()
	if err != nil {
		return Step1Result{}, err
	}

	resp := &Claims{
		Issuer:          serverNodeID,
		Audience:        audience,
		IssuedAt:        now.Unix(),
		ExpiresAt:       now.Add(step1TokenLifetime).Unix(),
		Nonce:           nonce,
		Challenge:       callerClaims.Challenge,
		IsPeer:          isPeer,
		IP:              callerIP,
		MaxRecvBuffer:   limits.RecvMax,
		MaxHeaderBuffer: limits.HeaderMax,
		MaxMessage:      limits.Message,
	}
	if sub, ok := callerClaims.SubjectString(); ok {
		resp.SetSubjectString(sub)
	}

	token, err := ks.Issue(resp)
	if err != nil {
		return Step1Result{}, err
	}
	return Step1Result{Token: token, Claims: resp}, nil
}

// ValidateUpgrade implements §4.D step 2, items 1-2: parse and verify
// the step-1 token against this server's own key, then check aud,
// expiry, and (if enabled) the observed remote IP.
func ValidateUpgrade(ks *KeyStore, step1Token, serverAudience, remoteIP string, verifyIP bool, now time.Time) (*Claims, error) {
	claims, err := ks.VerifySelfIssued(step1Token)
	if err != nil {
		return nil, err
	}
	if claims.Audience != serverAudience {
		return nil, apperrors.AuthFailure("step-1 token audience does not match this server instance")
	}
	if claims.ExpiresAt != 0 && now.Unix() > claims.ExpiresAt {
		return nil, apperrors.AuthFailure("step-1 token has expired")
	}
	if verifyIP && claims.IP != remoteIP {
		return nil, apperrors.AuthFailure("step-1 token IP does not match the upgrading connection")
	}
	return claims, nil
}

// CheckTimeSkew rejects a token whose iat differs from the server's
// clock by more than the allowed skew, as required for the discovery
// endpoint (§4.I: 10 seconds).
func CheckTimeSkew(iat int64, now time.Time, allowed time.Duration) error {
	delta := now.Unix() - iat
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Second > allowed {
		return apperrors.AuthFailure("token iat outside allowed clock skew")
	}
	return nil
}
