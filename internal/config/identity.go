package config

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/vncache/vncache/internal/apperrors"
	"github.com/vncache/vncache/internal/authn"
)

// LoadKeyStore reads this node's own private key and every trusted
// client/peer public key named in the identity section, and assembles
// the authn.KeyStore the control server and replication workers share.
func LoadKeyStore(identity Identity) (*authn.KeyStore, error) {
	if identity.PrivateKeyFile == "" {
		return nil, apperrors.Fatal("identity.private_key_file is required", nil)
	}

	priv, err := readPrivateKey(identity.PrivateKeyFile)
	if err != nil {
		return nil, err
	}

	ks := authn.NewKeyStore(priv)
	for _, path := range identity.TrustedClientKeyFiles {
		pub, err := readPublicKey(path)
		if err != nil {
			return nil, err
		}
		ks.TrustClientKey(pub)
	}
	for _, path := range identity.TrustedPeerKeyFiles {
		pub, err := readPublicKey(path)
		if err != nil {
			return nil, err
		}
		ks.TrustPeerKey(pub)
	}
	return ks, nil
}

func readPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Fatal("failed to read private key file "+path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperrors.Fatal("no PEM block found in "+path, nil)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, apperrors.Fatal("failed to parse EC private key from "+path, err)
	}
	return key, nil
}

func readPublicKey(path string) (*ecdsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Fatal("failed to read public key file "+path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperrors.Fatal("no PEM block found in "+path, nil)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apperrors.Fatal("failed to parse public key from "+path, err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, apperrors.Fatal("key in "+path+" is not an ECDSA public key", nil)
	}
	return ecdsaPub, nil
}
