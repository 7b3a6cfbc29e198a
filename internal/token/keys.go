package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
)

// KeyPair holds the RSA signing key and its derived key id.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	Kid     string
}

// JWK is the public half of a key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// GenerateKeyPair creates a fresh RSA keypair. Intended for development
// and tests; production loads a PEM via configuration.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv)
}

// LoadKeyPair parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func LoadKeyPair(privatePEM string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("token: invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return newKeyPair(priv)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("token: not an RSA private key")
		}
		return newKeyPair(priv)
	default:
		return nil, fmt.Errorf("token: unsupported key type %s", block.Type)
	}
}

func newKeyPair(priv *rsa.PrivateKey) (*KeyPair, error) {
	kid, err := deriveKid(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey, Kid: kid}, nil
}

// deriveKid hashes the PKIX encoding of the public key so the id is
// stable across restarts for the same key material.
func deriveKid(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}

// ToJWK exports the public key for the JWKS endpoint.
func (k *KeyPair) ToJWK() JWK {
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: k.Kid,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(k.Public.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(k.Public.E)).Bytes()),
	}
}

// ExportPrivatePEM renders the private key in PKCS#1 PEM form.
func (k *KeyPair) ExportPrivatePEM() string {
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}
