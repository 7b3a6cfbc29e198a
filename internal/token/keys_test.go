package token

import (
	"encoding/base64"
	"math/big"
	"testing"
)

func TestKidStableAcrossReload(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	reloaded, err := LoadKeyPair(kp.ExportPrivatePEM())
	if err != nil {
		t.Fatalf("LoadKeyPair: %v", err)
	}
	if reloaded.Kid != kp.Kid {
		t.Errorf("kid changed across reload: %s != %s", reloaded.Kid, kp.Kid)
	}
	if reloaded.Public.N.Cmp(kp.Public.N) != 0 {
		t.Error("modulus changed across reload")
	}
}

func TestKidDiffersPerKey(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if a.Kid == b.Kid {
		t.Error("distinct keys share a kid")
	}
}

func TestLoadKeyPairRejectsGarbage(t *testing.T) {
	for _, pemText := range []string{
		"",
		"not pem at all",
		"-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n",
	} {
		if _, err := LoadKeyPair(pemText); err == nil {
			t.Errorf("LoadKeyPair(%q) accepted invalid input", pemText)
		}
	}
}

func TestToJWKRoundValues(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	jwk := kp.ToJWK()
	if jwk.Kty != "RSA" || jwk.Use != "sig" || jwk.Alg != "RS256" || jwk.Kid != kp.Kid {
		t.Errorf("jwk metadata = %+v", jwk)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		t.Fatalf("decode n: %v", err)
	}
	if new(big.Int).SetBytes(n).Cmp(kp.Public.N) != 0 {
		t.Error("jwk modulus does not match the public key")
	}
	e, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		t.Fatalf("decode e: %v", err)
	}
	if int(new(big.Int).SetBytes(e).Int64()) != kp.Public.E {
		t.Error("jwk exponent does not match the public key")
	}
}
