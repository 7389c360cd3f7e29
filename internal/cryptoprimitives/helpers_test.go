package cryptoprimitives

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"
)

func mustEncryptOAEP(t *testing.T, pub *rsa.PublicKey, plaintext []byte) []byte {
	t.Helper()
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}
	return ct
}
