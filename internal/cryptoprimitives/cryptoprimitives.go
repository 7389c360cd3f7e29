// Package cryptoprimitives provides the worker's raw cryptographic
// operations: RSA-OAEP-SHA256 keygen/decrypt, AES-CBC-PKCS7 encrypt/decrypt,
// SHA-256, and CSPRNG byte generation. All primitive failures collapse to
// a single CryptoError; callers (KmsClient, PayloadDecryptor) map that to
// the appropriate higher-level ErrCode.
package cryptoprimitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// CryptoError is the single error type every primitive in this package
// returns; it deliberately carries no ciphertext or key material.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("cryptoprimitives: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

func fail(op string, err error) error { return &CryptoError{Op: op, Err: err} }

// RSAKeyPair is an ephemeral RSA-2048 keypair.
type RSAKeyPair struct {
	Private *rsa.PrivateKey
	PubDER  []byte
}

// RSAGen2048 generates a fresh RSA-2048 keypair and DER-encodes its SPKI
// public key, as required for every attested KMS recipient key.
func RSAGen2048() (*RSAKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fail("rsa_gen", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fail("rsa_gen", err)
	}
	return &RSAKeyPair{Private: priv, PubDER: pubDER}, nil
}

// RSAOAEPSHA256Decrypt unwraps ciphertext encrypted under the matching
// public key using RSA-OAEP with a SHA-256 hash function, as KMS's
// RSAES_OAEP_SHA_256 recipient scheme requires.
func RSAOAEPSHA256Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, fail("rsa_oaep_sha256_decrypt", err)
	}
	return pt, nil
}

// validKeyLen reports whether an AES key length is one of the three
// supported sizes (supplemented feature: explicit precondition instead of
// letting aes.NewCipher return an opaque error).
func validKeyLen(n int) bool {
	switch n {
	case 16, 24, 32:
		return true
	default:
		return false
	}
}

// AESCBCPKCS7Encrypt encrypts data under key/iv using AES-CBC with PKCS7
// padding. key must be 16, 24, or 32 bytes; iv must be exactly 16 bytes.
func AESCBCPKCS7Encrypt(key, iv, data []byte) ([]byte, error) {
	if !validKeyLen(len(key)) {
		return nil, fail("aes_cbc_pkcs7_encrypt", fmt.Errorf("invalid key length %d", len(key)))
	}
	if len(iv) != aes.BlockSize {
		return nil, fail("aes_cbc_pkcs7_encrypt", fmt.Errorf("invalid iv length %d", len(iv)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fail("aes_cbc_pkcs7_encrypt", err)
	}
	padded := pkcs7Pad(data, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AESCBCPKCS7Decrypt decrypts ciphertext produced by AESCBCPKCS7Encrypt.
func AESCBCPKCS7Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if !validKeyLen(len(key)) {
		return nil, fail("aes_cbc_pkcs7_decrypt", fmt.Errorf("invalid key length %d", len(key)))
	}
	if len(iv) != aes.BlockSize {
		return nil, fail("aes_cbc_pkcs7_decrypt", fmt.Errorf("invalid iv length %d", len(iv)))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fail("aes_cbc_pkcs7_decrypt", errors.New("ciphertext is not a multiple of the block size"))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fail("aes_cbc_pkcs7_decrypt", err)
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fail("aes_cbc_pkcs7_decrypt", err)
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded data length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("invalid pkcs7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fail("rand_bytes", err)
	}
	return b, nil
}
