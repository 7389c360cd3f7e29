// Package attestverify parses and verifies AWS Nitro attestation documents:
// COSE_Sign1 decode, required-field checks on the CBOR payload, the
// two-critical-extension certificate check, chain verification against the
// hard-coded Nitro root, and the ECDSA-P384 signature check (spec.md §4.3,
// in that order).
package attestverify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	cose "github.com/veraison/go-cose"
)

// Kind enumerates the taxonomy of verification failures (spec.md §4.3).
// Normalizes the original's inconsistent 3-vs-4-tuple-on-exception
// behavior into a single error type with one explicit Kind.
type Kind int

const (
	MalformedCose Kind = iota
	MissingField
	BadDigest
	BadCertExtensions
	UntrustedChain
	BadSignature
)

func (k Kind) String() string {
	switch k {
	case MalformedCose:
		return "MalformedCose"
	case MissingField:
		return "MissingField"
	case BadDigest:
		return "BadDigest"
	case BadCertExtensions:
		return "BadCertExtensions"
	case UntrustedChain:
		return "UntrustedChain"
	case BadSignature:
		return "BadSignature"
	default:
		return "Unknown"
	}
}

// VerifyError is the single error type this package ever returns.
type VerifyError struct {
	Kind Kind
	Err  error
}

func (e *VerifyError) Error() string { return fmt.Sprintf("attestverify: %s: %v", e.Kind, e.Err) }
func (e *VerifyError) Unwrap() error { return e.Err }

func fail(kind Kind, err error) error { return &VerifyError{Kind: kind, Err: err} }

// Verified is the successfully-verified contents of an attestation
// document.
type Verified struct {
	PCRs        map[uint][]byte
	TimestampMS int64
	UserData    []byte
	PublicKey   []byte
}

// nitroRootPEM is the AWS Nitro Enclaves Root CA, the sole trust anchor
// for production verification. Published fingerprint (SHA-256 of the zip):
// 8cf60e2b2efca96c6a9e71e851d00c1b6991cc09eadbe64a6a1d1b1eb9faff7c.
const nitroRootPEM = `-----BEGIN CERTIFICATE-----
MIICETCCAZagAwIBAgIRAPkxdWgbkK/hHUbMtOTn+FYwCgYIKoZIzj0EAwMwSTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoMBkFtYXpvbjEMMAoGA1UECwwDQVdTMRswGQYD
VQQDDBJhd3Mubml0cm8tZW5jbGF2ZXMwHhcNMTkxMDI4MTMyODA1WhcNNDkxMDI4
MTQyODA1WjBJMQswCQYDVQQGEwJVUzEPMA0GA1UECgwGQW1hem9uMQwwCgYDVQQL
DANBV1MxGzAZBgNVBAMMEmF3cy5uaXRyby1lbmNsYXZlczB2MBAGByqGSM49AgEG
BSuBBAAiA2IABPwCVOumCMHzaHDimtqQvkY4MpJzbolL//Zy2YlES1BR5TSksfbb
48C8WBoyt7F2Bw7eEtaaP+ohG2bnUs990d0JX28TcPQXCEPZ3BABIeTPYwEoCWZE
h8l5YoQwTcU/9KNCMEAwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUkCW1DdkF
R+eWw5b6cp3PmanfS5YwDgYDVR0PAQH/BAQDAgGGMAoGCCqGSM49BAMDA2kAMGYC
MQCjfy+Rocm9Xue4YnwWmNJVA44fA0P5W2OpYow9OYCVRaEevL8uO1XYru5xtMPW
rfMCMQCi85sWBbJwKKXdS6BptQFuZbT73o/gBh1qUxl/nNr12UO8Yfwr6wPLb+6N
IwLz3/Y=
-----END CERTIFICATE-----
`

var nitroRoots = func() *x509.CertPool {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(nitroRootPEM)) {
		panic("attestverify: embedded Nitro root CA does not parse")
	}
	return pool
}()

// nsmDocument mirrors the NSM attestation payload's CBOR map.
type nsmDocument struct {
	ModuleID    string          `cbor:"module_id"`
	Timestamp   uint64          `cbor:"timestamp"`
	Digest      string          `cbor:"digest"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key"`
	UserData    []byte          `cbor:"user_data"`
	Nonce       []byte          `cbor:"nonce"`
}

// requiredKeys are the payload map keys spec.md §4.3 step 2 demands be
// present; public_key and user_data may carry null but the keys themselves
// must exist.
var requiredKeys = []string{
	"module_id", "digest", "timestamp", "pcrs", "cabundle", "certificate", "public_key", "user_data",
}

// requiredCriticalExtensions are the only two critical X.509 extensions a
// valid Nitro leaf certificate may carry (spec.md §4.3 step 3).
var requiredCriticalExtensions = map[string]bool{
	"2.5.29.19": true, // basicConstraints
	"2.5.29.15": true, // keyUsage
}

// Verify validates an attestation document against the embedded AWS Nitro
// root, using checkTime as the certificate validity reference point (the
// caller passes either wall-clock "now" or the document's own embedded
// timestamp, per spec.md §4.3 step 4).
func Verify(doc []byte, checkTime time.Time) (*Verified, error) {
	return VerifyWithRoots(doc, checkTime, nitroRoots)
}

// VerifyWithRoots is Verify with a caller-supplied trust anchor pool, so
// tests and cross-environment tooling can verify documents issued under a
// non-production CA.
func VerifyWithRoots(docBytes []byte, checkTime time.Time, roots *x509.CertPool) (*Verified, error) {
	// NSM emits an untagged COSE_Sign1 array, not the tag-18 form.
	var msg cose.UntaggedSign1Message
	if err := msg.UnmarshalCBOR(docBytes); err != nil {
		return nil, fail(MalformedCose, err)
	}
	if len(msg.Payload) == 0 {
		return nil, fail(MalformedCose, fmt.Errorf("payload section is empty"))
	}

	var keys map[string]cbor.RawMessage
	if err := cbor.Unmarshal(msg.Payload, &keys); err != nil {
		return nil, fail(MalformedCose, fmt.Errorf("payload is not a CBOR map: %w", err))
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return nil, fail(MissingField, fmt.Errorf("payload is missing %q", k))
		}
	}

	var doc nsmDocument
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return nil, fail(MalformedCose, fmt.Errorf("decode payload: %w", err))
	}
	if doc.ModuleID == "" {
		return nil, fail(MissingField, fmt.Errorf("module_id is empty"))
	}
	if doc.Timestamp == 0 {
		return nil, fail(MissingField, fmt.Errorf("timestamp is zero"))
	}
	if len(doc.PCRs) == 0 {
		return nil, fail(MissingField, fmt.Errorf("pcrs map is empty"))
	}
	for idx, v := range doc.PCRs {
		if len(v) != 32 && len(v) != 48 && len(v) != 64 {
			return nil, fail(MissingField, fmt.Errorf("pcr%d has invalid length %d", idx, len(v)))
		}
	}
	if len(doc.CABundle) == 0 {
		return nil, fail(MissingField, fmt.Errorf("cabundle is empty"))
	}
	if len(doc.Certificate) == 0 {
		return nil, fail(MissingField, fmt.Errorf("certificate is empty"))
	}
	if doc.Digest != "SHA384" {
		return nil, fail(BadDigest, fmt.Errorf("unexpected digest %q", doc.Digest))
	}

	leaf, err := x509.ParseCertificate(doc.Certificate)
	if err != nil {
		return nil, fail(UntrustedChain, fmt.Errorf("parse leaf certificate: %w", err))
	}
	if err := checkCriticalExtensions(leaf); err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for i, der := range doc.CABundle {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fail(UntrustedChain, fmt.Errorf("parse cabundle[%d]: %w", i, err))
		}
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   checkTime,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fail(UntrustedChain, err)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return nil, fail(BadSignature, fmt.Errorf("leaf public key is not ECDSA P-384"))
	}
	verifier, err := cose.NewVerifier(cose.AlgorithmES384, pub)
	if err != nil {
		return nil, fail(BadSignature, err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fail(BadSignature, err)
	}

	return &Verified{
		PCRs:        doc.PCRs,
		TimestampMS: int64(doc.Timestamp),
		UserData:    doc.UserData,
		PublicKey:   doc.PublicKey,
	}, nil
}

func checkCriticalExtensions(cert *x509.Certificate) error {
	count := 0
	for _, ext := range cert.Extensions {
		if !ext.Critical {
			continue
		}
		count++
		if !requiredCriticalExtensions[ext.Id.String()] {
			return fail(BadCertExtensions, fmt.Errorf("unexpected critical extension %s", ext.Id.String()))
		}
	}
	if count != len(requiredCriticalExtensions) {
		return fail(BadCertExtensions, fmt.Errorf("expected exactly %d critical extensions, found %d", len(requiredCriticalExtensions), count))
	}
	return nil
}
