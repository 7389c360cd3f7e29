// Package kmsclient talks to a remote AWS KMS Decrypt endpoint the way
// spec.md §4.4 requires: an attested ephemeral RSA-2048 keypair is handed
// to KMS as the Recipient of a SigV4-signed Decrypt call, and the CMS
// EnvelopedData KMS hands back is unwrapped locally so the plaintext data
// key never crosses the enclave boundary unencrypted.
package kmsclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/infrastructure/httputil"
	"github.com/letsesign/enclave-worker/infrastructure/resilience"
)

// Kind enumerates the KMS client's failure taxonomy (spec.md §4.4).
type Kind int

const (
	Network Kind = iota
	HTTPStatus
	MalformedResponse
	AttestationRejectedByKms
	CryptoError
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "Network"
	case HTTPStatus:
		return "HttpStatus"
	case MalformedResponse:
		return "MalformedResponse"
	case AttestationRejectedByKms:
		return "AttestationRejectedByKms"
	case CryptoError:
		return "CryptoError"
	default:
		return "Unknown"
	}
}

// KmsError is the single error type this package returns. Its message
// never includes ciphertext or key material.
type KmsError struct {
	Kind Kind
	Err  error
}

func (e *KmsError) Error() string { return fmt.Sprintf("kmsclient: %s: %v", e.Kind, e.Err) }
func (e *KmsError) Unwrap() error { return e.Err }

func fail(kind Kind, err error) error { return &KmsError{Kind: kind, Err: err} }

// Attester requests an NSM attestation document embedding an optional
// public key, satisfied by *nsmbridge.Bridge.
type Attester interface {
	Attest(userData, publicKey []byte) ([]byte, error)
}

// Config carries the static SigV4 credentials and timeout this client uses
// for every Decrypt call.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	RequestTimeout  time.Duration
}

// Client performs attested KMS Decrypt calls.
type Client struct {
	attester Attester
	cfg      Config
	http     *http.Client
}

var retryPolicy = resilience.RetryConfig{
	MaxAttempts:  5,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       0.1,
}

// New builds a Client. base may be nil; the client always applies its own
// per-request timeout on top of whatever base carries.
func New(attester Attester, cfg Config, base *http.Client) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		attester: attester,
		cfg:      cfg,
		http:     httputil.CopyHTTPClientWithTimeout(base, timeout, true),
	}
}

type decryptRequestRecipient struct {
	KeyEncryptionAlgorithm string `json:"KeyEncryptionAlgorithm"`
	AttestationDocument    string `json:"AttestationDocument"`
}

type decryptRequest struct {
	KeyID                string                   `json:"KeyId"`
	CiphertextBlob       string                   `json:"CiphertextBlob"`
	EncryptionAlgorithm  string                   `json:"EncryptionAlgorithm"`
	Recipient            decryptRequestRecipient  `json:"Recipient"`
}

type decryptResponse struct {
	KeyID                  string `json:"KeyId"`
	CiphertextForRecipient string `json:"CiphertextForRecipient"`
	// Plaintext is only present when no Recipient was supplied; this
	// client always supplies one, so the field is decoded but never read.
	Plaintext string `json:"Plaintext"`
}

// Decrypt extracts region from kmsKeyARN, attests a fresh ephemeral RSA-2048
// key, issues a SigV4-signed Decrypt call with that key as the Recipient,
// and unwraps the returned CMS EnvelopedData to recover the plaintext data
// key that was used to seal one task-payload envelope.
func (c *Client) Decrypt(ctx context.Context, kmsKeyARN, ciphertextBlobB64 string) ([]byte, error) {
	region, err := regionFromARN(kmsKeyARN)
	if err != nil {
		return nil, fail(MalformedResponse, err)
	}

	keyPair, err := cryptoprimitives.RSAGen2048()
	if err != nil {
		return nil, fail(CryptoError, err)
	}

	attestDoc, err := c.attester.Attest(nil, keyPair.PubDER)
	if err != nil {
		return nil, fail(AttestationRejectedByKms, err)
	}

	reqBody := decryptRequest{
		KeyID:               kmsKeyARN,
		CiphertextBlob:      ciphertextBlobB64,
		EncryptionAlgorithm: "RSAES_OAEP_SHA_256",
		Recipient: decryptRequestRecipient{
			KeyEncryptionAlgorithm: "RSAES_OAEP_SHA_256",
			AttestationDocument:    base64.StdEncoding.EncodeToString(attestDoc),
		},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fail(MalformedResponse, fmt.Errorf("encode request: %w", err))
	}

	endpoint := fmt.Sprintf("https://kms.%s.amazonaws.com/", region)

	var respBody []byte
	var clientErr error
	err = resilience.Retry(ctx, retryPolicy, func() error {
		status, body, rerr := c.doSigned(ctx, endpoint, region, bodyBytes)
		if rerr != nil {
			return fail(Network, rerr)
		}
		if status >= 500 {
			return fail(HTTPStatus, fmt.Errorf("kms returned status %d", status))
		}
		if status != 200 {
			// 4xx is not retried: Retry has no "don't retry" signal of its
			// own, so this attempt ends the loop and the client error is
			// returned after it.
			clientErr = fail(HTTPStatus, fmt.Errorf("kms returned status %d", status))
			return nil
		}
		respBody = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}

	var parsed decryptResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fail(MalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if parsed.CiphertextForRecipient == "" {
		return nil, fail(MalformedResponse, fmt.Errorf("response missing CiphertextForRecipient"))
	}

	cms, err := base64.StdEncoding.DecodeString(parsed.CiphertextForRecipient)
	if err != nil {
		return nil, fail(MalformedResponse, fmt.Errorf("decode CiphertextForRecipient: %w", err))
	}

	wrappedKey, iv, encryptedContent, err := parseEnvelopedData(cms)
	if err != nil {
		return nil, fail(MalformedResponse, err)
	}

	dataKey, err := cryptoprimitives.RSAOAEPSHA256Decrypt(keyPair.Private, wrappedKey)
	if err != nil {
		return nil, fail(CryptoError, err)
	}

	plaintext, err := cryptoprimitives.AESCBCPKCS7Decrypt(dataKey, iv, encryptedContent)
	if err != nil {
		return nil, fail(CryptoError, err)
	}
	return plaintext, nil
}

func (c *Client) doSigned(ctx context.Context, endpoint, region string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.1")
	req.Header.Set("X-Amz-Target", "TrentService.Decrypt")

	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])

	provider := credentials.NewStaticCredentialsProvider(c.cfg.AccessKeyID, c.cfg.SecretAccessKey, c.cfg.SessionToken)
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, "kms", region, time.Now()); err != nil {
		return 0, nil, fmt.Errorf("sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, _, err := httputil.ReadAllWithLimit(resp.Body, 10*1024*1024)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func regionFromARN(arn string) (string, error) {
	// arn:aws:kms:<region>:<account>:key/<id>
	parts := strings.Split(arn, ":")
	if len(parts) < 4 || parts[0] != "arn" {
		return "", fmt.Errorf("malformed kms key arn %q", arn)
	}
	region := parts[3]
	if region == "" {
		return "", fmt.Errorf("kms key arn %q has no region segment", arn)
	}
	return region, nil
}

// --- CMS EnvelopedData (RFC 5652), the minimal subset KMS's
// CiphertextForRecipient actually uses: one KeyTransRecipientInfo wrapping
// a content-encryption key with RSA-OAEP, and AES-CBC encrypted content
// whose IV is carried as the content-encryption AlgorithmIdentifier's
// parameters. No pack/ecosystem CMS library parses an unauthenticated
// (non-certificate) recipient, so this is hand-rolled against the DER
// structure directly (see DESIGN.md).

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type recipientInfo struct {
	Version                int
	RecipientIdentifier    asn1.RawValue
	KeyEncryptionAlgorithm algorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm algorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"optional,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []recipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// parseEnvelopedData extracts the RSA-wrapped content-encryption key, the
// AES-CBC IV, and the encrypted content from a CMS EnvelopedData blob.
func parseEnvelopedData(der []byte) (wrappedKey, iv, encryptedContent []byte, err error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, nil, nil, fmt.Errorf("parse ContentInfo: %w", err)
	}

	var ed envelopedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &ed); err != nil {
		return nil, nil, nil, fmt.Errorf("parse EnvelopedData: %w", err)
	}
	if len(ed.RecipientInfos) == 0 {
		return nil, nil, nil, fmt.Errorf("EnvelopedData has no RecipientInfos")
	}

	wrappedKey = ed.RecipientInfos[0].EncryptedKey
	if len(wrappedKey) == 0 {
		return nil, nil, nil, fmt.Errorf("recipient_infos[0] has no encrypted_key")
	}

	ivParams := ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Parameters
	var ivOctets []byte
	if _, err := asn1.Unmarshal(ivParams.FullBytes, &ivOctets); err != nil {
		return nil, nil, nil, fmt.Errorf("parse content-encryption IV: %w", err)
	}
	if len(ivOctets) != 16 {
		return nil, nil, nil, fmt.Errorf("unexpected content-encryption IV length %d", len(ivOctets))
	}

	encryptedContent = ed.EncryptedContentInfo.EncryptedContent.Bytes
	if len(encryptedContent) == 0 {
		return nil, nil, nil, fmt.Errorf("EncryptedContentInfo has no encrypted_content")
	}

	return wrappedKey, ivOctets, encryptedContent, nil
}
