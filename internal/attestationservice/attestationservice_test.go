package attestationservice

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	cose "github.com/veraison/go-cose"

	"github.com/letsesign/enclave-worker/internal/attestverify"
	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/pkg/config"
)

type fakeAttester struct {
	doc      []byte
	attestErr error
	lastUserData []byte
}

func (f *fakeAttester) Attest(userData, publicKey []byte) ([]byte, error) {
	f.lastUserData = userData
	if f.attestErr != nil {
		return nil, f.attestErr
	}
	return f.doc, nil
}

func pcrs(p0, p1, p2 string) map[uint][]byte {
	return map[uint][]byte{0: []byte(p0), 1: []byte(p1), 2: []byte(p2)}
}

func verifierReturning(v *attestverify.Verified, err error) Verifier {
	return func(doc []byte, checkTime time.Time) (*attestverify.Verified, error) {
		return v, err
	}
}

func TestNew_EstablishesBaselineFromSelfAttestation(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	verify := verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil)

	svc, err := New(attester, verify, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), svc.baseline[0])
	require.Equal(t, []byte("b"), svc.baseline[1])
	require.Equal(t, []byte("c"), svc.baseline[2])
}

func TestNew_PropagatesSelfAttestationError(t *testing.T) {
	attester := &fakeAttester{attestErr: errors.New("no device")}
	_, err := New(attester, verifierReturning(nil, nil), nil)
	require.Error(t, err)
}

func TestNew_RejectsUndecodableCompatEntry(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	verify := verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil)
	_, err := New(attester, verify, []config.PCRTriple{{PCR0: "not-hex", PCR1: "00", PCR2: "00"}})
	require.Error(t, err)
}

func TestIssue_EncodesFnNameAndHashListAsUserData(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	verify := verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil)
	svc, err := New(attester, verify, nil)
	require.NoError(t, err)

	_, err = svc.Issue(model.FnSendReq, []model.HashEntry{{Name: "x", Hash: "deadbeef"}})
	require.NoError(t, err)
	require.JSONEq(t, `{"fnName":"sendReq","hashList":[{"name":"x","hash":"deadbeef"}]}`, string(attester.lastUserData))
}

func TestVerifyAndCheckPCRs_AcceptsLiveBaseline(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	baselinePCRs := pcrs("a", "b", "c")
	svc, err := New(attester, verifierReturning(&attestverify.Verified{PCRs: baselinePCRs}, nil), nil)
	require.NoError(t, err)

	userData, _ := jsonMarshalUserData(model.FnConfirmIntent, nil)
	svc.verify = verifierReturning(&attestverify.Verified{PCRs: baselinePCRs, UserData: userData, TimestampMS: 42}, nil)

	fnName, _, ts, err := svc.VerifyAndCheckPCRs([]byte("doc"), time.Now())
	require.NoError(t, err)
	require.Equal(t, model.FnConfirmIntent, fnName)
	require.EqualValues(t, 42, ts)
}

func TestVerifyAndCheckPCRs_AcceptsDownwardCompatEntry(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	svc, err := New(attester, verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil),
		[]config.PCRTriple{{PCR0: hex.EncodeToString([]byte("old0")), PCR1: hex.EncodeToString([]byte("old1")), PCR2: hex.EncodeToString([]byte("old2"))}})
	require.NoError(t, err)

	userData, _ := jsonMarshalUserData(model.FnAttachEsig, nil)
	svc.verify = verifierReturning(&attestverify.Verified{
		PCRs:     pcrs("old0", "old1", "old2"),
		UserData: userData,
	}, nil)

	fnName, _, _, err := svc.VerifyAndCheckPCRs([]byte("doc"), time.Now())
	require.NoError(t, err)
	require.Equal(t, model.FnAttachEsig, fnName)
}

func TestVerifyAndCheckPCRs_RejectsUnknownPCRTriple(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	svc, err := New(attester, verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil), nil)
	require.NoError(t, err)

	svc.verify = verifierReturning(&attestverify.Verified{PCRs: pcrs("x", "y", "z")}, nil)
	_, _, _, err = svc.VerifyAndCheckPCRs([]byte("doc"), time.Now())
	require.Error(t, err)
	var mismatch *PCRMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestVerifyAndCheckPCRs_PropagatesVerifierError(t *testing.T) {
	attester := &fakeAttester{doc: []byte("self-doc")}
	svc, err := New(attester, verifierReturning(&attestverify.Verified{PCRs: pcrs("a", "b", "c")}, nil), nil)
	require.NoError(t, err)

	svc.verify = verifierReturning(nil, errors.New("bad doc"))
	_, _, _, err = svc.VerifyAndCheckPCRs([]byte("doc"), time.Now())
	require.Error(t, err)
}

func jsonMarshalUserData(fnName string, hashList []model.HashEntry) ([]byte, error) {
	return canonicaljson.Marshal(model.AttestationUserData{FnName: fnName, HashList: hashList})
}

// ---- real COSE path ----

// nsmSimulator is an Attester that mints genuine COSE_Sign1 attestation
// documents under a throwaway P-384 CA, so the Issue → VerifyAndCheckPCRs
// round trip runs through attestverify's real decode/chain/signature path
// instead of the fakes above.
type nsmSimulator struct {
	leafKey *ecdsa.PrivateKey
	leafDER []byte
	rootDER []byte
	roots   *x509.CertPool
	pcrs    map[uint][]byte
	clockMS uint64
}

type simulatedDocument struct {
	ModuleID    string          `cbor:"module_id"`
	Timestamp   uint64          `cbor:"timestamp"`
	Digest      string          `cbor:"digest"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key"`
	UserData    []byte          `cbor:"user_data"`
}

func newNSMSimulator(t *testing.T) *nsmSimulator {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test.nitro-enclaves"},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "i-0feedfacecafebeef.test.nitro-enclaves"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)
	return &nsmSimulator{
		leafKey: leafKey,
		leafDER: leafDER,
		rootDER: rootDER,
		roots:   roots,
		pcrs: map[uint][]byte{
			0: bytesOf(48, 0xa0), 1: bytesOf(48, 0xa1), 2: bytesOf(48, 0xa2),
		},
		clockMS: uint64(time.Now().UnixMilli()),
	}
}

func bytesOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func (s *nsmSimulator) Attest(userData, publicKey []byte) ([]byte, error) {
	s.clockMS++
	payload, err := cbor.Marshal(simulatedDocument{
		ModuleID:    "i-0feedfacecafebeef-enc0123456789abcdef0",
		Timestamp:   s.clockMS,
		Digest:      "SHA384",
		PCRs:        s.pcrs,
		Certificate: s.leafDER,
		CABundle:    [][]byte{s.rootDER},
		PublicKey:   publicKey,
		UserData:    userData,
	})
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES384, s.leafKey)
	if err != nil {
		return nil, err
	}
	msg := cose.UntaggedSign1Message{
		Headers: cose.Headers{Protected: cose.ProtectedHeader{cose.HeaderLabelAlgorithm: cose.AlgorithmES384}},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg.MarshalCBOR()
}

func (s *nsmSimulator) verifier() Verifier {
	return func(doc []byte, checkTime time.Time) (*attestverify.Verified, error) {
		return attestverify.VerifyWithRoots(doc, checkTime, s.roots)
	}
}

func TestIssueThenVerifyRoundTripsThroughRealCOSEPath(t *testing.T) {
	sim := newNSMSimulator(t)
	svc, err := New(sim, sim.verifier(), nil)
	require.NoError(t, err)

	hashList := []model.HashEntry{{Name: "por", Hash: "deadbeef"}}
	doc, err := svc.Issue(model.FnSendReq, hashList)
	require.NoError(t, err)

	fnName, gotHashes, ts, err := svc.VerifyAndCheckPCRs(doc, time.Now())
	require.NoError(t, err)
	require.Equal(t, model.FnSendReq, fnName)
	require.Equal(t, hashList, gotHashes)
	require.Positive(t, ts)
}

func TestVerifyAndCheckPCRsRejectsForeignImageOnRealCOSEPath(t *testing.T) {
	sim := newNSMSimulator(t)
	svc, err := New(sim, sim.verifier(), nil)
	require.NoError(t, err)

	// Same CA, same signing key, different measured image: only the PCR
	// cross-check can reject this document.
	sim.pcrs = map[uint][]byte{
		0: bytesOf(48, 0xb0), 1: bytesOf(48, 0xb1), 2: bytesOf(48, 0xb2),
	}
	doc, err := svc.Issue(model.FnConfirmIntent, nil)
	require.NoError(t, err)

	_, _, _, err = svc.VerifyAndCheckPCRs(doc, time.Now())
	var mismatch *PCRMismatchError
	require.ErrorAs(t, err, &mismatch)
}
