// Package attestationservice composes NsmBridge and AttestationVerifier
// into the two operations the rest of the worker actually calls: issuing
// an attestation document that embeds a function name and hash list, and
// verifying one while cross-checking its PCR0-2 triple against either this
// enclave's own running image or a configured list of predecessor images.
package attestationservice

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/letsesign/enclave-worker/internal/attestverify"
	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/pkg/config"
)

// pcrTriple is the decoded form of config.PCRTriple (hex strings decoded to
// raw bytes once, at construction time).
type pcrTriple [3][]byte

// Attester issues attestation documents; satisfied by *nsmbridge.Bridge.
type Attester interface {
	Attest(userData, publicKey []byte) ([]byte, error)
}

// Verifier checks attestation documents; satisfied by attestverify.Verify.
type Verifier func(doc []byte, checkTime time.Time) (*attestverify.Verified, error)

// Service wraps an Attester and a Verifier with this enclave's own PCR
// baseline and its configured downward-compatibility list.
type Service struct {
	attester Attester
	verify   Verifier
	baseline pcrTriple
	compat   []pcrTriple
}

// PCRMismatchError reports that none of the accepted PCR0-2 triples
// (neither this enclave's own baseline nor any downward-compatibility
// entry) matched a presented document.
type PCRMismatchError struct {
	Got [3][]byte
}

func (e *PCRMismatchError) Error() string {
	return fmt.Sprintf("attestationservice: pcr0-2 match neither the live baseline nor any downward-compat entry: %x/%x/%x", e.Got[0], e.Got[1], e.Got[2])
}

// New builds a Service and establishes the live PCR baseline by issuing one
// self-attestation through attester, so later calls to VerifyAndCheckPCRs
// have this enclave's own image identity to compare against.
func New(attester Attester, verify Verifier, compat []config.PCRTriple) (*Service, error) {
	decoded := make([]pcrTriple, 0, len(compat))
	for i, c := range compat {
		t, err := decodeTriple(c)
		if err != nil {
			return nil, fmt.Errorf("attestationservice: downward-compat entry %d: %w", i, err)
		}
		decoded = append(decoded, t)
	}
	s := &Service{attester: attester, verify: verify, compat: decoded}

	selfDoc, err := attester.Attest(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("attestationservice: baseline self-attestation: %w", err)
	}
	verified, err := verify(selfDoc, time.Now())
	if err != nil {
		return nil, fmt.Errorf("attestationservice: baseline self-verification: %w", err)
	}
	for i := 0; i < 3; i++ {
		pcr, ok := verified.PCRs[uint(i)]
		if !ok {
			return nil, fmt.Errorf("attestationservice: baseline missing pcr%d", i)
		}
		s.baseline[i] = pcr
	}
	return s, nil
}

// Issue asks the NSM device for an attestation document whose user-data is
// the canonical-JSON encoding of {fnName, hashList}.
func (s *Service) Issue(fnName string, hashList []model.HashEntry) ([]byte, error) {
	userData, err := canonicaljson.Marshal(model.AttestationUserData{FnName: fnName, HashList: hashList})
	if err != nil {
		return nil, fmt.Errorf("attestationservice: encode user-data: %w", err)
	}
	doc, err := s.attester.Attest(userData, nil)
	if err != nil {
		return nil, fmt.Errorf("attestationservice: attest: %w", err)
	}
	return doc, nil
}

// VerifyAndCheckPCRs verifies doc, cross-checks its PCR0-2 against either
// the live baseline or one whole entry of the downward-compatibility list,
// and parses its user-data back into the fnName/hashList shape. checkTime
// is the caller's choice of certificate validity reference point (spec.md
// §4.3 step 4); callers that accept documents signed by now-expired
// certificates should pass the document's own embedded timestamp once it
// is known, which requires a first pass with time.Now().
func (s *Service) VerifyAndCheckPCRs(doc []byte, checkTime time.Time) (string, []model.HashEntry, int64, error) {
	verified, err := s.verify(doc, checkTime)
	if err != nil {
		return "", nil, 0, err
	}

	var got [3][]byte
	for i := 0; i < 3; i++ {
		got[i] = verified.PCRs[uint(i)]
	}
	if !s.matchesBaselineOrCompat(got) {
		return "", nil, 0, &PCRMismatchError{Got: got}
	}

	var userData model.AttestationUserData
	if len(verified.UserData) > 0 {
		if err := json.Unmarshal(verified.UserData, &userData); err != nil {
			return "", nil, 0, fmt.Errorf("attestationservice: decode user-data: %w", err)
		}
	}

	return userData.FnName, userData.HashList, verified.TimestampMS, nil
}

func (s *Service) matchesBaselineOrCompat(got [3][]byte) bool {
	if tripleEqual(got, s.baseline) {
		return true
	}
	for _, c := range s.compat {
		if tripleEqual(got, c) {
			return true
		}
	}
	return false
}

func tripleEqual(got [3][]byte, want pcrTriple) bool {
	return bytesEqual(got[0], want[0]) && bytesEqual(got[1], want[1]) && bytesEqual(got[2], want[2])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeTriple(c config.PCRTriple) (pcrTriple, error) {
	p0, err := hex.DecodeString(c.PCR0)
	if err != nil {
		return pcrTriple{}, fmt.Errorf("pcr0: %w", err)
	}
	p1, err := hex.DecodeString(c.PCR1)
	if err != nil {
		return pcrTriple{}, fmt.Errorf("pcr1: %w", err)
	}
	p2, err := hex.DecodeString(c.PCR2)
	if err != nil {
		return pcrTriple{}, fmt.Errorf("pcr2: %w", err)
	}
	return pcrTriple{p0, p1, p2}, nil
}
