package intentprotocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/letsesign/enclave-worker/internal/attestationservice"
	"github.com/letsesign/enclave-worker/internal/attestverify"
	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/internal/mailer"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/internal/payloaddecryptor"
	"github.com/letsesign/enclave-worker/internal/pdfoverlay"
	"github.com/letsesign/enclave-worker/internal/phoneverify"
)

// ---- fake KMS (mirrors payloaddecryptor_test.go's sealing helpers) ----

type fakeKms struct {
	keys map[string][]byte
}

func newFakeKms() *fakeKms { return &fakeKms{keys: map[string][]byte{}} }

func (f *fakeKms) Decrypt(_ context.Context, _ string, ciphertextBlobB64 string) ([]byte, error) {
	key, ok := f.keys[ciphertextBlobB64]
	if !ok {
		return nil, fmt.Errorf("fakeKms: no key registered for label %q", ciphertextBlobB64)
	}
	return key, nil
}

func sealEnvelope(t *testing.T, kms *fakeKms, label string, plaintext []byte) model.Envelope {
	t.Helper()
	key, err := cryptoprimitives.RandBytes(32)
	require.NoError(t, err)
	iv, err := cryptoprimitives.RandBytes(16)
	require.NoError(t, err)
	kms.keys[label] = key

	ciphertext, err := cryptoprimitives.AESCBCPKCS7Encrypt(key, iv, plaintext)
	require.NoError(t, err)
	return model.Envelope{
		EncryptedDataKey: label,
		DataIV:           base64.StdEncoding.EncodeToString(iv),
		EncryptedData:    base64.StdEncoding.EncodeToString(ciphertext),
	}
}

func sealJSON(t *testing.T, kms *fakeKms, label string, v interface{}) model.Envelope {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return sealEnvelope(t, kms, label, b)
}

// ---- payload construction ----

// taskOpts configures buildTask's output; zero value is one SES signer,
// no phone, not in-order, not enhanced-privacy.
type taskOpts struct {
	signers         []model.SignerInfo
	fields          [][]model.Field // per-signer; defaults to one signature field each
	inOrder         bool
	enhancedPrivacy bool
	notificantEmail string
	twilio          *model.TwilioConfig
	templateData    []byte // defaults to a plain, unsigned placeholder
	badBearerSecret bool   // corrupt emailConfig's bearerSecret to force a mismatch
}

const testBearerSecret = "bearer-secret-xyz"

var testAccessKey = []byte("0123456789abcdef0123456789abcdef")[:32]

func buildTask(t *testing.T, opts taskOpts) (model.TaskPayload, *fakeKms) {
	t.Helper()
	kms := newFakeKms()

	signers := opts.signers
	if signers == nil {
		signers = []model.SignerInfo{{Name: "Alice", EmailAddr: "alice@example.com", Locale: "en"}}
	}
	fields := opts.fields
	if fields == nil {
		fields = make([][]model.Field, len(signers))
		for i := range fields {
			fields[i] = []model.Field{{X: 10, Y: 10, Height: 20, PageNo: 1, Type: model.FieldTypeSignature}}
		}
	}
	// Sized by len(fields), not len(signers): a caller deliberately passing
	// a fields slice of different length than signers (to exercise a
	// signer-count mismatch) gets a templateInfo consistent with that
	// mismatch instead of an index-out-of-range panic.
	templateInfo := model.TemplateInfo{SignerList: make([]model.SignerTemplate, len(fields))}
	for i, f := range fields {
		templateInfo.SignerList[i] = model.SignerTemplate{FieldList: f}
	}

	templateData := opts.templateData
	if templateData == nil {
		templateData = []byte("%PDF-1.4 fake template bytes")
	}

	taskConfig := model.TaskConfig{
		FileName:         "contract.pdf",
		SenderMsg:        "please sign",
		NotificantEmail:  opts.notificantEmail,
		NotificantLocale: "en",
		SignerInfoList:   signers,
	}

	emailConfig := model.EmailConfig{
		ServiceProvider: model.EmailProviderSES,
		SesDomain:       "example.com",
		BearerSecret:    testBearerSecret,
	}
	if opts.badBearerSecret {
		emailConfig.BearerSecret = "wrong-secret"
	}

	// Producer-side hashes are taken over the JSON bytes as emitted, the
	// same way a real task producer computes them.
	templateInfoJSON, err := json.Marshal(templateInfo)
	require.NoError(t, err)
	templateInfoHash, err := canonicaljson.Sha256HexOrderedRaw(templateInfoJSON)
	require.NoError(t, err)
	taskConfigJSON, err := json.Marshal(taskConfig)
	require.NoError(t, err)
	taskConfigHash, err := canonicaljson.Sha256HexOrderedRaw(taskConfigJSON)
	require.NoError(t, err)
	templateDataHash := canonicaljson.Sha256HexRaw(templateData)

	binding := model.BindingData{
		InOrder:          opts.inOrder,
		TaskConfigHash:   taskConfigHash,
		TemplateInfoHash: templateInfoHash,
		TemplateDataHash: templateDataHash,
		AccessKey:        base64.StdEncoding.EncodeToString(testAccessKey),
		BearerSecret:     testBearerSecret,
	}

	priv := model.PrivateTaskInfo{
		EncryptedBindingData:  sealJSON(t, kms, "binding", binding),
		EncryptedTaskConfig:   sealEnvelope(t, kms, "taskconfig", taskConfigJSON),
		EncryptedTemplateData: sealEnvelope(t, kms, "templatedata", templateData),
		EncryptedEmailConfig:  sealJSON(t, kms, "emailconfig", emailConfig),
	}
	if opts.twilio != nil {
		tw := *opts.twilio
		tw.BearerSecret = testBearerSecret
		env := sealJSON(t, kms, "twilio", tw)
		priv.EncryptedTwilioConfig = &env
	}

	payload := model.TaskPayload{
		PublicTaskInfo: model.PublicTaskInfo{
			InOrder:      opts.inOrder,
			TemplateInfo: templateInfo,
			DomainSetting: model.DomainSetting{
				RootDomain:           "example.com",
				SignerAppURL:         "https://sign.example.com/app",
				EnhancedPrivacy:      opts.enhancedPrivacy,
				KmsConfig:            model.KmsConfig{KmsKeyARN: "arn:aws:kms:us-east-1:123456789012:key/abcd"},
				EmailServiceProvider: model.EmailProviderSES,
				EmailServiceDomain:   "example.com",
			},
		},
		PrivateTaskInfo: priv,
	}
	return wirePayload(t, payload), kms
}

// wirePayload round-trips payload through its JSON wire form so the decoded
// copy carries the raw bytes payloadHash and the binding checks hash.
// Production payloads always arrive this way; tests that mutate a payload
// after buildTask must re-wire it for the mutation to reach the raw bytes.
func wirePayload(t *testing.T, payload model.TaskPayload) model.TaskPayload {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	var wired model.TaskPayload
	require.NoError(t, json.Unmarshal(b, &wired))
	return wired
}

// ---- fake attestation plumbing ----

// fakeDoc is the made-up "attestation document" shape the fixtures use:
// plain JSON carrying exactly the fields attestationservice.Service reads
// back out, with no real COSE/CBOR/NSM involved. This exercises
// intentprotocol's own business logic (fnName checks, hash-list checks,
// PCR cross-checks, timestamp comparisons) without re-testing
// attestverify or nsmbridge, which have their own test suites.
type fakeDoc struct {
	PCR0        string `json:"pcr0"`
	PCR1        string `json:"pcr1"`
	PCR2        string `json:"pcr2"`
	TimestampMS int64  `json:"timestampMs"`
	UserData    []byte `json:"userData"`
}

type fakeAttester struct {
	pcr0, pcr1, pcr2 string
	clockMS          int64
}

func (a *fakeAttester) Attest(userData, _ []byte) ([]byte, error) {
	a.clockMS++
	return json.Marshal(fakeDoc{PCR0: a.pcr0, PCR1: a.pcr1, PCR2: a.pcr2, TimestampMS: a.clockMS, UserData: userData})
}

func fakeVerifier(doc []byte, _ time.Time) (*attestverify.Verified, error) {
	var d fakeDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("fakeVerifier: malformed doc: %w", err)
	}
	return &attestverify.Verified{
		PCRs:        map[uint][]byte{0: []byte(d.PCR0), 1: []byte(d.PCR1), 2: []byte(d.PCR2)},
		TimestampMS: d.TimestampMS,
		UserData:    d.UserData,
	}, nil
}

// newAttestService builds an attestationservice.Service whose baseline PCRs
// are ("p0","p1","p2") using the fakeDoc/fakeVerifier pair above.
func newAttestService(t *testing.T) *attestationservice.Service {
	t.Helper()
	return newAttestServiceWithPCRs(t, "p0", "p1", "p2")
}

// newAttestServiceWithPCRs builds a Service baselined on an arbitrary PCR
// triple, so tests can mint a document under one image identity and verify
// it against a Service baselined on a different one (PCRMismatchError).
func newAttestServiceWithPCRs(t *testing.T, pcr0, pcr1, pcr2 string) *attestationservice.Service {
	t.Helper()
	// The clock starts at a realistic epoch-ms value so POR/POI fixtures
	// carrying small literal porTime values stay below every attestation
	// timestamp (AttachESig rejects poi.porTime > attest timestamp).
	svc, err := attestationservice.New(&fakeAttester{pcr0: pcr0, pcr1: pcr1, pcr2: pcr2, clockMS: 1700000000000}, fakeVerifier, nil)
	require.NoError(t, err)
	return svc
}

// issueDoc is a test helper that mints a fakeDoc-backed attestation
// document for fnName/hashList directly through svc.Issue, exactly as the
// worker does after a handler produces its results.
func issueDoc(t *testing.T, svc *attestationservice.Service, fnName string, hashList []model.HashEntry) []byte {
	t.Helper()
	doc, err := svc.Issue(fnName, hashList)
	require.NoError(t, err)
	return doc
}

// ---- fake mailer / phone verifier ----

type fakeMailer struct {
	sent    []mailer.Message
	sendErr error
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.sent = append(m.sent, msg)
	return m.sendErr
}

func constMailerFactory(m mailer.Mailer) MailerFactory {
	return func(model.EmailServiceProvider, string) (mailer.Mailer, error) { return m, nil }
}

type fakePhoneVerifier struct {
	settingsErr  error
	sendSID      string
	sendErr      error
	checkApprove bool
	checkErr     error
}

func (p *fakePhoneVerifier) CheckServiceSettings(context.Context) error { return p.settingsErr }
func (p *fakePhoneVerifier) SendVerification(context.Context, string) (string, error) {
	return p.sendSID, p.sendErr
}
func (p *fakePhoneVerifier) CheckVerification(context.Context, string, string, string) (bool, error) {
	return p.checkApprove, p.checkErr
}

func constPhoneVerifierFactory(p phoneverify.PhoneVerifier) PhoneVerifierFactory {
	return func(model.TwilioConfig) phoneverify.PhoneVerifier { return p }
}

// ---- Deps assembly ----

// depsOpts lets each test override only the collaborators it cares about;
// everything else gets an inert default.
type depsOpts struct {
	kms           *fakeKms
	attest        *attestationservice.Service
	mailerOut     *fakeMailer
	mailerErr     error
	phoneVerifier phoneverify.PhoneVerifier
	rand          RandFunc
}

func buildDeps(t *testing.T, kms *fakeKms, o depsOpts) *Deps {
	t.Helper()
	attest := o.attest
	if attest == nil {
		attest = newAttestService(t)
	}
	m := o.mailerOut
	if m == nil {
		m = &fakeMailer{}
	}
	m.sendErr = o.mailerErr

	pv := o.phoneVerifier
	if pv == nil {
		pv = &fakePhoneVerifier{checkApprove: true, sendSID: "VE_FAKE_SID"}
	}

	return &Deps{
		Decryptor:        payloaddecryptor.New(kms),
		Attest:           attest,
		Fonts:            &pdfoverlay.FontSet{},
		NewMailer:        constMailerFactory(m),
		NewPhoneVerifier: constPhoneVerifierFactory(pv),
		Rand:             o.rand,
	}
}
