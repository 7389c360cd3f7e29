// Package intentprotocol implements the three Proof-of-Intent signing
// handlers — SendReq, ConfirmIntent, AttachESig — spec.md §4.8 describes as
// "the heart" of the worker. All three share the same entry shape: a
// hand-written schema-validate step (spec.md §9's guidance to replace the
// original's params_checker.py-style validator with an explicit Go check,
// run before any cryptography touches the job), a payloadHash computation,
// a PayloadDecryptor pass, handler-specific execution, and a generic
// hash-and-attest finish. They are modeled as three instantiations of a
// single generic Handler[P] capability (spec.md §9 "polymorphic handlers")
// rather than three unrelated functions, so the Worker can dispatch by
// jobName through one narrow interface.
package intentprotocol

import (
	"context"
	"fmt"

	"github.com/letsesign/enclave-worker/internal/attestationservice"
	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/internal/errcode"
	"github.com/letsesign/enclave-worker/internal/mailer"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/internal/payloaddecryptor"
	"github.com/letsesign/enclave-worker/internal/pdfoverlay"
	"github.com/letsesign/enclave-worker/internal/phoneverify"
)

// MailerFactory builds a Mailer for one task's email provider/domain.
type MailerFactory func(provider model.EmailServiceProvider, domain string) (mailer.Mailer, error)

// PhoneVerifierFactory builds a PhoneVerifier from one task's decrypted
// Twilio credentials.
type PhoneVerifierFactory func(cfg model.TwilioConfig) phoneverify.PhoneVerifier

// RandFunc supplies cryptographically secure random bytes; overridden in
// tests, backed by cryptoprimitives.RandBytes in production.
type RandFunc func(n int) ([]byte, error)

// Deps are the shared collaborators every handler needs. Constructed once
// at process bootstrap and passed by reference (spec.md §9's "avoid
// process-wide mutable state" guidance applies equally here: Deps itself
// is never mutated after construction).
type Deps struct {
	Decryptor        *payloaddecryptor.Decryptor
	Attest           *attestationservice.Service
	Fonts            *pdfoverlay.FontSet
	NewMailer        MailerFactory
	NewPhoneVerifier PhoneVerifierFactory
	Rand             RandFunc
}

func (d *Deps) rand(n int) ([]byte, error) {
	if d.Rand != nil {
		return d.Rand(n)
	}
	return cryptoprimitives.RandBytes(n)
}

// Outcome is a handler invocation's complete result, shaped to match
// spec.md §6's wire response directly: at most one of (Results +
// AttestDocument) or EncryptedResult is populated on success, and
// TwilioVerificationSID is populated only for ConfirmIntent's
// WAITING_VERIFICATION_PIN_CODE path.
type Outcome struct {
	Code                  errcode.Code
	Results               []model.Result
	AttestDocument        []byte
	EncryptedResult       []byte
	TwilioVerificationSID string
}

// AnyHandler is the narrow, non-generic capability the Worker dispatches
// through; every Handler[P] satisfies it.
type AnyHandler interface {
	JobName() string
	Run(ctx context.Context, jobData []byte) Outcome
}

// execResult is what a handler's Execute step produces: either output
// results awaiting the generic hash-and-attest finish, or a fully-formed
// terminal Outcome that bypasses it (ConfirmIntent's
// WAITING_VERIFICATION_PIN_CODE path, which mints no POI and is never
// attested).
type execResult struct {
	Results []model.Result
	Waiting *Outcome
}

// Handler is the shared polymorphic shape spec.md §9 asks for:
// {validate, decrypt_context, execute, result_names}. P is the handler's
// own parsed request type; the uniform pieces (decrypt, hash, attest) are
// implemented once in Run.
type Handler[P any] struct {
	deps *Deps

	name      string
	validate  func(jobData []byte) (P, error)
	payloadOf func(P) model.TaskPayload
	execute   func(ctx context.Context, deps *Deps, req P, dctx *payloaddecryptor.Context, payload model.TaskPayload) (execResult, error)
	// finalize post-processes a successfully-attested result. Most
	// handlers return it unchanged; AttachESig overrides it to replace
	// Results/AttestDocument with EncryptedResult (spec.md §4.8.3 steps
	// 6-7). It receives the original request so AttachESig can reach its
	// optional taskPassword without a package-level side channel.
	finalize func(ctx context.Context, deps *Deps, req P, dctx *payloaddecryptor.Context, payload model.TaskPayload, results []model.Result, attestDoc []byte) Outcome
}

func (h *Handler[P]) JobName() string { return h.name }

// Run executes the full per-job pipeline and always returns a complete
// Outcome; spec.md §7 requires the worker never propagate a panic or raw
// error across a job boundary, so every failure collapses to a Code here.
func (h *Handler[P]) Run(ctx context.Context, jobData []byte) Outcome {
	req, err := h.validate(jobData)
	if err != nil {
		return errOutcome(err)
	}

	payload := h.payloadOf(req)
	if err := validatePayloadShape(payload); err != nil {
		return errOutcome(err)
	}

	kmsKeyARN := payload.PublicTaskInfo.DomainSetting.KmsConfig.KmsKeyARN
	dctx, err := h.deps.Decryptor.Decrypt(ctx, payload, kmsKeyARN)
	if err != nil {
		return errOutcome(err)
	}

	res, err := h.execute(ctx, h.deps, req, dctx, payload)
	if err != nil {
		return errOutcome(err)
	}
	if res.Waiting != nil {
		return *res.Waiting
	}

	hashList := make([]model.HashEntry, 0, len(res.Results))
	for _, r := range res.Results {
		hashList = append(hashList, model.HashEntry{Name: r.Name, Hash: cryptoprimitives.Sha256Hex(r.Data)})
	}
	attestDoc, err := h.deps.Attest.Issue(h.name, hashList)
	if err != nil {
		return errOutcome(errcode.Undefined(fmt.Errorf("issue attestation: %w", err)))
	}

	if h.finalize != nil {
		return h.finalize(ctx, h.deps, req, dctx, payload, res.Results, attestDoc)
	}
	return Outcome{Code: errcode.SUCCES, Results: res.Results, AttestDocument: attestDoc}
}

func errOutcome(err error) Outcome {
	return Outcome{Code: errcode.Of(err)}
}

// payloadHash is the universal job identity: SHA-256 of canonical JSON of
// the whole task payload (spec.md §3). It hashes the taskPayload member
// bytes as received, re-encoded through the order-preserving path — a
// producer's member order and number literals are part of the hash, so a
// typed re-encoding here would break interop with every peer that
// computed the hash on its own side.
func payloadHash(payload model.TaskPayload) (string, error) {
	raw := payload.Raw()
	if len(raw) == 0 {
		return "", fmt.Errorf("taskPayload carries no wire bytes to hash")
	}
	h, err := canonicaljson.Sha256HexOrderedRaw(raw)
	if err != nil {
		return "", fmt.Errorf("hash taskPayload: %w", err)
	}
	return h, nil
}

// validatePayloadShape is the tier-1 structural check shared by every
// handler (spec.md §7 tier 1, supplemented feature #1): required envelope
// fields and template geometry must be present before any cryptography
// runs. It deliberately does not decrypt or hash anything.
func validatePayloadShape(payload model.TaskPayload) error {
	pub := payload.PublicTaskInfo
	if pub.DomainSetting.KmsConfig.KmsKeyARN == "" {
		return errcode.InvalidParam("domainSetting.kmsConfig.kmsKeyARN is required")
	}
	switch pub.DomainSetting.EmailServiceProvider {
	case model.EmailProviderSES, model.EmailProviderSendGrid:
	default:
		return errcode.InvalidParam("domainSetting.emailServiceProvider must be \"ses\" or \"sg\"")
	}
	if len(pub.TemplateInfo.SignerList) == 0 {
		return errcode.InvalidParam("templateInfo.signerList must not be empty")
	}

	priv := payload.PrivateTaskInfo
	for _, e := range []struct {
		name string
		env  model.Envelope
	}{
		{"encryptedBindingData", priv.EncryptedBindingData},
		{"encryptedTaskConfig", priv.EncryptedTaskConfig},
		{"encryptedTemplateData", priv.EncryptedTemplateData},
		{"encryptedEmailConfig", priv.EncryptedEmailConfig},
	} {
		if e.env.EncryptedDataKey == "" || e.env.DataIV == "" || e.env.EncryptedData == "" {
			return errcode.InvalidParam(fmt.Sprintf("%s is missing one or more envelope fields", e.name))
		}
	}
	return nil
}

// mailDomainAndProvider extracts the already hash-bound email routing
// information a handler needs to build a Mailer.
func mailDomainAndProvider(dctx *payloaddecryptor.Context, payload model.TaskPayload) (model.EmailServiceProvider, string) {
	return dctx.EmailConfig.ServiceProvider, payload.PublicTaskInfo.DomainSetting.EmailServiceDomain
}

// sendBestEffort sends msg through m and swallows any error, per spec.md
// §7.2: notificant-path email failures never affect the returned code.
func sendBestEffort(ctx context.Context, m mailer.Mailer, msg mailer.Message) {
	_ = m.Send(ctx, msg)
}
