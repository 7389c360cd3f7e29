// Package errcode defines the closed set of stable integer result codes the
// worker reports to the host, and the WorkerError type used internally to
// carry one of them alongside an underlying cause.
package errcode

import "fmt"

// Code is a stable integer result code. Values are part of the wire
// contract shared with the outer host, the peer enclave, and signer
// clients, and must never be renumbered.
type Code int

const (
	SUCCES Code = iota
	UNDEFINED_ERROR
	INVALID_PARAM
	MISMATCH_PROOF_LIST_LENGTH
	INVALID_SIGNER_POI
	MISMATCH_SIGNER_POI_CONTENT
	INVALID_SIGN_TIME_ORDER
	GENERATE_SIGNING_PDF_FAIL
	GENERATE_PREVIEW_PDF_FAIL
	DECRYPT_PRIVATE_INFO_FAIL
	MISMATCH_INORDER_OPTION
	MISMATCH_TEMPLATE_INFO_HASH
	MISMATCH_TASK_CONFIG_HASH
	MISMATCH_TEMPLATE_DATA_HASH
	MISMATCH_EMAIL_CONFIG
	MISMATCH_BEARERSECRET
	INVALID_SIGNER_POR
	MISMATCH_SIGNER_POR_CONTENT
	WAITING_VERIFICATION_PIN_CODE
	INVALID_TWILIO_CREDENTAIL
	INVALID_TWILIO_SETTING
	CHECK_PHONE_FAIL
	SEND_SMS_FAIL
	MISSING_TWILIO_CONFIG
	INVALID_PHONE_NUMBER_FORMAT
	MISMATCH_SIGNER_LIST_LENGTH
	INVALID_SIGNER_INDEX
	SIGNED_PDF_DETECTED
	PDF_NOT_MODIFIABLE_DETECTED
	SEND_EMAIL_FAIL
	SEND_CONFIRM_EMAIL_FAIL
	SEND_NOTIFY_EMAIL_FAIL
	ENCRYPT_RESULT_FAIL
	INVALID_EMAIL_CREDENTIAL
)

var names = [...]string{
	"SUCCES",
	"UNDEFINED_ERROR",
	"INVALID_PARAM",
	"MISMATCH_PROOF_LIST_LENGTH",
	"INVALID_SIGNER_POI",
	"MISMATCH_SIGNER_POI_CONTENT",
	"INVALID_SIGN_TIME_ORDER",
	"GENERATE_SIGNING_PDF_FAIL",
	"GENERATE_PREVIEW_PDF_FAIL",
	"DECRYPT_PRIVATE_INFO_FAIL",
	"MISMATCH_INORDER_OPTION",
	"MISMATCH_TEMPLATE_INFO_HASH",
	"MISMATCH_TASK_CONFIG_HASH",
	"MISMATCH_TEMPLATE_DATA_HASH",
	"MISMATCH_EMAIL_CONFIG",
	"MISMATCH_BEARERSECRET",
	"INVALID_SIGNER_POR",
	"MISMATCH_SIGNER_POR_CONTENT",
	"WAITING_VERIFICATION_PIN_CODE",
	"INVALID_TWILIO_CREDENTAIL",
	"INVALID_TWILIO_SETTING",
	"CHECK_PHONE_FAIL",
	"SEND_SMS_FAIL",
	"MISSING_TWILIO_CONFIG",
	"INVALID_PHONE_NUMBER_FORMAT",
	"MISMATCH_SIGNER_LIST_LENGTH",
	"INVALID_SIGNER_INDEX",
	"SIGNED_PDF_DETECTED",
	"PDF_NOT_MODIFIABLE_DETECTED",
	"SEND_EMAIL_FAIL",
	"SEND_CONFIRM_EMAIL_FAIL",
	"SEND_NOTIFY_EMAIL_FAIL",
	"ENCRYPT_RESULT_FAIL",
	"INVALID_EMAIL_CREDENTIAL",
}

// String returns the symbolic name of the code, for logging only; the wire
// representation is always the bare integer (see MarshalJSON).
func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(names) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return names[c]
}

// MarshalJSON serializes the code as the bare integer, per spec.
func (c Code) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int(c))), nil
}

// WorkerError wraps a Code with an optional underlying cause. It never
// carries ciphertext, keys, or other secret material in its message.
type WorkerError struct {
	Code Code
	Msg  string
	Err  error
}

func (e *WorkerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// New creates a WorkerError with no underlying cause.
func New(code Code, msg string) *WorkerError {
	return &WorkerError{Code: code, Msg: msg}
}

// Wrap creates a WorkerError carrying an underlying cause.
func Wrap(code Code, msg string, err error) *WorkerError {
	return &WorkerError{Code: code, Msg: msg, Err: err}
}

// Of extracts the Code from err: SUCCES when err is nil, the carried Code
// when err wraps a *WorkerError, and UNDEFINED_ERROR otherwise. This is the
// single place a handler's panic
// recovery or an unmapped error collapses to the spec's catch-all code.
func Of(err error) Code {
	if err == nil {
		return SUCCES
	}
	var we *WorkerError
	if ok := asWorkerError(err, &we); ok {
		return we.Code
	}
	return UNDEFINED_ERROR
}

func asWorkerError(err error, target **WorkerError) bool {
	for err != nil {
		if we, ok := err.(*WorkerError); ok {
			*target = we
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Validation-tier constructors (spec.md §7 tier 1): detected at handler
// entry, no side effects yet.

func InvalidParam(reason string) *WorkerError {
	return New(INVALID_PARAM, reason)
}

func MismatchProofListLength() *WorkerError {
	return New(MISMATCH_PROOF_LIST_LENGTH, "proofList length does not match signerInfoList length")
}

func MismatchSignerListLength() *WorkerError {
	return New(MISMATCH_SIGNER_LIST_LENGTH, "templateInfo.signerList length does not match taskConfig.signerInfoList length")
}

func InvalidSignerIndex(idx int) *WorkerError {
	return New(INVALID_SIGNER_INDEX, fmt.Sprintf("signerIdx %d out of range", idx))
}

func MissingTwilioConfig() *WorkerError {
	return New(MISSING_TWILIO_CONFIG, "signer requires a phone number but no twilio config was supplied")
}

func InvalidPhoneNumberFormat(reason string) *WorkerError {
	return New(INVALID_PHONE_NUMBER_FORMAT, reason)
}

// Binding / cryptographic-tier constructors (tier 2): security-critical
// rejections.

func DecryptPrivateInfoFail(err error) *WorkerError {
	return Wrap(DECRYPT_PRIVATE_INFO_FAIL, "failed to decrypt task payload envelope", err)
}

func MismatchInOrderOption() *WorkerError {
	return New(MISMATCH_INORDER_OPTION, "binding.inOrder does not match publicTaskInfo.inOrder")
}

func MismatchTemplateInfoHash() *WorkerError {
	return New(MISMATCH_TEMPLATE_INFO_HASH, "templateInfo hash does not match binding")
}

func MismatchTaskConfigHash() *WorkerError {
	return New(MISMATCH_TASK_CONFIG_HASH, "taskConfig hash does not match binding")
}

func MismatchTemplateDataHash() *WorkerError {
	return New(MISMATCH_TEMPLATE_DATA_HASH, "template PDF hash does not match binding")
}

func MismatchEmailConfig() *WorkerError {
	return New(MISMATCH_EMAIL_CONFIG, "emailConfig provider or domain does not match publicTaskInfo")
}

func MismatchBearerSecret() *WorkerError {
	return New(MISMATCH_BEARERSECRET, "envelope bearerSecret does not match binding")
}

func InvalidSignerPOR(err error) *WorkerError {
	return Wrap(INVALID_SIGNER_POR, "por attestation document failed verification", err)
}

func MismatchSignerPORContent() *WorkerError {
	return New(MISMATCH_SIGNER_POR_CONTENT, "por content does not match expected secret or payload hash")
}

func InvalidSignerPOI(err error) *WorkerError {
	return Wrap(INVALID_SIGNER_POI, "poi attestation document failed verification", err)
}

func MismatchSignerPOIContent() *WorkerError {
	return New(MISMATCH_SIGNER_POI_CONTENT, "poi content does not match expected signer or payload hash")
}

func InvalidSignTimeOrder() *WorkerError {
	return New(INVALID_SIGN_TIME_ORDER, "signer porTime sequence is not non-decreasing under inOrder")
}

func SignedPDFDetected() *WorkerError {
	return New(SIGNED_PDF_DETECTED, "template PDF already carries a letsesign tombstone")
}

func PDFNotModifiableDetected() *WorkerError {
	return New(PDF_NOT_MODIFIABLE_DETECTED, "template PDF cannot be modified (password protected or malformed)")
}

func GeneratePreviewPDFFail(err error) *WorkerError {
	return Wrap(GENERATE_PREVIEW_PDF_FAIL, "failed to render preview PDF", err)
}

func GenerateSigningPDFFail(err error) *WorkerError {
	return Wrap(GENERATE_SIGNING_PDF_FAIL, "failed to render final signed PDF", err)
}

func EncryptResultFail(err error) *WorkerError {
	return Wrap(ENCRYPT_RESULT_FAIL, "failed to encrypt result bundle", err)
}

// External-service-tier constructors (tier 3).

func SendEmailFail(err error) *WorkerError {
	return Wrap(SEND_EMAIL_FAIL, "failed to send email", err)
}

func SendConfirmEmailFail(err error) *WorkerError {
	return Wrap(SEND_CONFIRM_EMAIL_FAIL, "failed to send signer confirmation email", err)
}

func SendNotifyEmailFail(err error) *WorkerError {
	return Wrap(SEND_NOTIFY_EMAIL_FAIL, "failed to send notificant email", err)
}

func InvalidEmailCredential(err error) *WorkerError {
	return Wrap(INVALID_EMAIL_CREDENTIAL, "email provider rejected credentials", err)
}

func InvalidTwilioCredential(err error) *WorkerError {
	return Wrap(INVALID_TWILIO_CREDENTAIL, "twilio rejected credentials", err)
}

func InvalidTwilioSetting() *WorkerError {
	return New(INVALID_TWILIO_SETTING, "twilio verify service friendly_name/code_length mismatch")
}

func CheckPhoneFail(err error) *WorkerError {
	return Wrap(CHECK_PHONE_FAIL, "twilio verification check failed", err)
}

func SendSMSFail(err error) *WorkerError {
	return Wrap(SEND_SMS_FAIL, "failed to send verification SMS", err)
}

func Undefined(err error) *WorkerError {
	return Wrap(UNDEFINED_ERROR, "unexpected internal error", err)
}
