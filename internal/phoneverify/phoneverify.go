// Package phoneverify wraps Twilio Verify behind the PhoneVerifier
// interface spec.md §6 names: send an SMS verification code, then check a
// signer-supplied code against it. CheckServiceSettings checks that the
// configured Verify service carries the expected friendly_name/code_length
// (spec.md §4.8.2); SendVerification and CheckVerification do not repeat
// that check. Twilio's own error codes 20003/20404 are classified as a
// credential problem rather than a generic network failure.
package phoneverify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	verifyv2 "github.com/twilio/twilio-go/rest/verify/v2"

	"github.com/letsesign/enclave-worker/infrastructure/httputil"
)

// RequiredFriendlyName and RequiredCodeLength are the Verify service
// settings this worker requires before trusting a verification flow
// (spec.md §4.8.2/§6).
const (
	RequiredFriendlyName = "Let's eSign"
	RequiredCodeLength   = 6
)

// Kind enumerates the PhoneVerifier failure taxonomy.
type Kind int

const (
	Network Kind = iota
	InvalidCredential
	InvalidSetting
	CheckFailed
	SendFailed
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "Network"
	case InvalidCredential:
		return "InvalidCredential"
	case InvalidSetting:
		return "InvalidSetting"
	case CheckFailed:
		return "CheckFailed"
	case SendFailed:
		return "SendFailed"
	default:
		return "Unknown"
	}
}

// VerifyError is the single error type this package returns.
type VerifyError struct {
	Kind Kind
	Err  error
}

func (e *VerifyError) Error() string { return fmt.Sprintf("phoneverify: %s: %v", e.Kind, e.Err) }
func (e *VerifyError) Unwrap() error { return e.Err }

func fail(kind Kind, err error) error { return &VerifyError{Kind: kind, Err: err} }

// e164 matches E.164 phone numbers: a leading '+', a non-zero first digit,
// and up to 15 digits total.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 reports whether phone is a well-formed E.164 number.
func ValidateE164(phone string) bool {
	return e164.MatchString(phone)
}

// PhoneVerifier sends and checks SMS verification codes for one signer.
type PhoneVerifier interface {
	CheckServiceSettings(ctx context.Context) error
	SendVerification(ctx context.Context, phone string) (sid string, err error)
	CheckVerification(ctx context.Context, phone, sid, code string) (approved bool, err error)
}

// TwilioVerifier is the Twilio Verify-backed PhoneVerifier.
type TwilioVerifier struct {
	client     *twilio.RestClient
	serviceSID string
}

// New builds a TwilioVerifier. twilio-go's generated client has no native
// per-call context support; the 5s timeout spec.md §5 requires for Twilio
// HTTP calls is enforced through the injected http.Client instead.
func New(accountSID, authToken, serviceSID string, timeout time.Duration) *TwilioVerifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
		Client: &twilioClient.Client{
			Credentials: twilioClient.NewCredentials(accountSID, authToken),
			HTTPClient:  httputil.CopyHTTPClientWithTimeout(http.DefaultClient, timeout, true),
		},
	})
	return &TwilioVerifier{client: client, serviceSID: serviceSID}
}

// CheckServiceSettings fetches the configured Verify service and rejects
// it unless its friendly_name and code_length match what this worker
// requires.
func (t *TwilioVerifier) CheckServiceSettings(_ context.Context) error {
	svc, err := t.client.VerifyV2.FetchService(t.serviceSID)
	if err != nil {
		return classify(err)
	}
	if svc.FriendlyName == nil || *svc.FriendlyName != RequiredFriendlyName {
		return fail(InvalidSetting, fmt.Errorf("verify service friendly_name mismatch"))
	}
	if svc.CodeLength != RequiredCodeLength {
		return fail(InvalidSetting, fmt.Errorf("verify service code_length mismatch"))
	}
	return nil
}

// SendVerification requests a new SMS verification code for phone and
// returns the verification SID, carried out-of-band by the caller (never
// in the attested result, per spec.md §4.8.2 step 3).
func (t *TwilioVerifier) SendVerification(_ context.Context, phone string) (string, error) {
	params := &verifyv2.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")

	resp, err := t.client.VerifyV2.CreateVerification(t.serviceSID, params)
	if err != nil {
		return "", fail(kindOrFallback(err, SendFailed), err)
	}
	if resp.Sid == nil {
		return "", fail(SendFailed, errors.New("verification response missing sid"))
	}
	return *resp.Sid, nil
}

// CheckVerification checks a signer-supplied code against the
// previously-sent verification, accepting only when Twilio reports the
// same phone number, the "sms" channel, and an "approved" status (spec.md
// §4.8.2 step 3).
func (t *TwilioVerifier) CheckVerification(_ context.Context, phone, sid, code string) (bool, error) {
	params := &verifyv2.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)

	resp, err := t.client.VerifyV2.CreateVerificationCheck(t.serviceSID, params)
	if err != nil {
		return false, fail(kindOrFallback(err, CheckFailed), err)
	}
	if resp.To == nil || *resp.To != phone {
		return false, nil
	}
	if resp.Channel == nil || *resp.Channel != "sms" {
		return false, nil
	}
	if resp.Status == nil || *resp.Status != "approved" {
		return false, nil
	}
	return true, nil
}

// classify wraps a raw Twilio client error, promoting known
// credential-rejection codes to InvalidCredential.
func classify(err error) error {
	return fail(classifyKind(err), err)
}

// kindOrFallback promotes err to InvalidCredential when it carries one of
// Twilio's known credential-rejection codes, otherwise reports fallback.
func kindOrFallback(err error, fallback Kind) Kind {
	if classifyKind(err) == InvalidCredential {
		return InvalidCredential
	}
	return fallback
}

func classifyKind(err error) Kind {
	var restErr *twilioClient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Code == 20003 || restErr.Code == 20404 {
			return InvalidCredential
		}
	}
	return Network
}
