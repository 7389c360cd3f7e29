package phoneverify

import (
	"errors"
	"testing"

	twilioClient "github.com/twilio/twilio-go/client"

	"github.com/stretchr/testify/require"
)

func TestValidateE164(t *testing.T) {
	cases := map[string]bool{
		"+14155552671":  true,
		"+442071838750": true,
		"14155552671":   false,
		"+0415555267":   false,
		"not-a-number":  false,
		"":              false,
	}
	for phone, want := range cases {
		require.Equal(t, want, ValidateE164(phone), phone)
	}
}

func TestClassifyKindPromotesCredentialErrors(t *testing.T) {
	require.Equal(t, InvalidCredential, classifyKind(&twilioClient.TwilioRestError{Code: 20003}))
	require.Equal(t, InvalidCredential, classifyKind(&twilioClient.TwilioRestError{Code: 20404}))
	require.Equal(t, Network, classifyKind(&twilioClient.TwilioRestError{Code: 20429}))
	require.Equal(t, Network, classifyKind(errors.New("boom")))
}

func TestKindOrFallback(t *testing.T) {
	require.Equal(t, InvalidCredential, kindOrFallback(&twilioClient.TwilioRestError{Code: 20003}, SendFailed))
	require.Equal(t, SendFailed, kindOrFallback(errors.New("boom"), SendFailed))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "Network", Network.String())
	require.Equal(t, "InvalidCredential", InvalidCredential.String())
	require.Equal(t, "InvalidSetting", InvalidSetting.String())
	require.Equal(t, "CheckFailed", CheckFailed.String())
	require.Equal(t, "SendFailed", SendFailed.String())
}

func TestVerifyErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := fail(Network, inner)
	require.ErrorIs(t, err, inner)
}
