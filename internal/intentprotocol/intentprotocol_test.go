package intentprotocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/letsesign/enclave-worker/internal/errcode"
	"github.com/letsesign/enclave-worker/internal/model"
)

func TestValidatePayloadShapeAcceptsWellFormedPayload(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	require.NoError(t, validatePayloadShape(payload))
}

func TestValidatePayloadShapeRejectsMissingKmsKeyARN(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	payload.PublicTaskInfo.DomainSetting.KmsConfig.KmsKeyARN = ""
	err := validatePayloadShape(payload)
	require.Equal(t, errcode.INVALID_PARAM, errcode.Of(err))
}

func TestValidatePayloadShapeRejectsUnknownEmailProvider(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	payload.PublicTaskInfo.DomainSetting.EmailServiceProvider = model.EmailServiceProvider("carrier-pigeon")
	err := validatePayloadShape(payload)
	require.Equal(t, errcode.INVALID_PARAM, errcode.Of(err))
}

func TestValidatePayloadShapeRejectsEmptySignerList(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	payload.PublicTaskInfo.TemplateInfo.SignerList = nil
	err := validatePayloadShape(payload)
	require.Equal(t, errcode.INVALID_PARAM, errcode.Of(err))
}

func TestValidatePayloadShapeRejectsIncompleteEnvelope(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	payload.PrivateTaskInfo.EncryptedTaskConfig.DataIV = ""
	err := validatePayloadShape(payload)
	require.Equal(t, errcode.INVALID_PARAM, errcode.Of(err))
}

// TestHandlerRunRejectsBadShapeBeforeDecrypting exercises the wiring of
// validatePayloadShape into Handler.Run: an otherwise well-formed envelope
// whose public shape is invalid must fail fast with INVALID_PARAM and never
// reach the KMS decrypt step. The fixture KMS has no keys registered at all,
// so a Decrypt call made despite the shape failure would itself fail with a
// different code, making an accidental ordering bug visible here.
func TestHandlerRunRejectsBadShapeBeforeDecrypting(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	payload.PublicTaskInfo.DomainSetting.KmsConfig.KmsKeyARN = ""

	emptyKms := newFakeKms()
	deps := buildDeps(t, emptyKms, depsOpts{})

	req := sendReqRequest{SignerIdx: 0, TaskPayload: payload}
	jobData, err := json.Marshal(req)
	require.NoError(t, err)

	outcome := NewSendReqHandler(deps).Run(context.Background(), jobData)
	require.Equal(t, errcode.INVALID_PARAM, outcome.Code)
}

func TestPayloadHashIsStableAndContentSensitive(t *testing.T) {
	payload, _ := buildTask(t, taskOpts{})
	h1, err := payloadHash(payload)
	require.NoError(t, err)
	h2, err := payloadHash(payload)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	payload.PublicTaskInfo.InOrder = !payload.PublicTaskInfo.InOrder
	h3, err := payloadHash(wirePayload(t, payload))
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

// TestPayloadHashBindsReceivedBytesNotStructEncoding pins the portability
// behavior spec.md §9 calls the single most error-prone point: two wire
// payloads that decode to the same Go value but differ in member order or
// number spelling must hash differently, because the hash domain is the
// producer's bytes, not this worker's re-encoding of them.
func TestPayloadHashBindsReceivedBytesNotStructEncoding(t *testing.T) {
	decode := func(src string) model.TaskPayload {
		var p model.TaskPayload
		require.NoError(t, json.Unmarshal([]byte(src), &p))
		return p
	}

	base := decode(`{"publicTaskInfo":{"inOrder":false},"privateTaskInfo":{}}`)
	reordered := decode(`{"privateTaskInfo":{},"publicTaskInfo":{"inOrder":false}}`)

	h1, err := payloadHash(base)
	require.NoError(t, err)
	h2, err := payloadHash(reordered)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	// Whitespace is not part of the hash domain; member order is.
	spaced := decode(`{ "publicTaskInfo": {"inOrder": false}, "privateTaskInfo": {} }`)
	h3, err := payloadHash(spaced)
	require.NoError(t, err)
	require.Equal(t, h1, h3)
}

func TestPayloadHashRequiresWireBytes(t *testing.T) {
	_, err := payloadHash(model.TaskPayload{})
	require.Error(t, err)
}

func TestErrOutcomeExtractsCodeFromWorkerError(t *testing.T) {
	out := errOutcome(errcode.InvalidSignerIndex(3))
	require.Equal(t, errcode.INVALID_SIGNER_INDEX, out.Code)
	require.Empty(t, out.Results)
	require.Empty(t, out.AttestDocument)
}

func TestErrOutcomeFallsBackToUndefinedForUnrecognizedError(t *testing.T) {
	out := errOutcome(errors.New("boom"))
	require.Equal(t, errcode.UNDEFINED_ERROR, out.Code)
}
