package nsmbridge

import (
	"errors"
	"testing"

	"github.com/hf/nsm/request"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	doc     []byte
	sendErr error
	closed  bool
}

func (f *fakeSession) Send(req request.Request) (*response, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &response{Attestation: &attestationResponse{Document: f.doc}}, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestAttest_ReturnsDocument(t *testing.T) {
	fake := &fakeSession{doc: []byte("cose-sign1-bytes")}
	b := &Bridge{OpenSession: func() (nsmSession, error) { return fake, nil }}

	doc, err := b.Attest([]byte("userdata"), []byte("pubkey"))
	require.NoError(t, err)
	require.Equal(t, fake.doc, doc)
	require.True(t, fake.closed)
}

func TestAttest_RejectsOversizedUserData(t *testing.T) {
	b := &Bridge{OpenSession: func() (nsmSession, error) { return &fakeSession{}, nil }}
	_, err := b.Attest(make([]byte, maxUserDataBytes+1), nil)
	var invalidArg *InvalidArgError
	require.ErrorAs(t, err, &invalidArg)
}

func TestAttest_RejectsOversizedPublicKey(t *testing.T) {
	b := &Bridge{OpenSession: func() (nsmSession, error) { return &fakeSession{}, nil }}
	_, err := b.Attest(nil, make([]byte, maxPublicKeyBytes+1))
	var invalidArg *InvalidArgError
	require.ErrorAs(t, err, &invalidArg)
}

func TestAttest_WrapsSessionOpenError(t *testing.T) {
	b := &Bridge{OpenSession: func() (nsmSession, error) { return nil, errors.New("no device") }}
	_, err := b.Attest(nil, nil)
	var nsmErr *NsmError
	require.ErrorAs(t, err, &nsmErr)
}

func TestAttest_WrapsSendError(t *testing.T) {
	fake := &fakeSession{sendErr: errors.New("device busy")}
	b := &Bridge{OpenSession: func() (nsmSession, error) { return fake, nil }}
	_, err := b.Attest(nil, nil)
	var nsmErr *NsmError
	require.ErrorAs(t, err, &nsmErr)
}

func TestAttest_MissingDocumentIsError(t *testing.T) {
	fake := &fakeSession{}
	b := &Bridge{OpenSession: func() (nsmSession, error) { return fake, nil }}
	_, err := b.Attest(nil, nil)
	require.Error(t, err)
}
