// Package nsmbridge is the thin shim to the enclave's Nitro Security
// Module device. It is the only package in the worker that opens an NSM
// session; every other component asks for attestation documents through
// this bridge.
//
//	┌──────────────┐  ioctl /dev/nsm  ┌──────────────┐
//	│  NsmBridge    │ ───────────────>│ NSM device   │
//	│ (this package)│ <───────────────│ (hypervisor) │
//	└──────────────┘  attestation doc └──────────────┘
package nsmbridge

import (
	"errors"
	"fmt"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

const (
	maxUserDataBytes  = 512
	maxPublicKeyBytes = 1024
)

// InvalidArgError is returned when caller-supplied buffers exceed the
// NSM device's size limits.
type InvalidArgError struct {
	Field string
	Limit int
	Got   int
}

func (e *InvalidArgError) Error() string {
	return fmt.Sprintf("nsmbridge: %s length %d exceeds limit %d", e.Field, e.Got, e.Limit)
}

// NsmError wraps any non-zero return from the NSM device.
type NsmError struct{ Err error }

func (e *NsmError) Error() string { return fmt.Sprintf("nsmbridge: nsm device error: %v", e.Err) }
func (e *NsmError) Unwrap() error { return e.Err }

// Bridge requests attestation documents from the NSM device. OpenSession is
// overridable in tests so they never touch /dev/nsm.
type Bridge struct {
	OpenSession func() (nsmSession, error)
}

// nsmSession abstracts the part of *nsm.Session this package depends on,
// so tests can substitute a fake without a real NSM device.
type nsmSession interface {
	Send(req request.Request) (*response, error)
	Close() error
}

// response mirrors the subset of nsm.Response this package reads.
type response struct {
	Attestation *attestationResponse
}

type attestationResponse struct {
	Document []byte
}

// New returns a Bridge backed by the real default NSM device session.
func New() *Bridge {
	return &Bridge{OpenSession: openDefaultSession}
}

// Attest asks the NSM device for an attestation document embedding the
// given optional user-data and public-key fields.
func (b *Bridge) Attest(userData, publicKey []byte) ([]byte, error) {
	if len(userData) > maxUserDataBytes {
		return nil, &InvalidArgError{Field: "user_data", Limit: maxUserDataBytes, Got: len(userData)}
	}
	if len(publicKey) > maxPublicKeyBytes {
		return nil, &InvalidArgError{Field: "public_key", Limit: maxPublicKeyBytes, Got: len(publicKey)}
	}

	sess, err := b.OpenSession()
	if err != nil {
		return nil, &NsmError{Err: err}
	}
	defer sess.Close()

	res, err := sess.Send(&request.Attestation{
		UserData:  userData,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, &NsmError{Err: err}
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, &NsmError{Err: errors.New("device did not return an attestation document")}
	}
	return res.Attestation.Document, nil
}

// realSession adapts *nsm.Session (whose Send returns *response.Response)
// to the nsmSession interface above.
type realSession struct {
	inner *nsm.Session
}

func (r *realSession) Send(req request.Request) (*response, error) {
	res, err := r.inner.Send(req)
	if err != nil {
		return nil, err
	}
	if res.Attestation == nil {
		return &response{}, nil
	}
	return &response{Attestation: &attestationResponse{Document: res.Attestation.Document}}, nil
}

func (r *realSession) Close() error { return r.inner.Close() }

func openDefaultSession() (nsmSession, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, err
	}
	return &realSession{inner: sess}, nil
}
