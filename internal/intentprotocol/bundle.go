package intentprotocol

import (
	"bytes"
	"context"
	"crypto/aes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/alexmullins/zip"

	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/internal/mailer"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/internal/payloaddecryptor"
)

// buildBundle writes pdfBytes and spfBytes into a single in-memory zip
// archive named <baseName>.pdf / <baseName>.spf. When password is
// non-empty, both entries are WinZip AES-256 (WZ_AES) encrypted, per
// spec.md §6's "Bundle ZIP" description.
func buildBundle(baseName, password string, pdfBytes, spfBytes []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	entries := []struct {
		name string
		data []byte
	}{
		{baseName + ".pdf", pdfBytes},
		{baseName + ".spf", spfBytes},
	}
	for _, e := range entries {
		var out io.Writer
		var err error
		if password != "" {
			out, err = w.Encrypt(e.name, password, zip.AES256Encryption)
		} else {
			out, err = w.Create(e.name)
		}
		if err != nil {
			return nil, err
		}
		if _, err := out.Write(e.data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// notifyResult mails the finished bundle to the notificant (if any) and to
// every signer, each best-effort (spec.md §4.8.3 step 6): a failed delivery
// to one recipient never blocks delivery to the others or the function's
// overall success.
func notifyResult(ctx context.Context, deps *Deps, dctx *payloaddecryptor.Context, payload model.TaskPayload, baseName, password string, pdfBytes, spfBytes []byte) error {
	bundle, err := buildBundle(baseName, password, pdfBytes, spfBytes)
	if err != nil {
		return err
	}

	m, err := deps.NewMailer(mailDomainAndProvider(dctx, payload))
	if err != nil {
		return err
	}

	subject, body := mailer.Render(dctx.TaskConfig.NotificantLocale, mailer.KindFinalBundle, mailer.TemplateData{FileName: dctx.TaskConfig.FileName})
	attachment := mailer.Attachment{Filename: baseName + ".zip", Data: bundle, ContentType: "application/zip"}

	recipients := make([]string, 0, len(dctx.TaskConfig.SignerInfoList)+1)
	if dctx.TaskConfig.NotificantEmail != "" {
		recipients = append(recipients, dctx.TaskConfig.NotificantEmail)
	}
	for _, s := range dctx.TaskConfig.SignerInfoList {
		recipients = append(recipients, s.EmailAddr)
	}
	for _, to := range recipients {
		sendBestEffort(ctx, m, mailer.Message{To: to, Subject: subject, HTMLBody: body, Attachments: []mailer.Attachment{attachment}})
	}
	return nil
}

// encryptResult builds the same bundle without a password and AES-CBC
// encrypts it under binding.accessKey for the outer enclave's
// encryptedResult field (spec.md §4.8.3 step 7): unlike the mailed bundle,
// this copy is consumed machine-to-machine and carries its own IV prefix
// rather than WinZip's per-entry password scheme.
func encryptResult(dctx *payloaddecryptor.Context, baseName string, pdfBytes, spfBytes []byte) ([]byte, error) {
	bundle, err := buildBundle(baseName, "", pdfBytes, spfBytes)
	if err != nil {
		return nil, err
	}

	key, err := decodeAccessKey(dctx.Binding.AccessKey)
	if err != nil {
		return nil, err
	}
	iv, err := cryptoprimitives.RandBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cryptoprimitives.AESCBCPKCS7Encrypt(key, iv, bundle)
	if err != nil {
		return nil, err
	}
	return append(iv, ciphertext...), nil
}

// decodeAccessKey base64-decodes binding.accessKey and rejects any length
// AESCBCPKCS7Encrypt would not accept as an AES key.
func decodeAccessKey(accessKeyB64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(accessKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode binding.accessKey: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("binding.accessKey decodes to invalid AES key length %d", len(key))
	}
}
