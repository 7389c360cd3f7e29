// Package payloaddecryptor implements the ordered, fail-fast decrypt and
// hash-binding pipeline of spec.md §4.6: decrypt each of a task payload's
// envelopes through KmsClient, schema-validate its plaintext, and check it
// against the hash manifest carried in the binding data. Every step aborts
// with the exact ErrCode spec.md names on the first mismatch.
package payloaddecryptor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/internal/errcode"
	"github.com/letsesign/enclave-worker/internal/kmsclient"
	"github.com/letsesign/enclave-worker/internal/model"
)

// KmsDecrypter decrypts one KMS-wrapped envelope's data key, satisfied by
// *kmsclient.Client.
type KmsDecrypter interface {
	Decrypt(ctx context.Context, kmsKeyARN, ciphertextBlobB64 string) ([]byte, error)
}

// Decryptor runs the §4.6 pipeline against one KmsDecrypter.
type Decryptor struct {
	kms KmsDecrypter
}

// New builds a Decryptor.
func New(kms KmsDecrypter) *Decryptor {
	return &Decryptor{kms: kms}
}

// Context is the fully decrypted, hash-verified private half of a task
// payload, ready for a handler to act on.
type Context struct {
	Binding      model.BindingData
	TaskConfig   model.TaskConfig
	TemplateData []byte
	EmailConfig  model.EmailConfig
	TwilioConfig *model.TwilioConfig
}

// Decrypt runs every step of spec.md §4.6 in order against payload, using
// a fresh ephemeral RSA key (via KmsDecrypter) for each envelope.
func (d *Decryptor) Decrypt(ctx context.Context, payload model.TaskPayload, kmsKeyARN string) (*Context, error) {
	binding, err := decryptJSON[model.BindingData](ctx, d.kms, kmsKeyARN, payload.PrivateTaskInfo.EncryptedBindingData)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	if err := validateBindingData(binding); err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	if binding.InOrder != payload.PublicTaskInfo.InOrder {
		return nil, errcode.MismatchInOrderOption()
	}

	// The binding hashes are producer-computed over the bytes the producer
	// emitted, so both recomputations below go through the order-preserving
	// raw path — never through a typed struct re-encoding, which would
	// re-order members and reformat number literals.
	templateInfoRaw := payload.PublicTaskInfo.TemplateInfo.Raw()
	if len(templateInfoRaw) == 0 {
		return nil, errcode.DecryptPrivateInfoFail(fmt.Errorf("templateInfo carries no wire bytes to hash"))
	}
	templateInfoHash, err := canonicaljson.Sha256HexOrderedRaw(templateInfoRaw)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(fmt.Errorf("hash templateInfo: %w", err))
	}
	if templateInfoHash != binding.TemplateInfoHash {
		return nil, errcode.MismatchTemplateInfoHash()
	}

	taskConfigRaw, err := decryptRaw(ctx, d.kms, kmsKeyARN, payload.PrivateTaskInfo.EncryptedTaskConfig)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	var taskConfig model.TaskConfig
	if err := json.Unmarshal(taskConfigRaw, &taskConfig); err != nil {
		return nil, errcode.DecryptPrivateInfoFail(fmt.Errorf("decode taskConfig plaintext: %w", err))
	}
	if err := validateTaskConfig(taskConfig); err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	taskConfigHash, err := canonicaljson.Sha256HexOrderedRaw(taskConfigRaw)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(fmt.Errorf("hash taskConfig: %w", err))
	}
	if taskConfigHash != binding.TaskConfigHash {
		return nil, errcode.MismatchTaskConfigHash()
	}

	templateData, err := decryptRaw(ctx, d.kms, kmsKeyARN, payload.PrivateTaskInfo.EncryptedTemplateData)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	if canonicaljson.Sha256HexRaw(templateData) != binding.TemplateDataHash {
		return nil, errcode.MismatchTemplateDataHash()
	}

	emailConfig, err := decryptJSON[model.EmailConfig](ctx, d.kms, kmsKeyARN, payload.PrivateTaskInfo.EncryptedEmailConfig)
	if err != nil {
		return nil, errcode.DecryptPrivateInfoFail(err)
	}
	domainSetting := payload.PublicTaskInfo.DomainSetting
	if emailConfig.ServiceProvider != domainSetting.EmailServiceProvider {
		return nil, errcode.MismatchEmailConfig()
	}
	switch emailConfig.ServiceProvider {
	case model.EmailProviderSES:
		if emailConfig.SesDomain != domainSetting.EmailServiceDomain {
			return nil, errcode.MismatchEmailConfig()
		}
	case model.EmailProviderSendGrid:
		if emailConfig.SgDomain != domainSetting.EmailServiceDomain {
			return nil, errcode.MismatchEmailConfig()
		}
	default:
		return nil, errcode.MismatchEmailConfig()
	}
	if emailConfig.BearerSecret != binding.BearerSecret {
		return nil, errcode.MismatchBearerSecret()
	}

	var twilioConfig *model.TwilioConfig
	if payload.PrivateTaskInfo.EncryptedTwilioConfig != nil {
		tc, err := decryptJSON[model.TwilioConfig](ctx, d.kms, kmsKeyARN, *payload.PrivateTaskInfo.EncryptedTwilioConfig)
		if err != nil {
			return nil, errcode.DecryptPrivateInfoFail(err)
		}
		if tc.BearerSecret != binding.BearerSecret {
			return nil, errcode.MismatchBearerSecret()
		}
		twilioConfig = &tc
	}

	return &Context{
		Binding:      binding,
		TaskConfig:   taskConfig,
		TemplateData: templateData,
		EmailConfig:  emailConfig,
		TwilioConfig: twilioConfig,
	}, nil
}

func validateBindingData(b model.BindingData) error {
	if b.TaskConfigHash == "" || b.TemplateInfoHash == "" || b.TemplateDataHash == "" {
		return fmt.Errorf("binding data is missing one or more hash fields")
	}
	if b.AccessKey == "" {
		return fmt.Errorf("binding data is missing accessKey")
	}
	if _, err := base64.StdEncoding.DecodeString(b.AccessKey); err != nil {
		return fmt.Errorf("binding accessKey is not valid base64: %w", err)
	}
	return nil
}

func validateTaskConfig(tc model.TaskConfig) error {
	if len(tc.SignerInfoList) == 0 {
		return fmt.Errorf("taskConfig has no signers")
	}
	for i, s := range tc.SignerInfoList {
		if s.EmailAddr == "" {
			return fmt.Errorf("signer %d is missing emailAddr", i)
		}
	}
	return nil
}

func decryptJSON[T any](ctx context.Context, kms KmsDecrypter, kmsKeyARN string, env model.Envelope) (T, error) {
	var zero T
	plaintext, err := decryptRaw(ctx, kms, kmsKeyARN, env)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return zero, fmt.Errorf("decode envelope plaintext: %w", err)
	}
	return out, nil
}

func decryptRaw(ctx context.Context, kms KmsDecrypter, kmsKeyARN string, env model.Envelope) ([]byte, error) {
	dataKey, err := kms.Decrypt(ctx, kmsKeyARN, env.EncryptedDataKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.DataIV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	encrypted, err := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted data: %w", err)
	}
	plaintext, err := cryptoprimitives.AESCBCPKCS7Decrypt(dataKey, iv, encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt envelope: %w", err)
	}
	return plaintext, nil
}

var _ KmsDecrypter = (*kmsclient.Client)(nil)
