// Package model defines the wire and data shapes of the Proof-of-Intent
// signing protocol: the task payload and its envelopes, the binding hash
// manifest, POR/POI records, attestation user-data, and the final summary.
package model

import "encoding/json"

// FieldType is the kind of signature-overlay field placed on a PDF page.
type FieldType int

const (
	FieldTypeSignature FieldType = 0
	FieldTypeDate      FieldType = 1
)

// Field is one overlay placement on a template page; coordinates are in the
// top-left-origin system of the target page's MediaBox.
type Field struct {
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Height float64   `json:"height"`
	PageNo int       `json:"pageNo"`
	Type   FieldType `json:"type"`
}

// SignerTemplate is one signer's field placements.
type SignerTemplate struct {
	FieldList []Field `json:"fieldList"`
}

// TemplateInfo is the public field-layout description of the task.
//
// templateInfoHash binds the bytes the producer sent, not this struct's
// re-encoding of them, so decoding keeps a copy of the source JSON; Raw
// returns it for the hash check.
type TemplateInfo struct {
	SignerList []SignerTemplate `json:"signerList"`

	raw []byte
}

type templateInfoAlias TemplateInfo

func (ti *TemplateInfo) UnmarshalJSON(data []byte) error {
	var a templateInfoAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*ti = TemplateInfo(a)
	ti.raw = append([]byte(nil), data...)
	return nil
}

// Raw returns the JSON bytes this TemplateInfo was decoded from, or nil
// for a programmatically constructed value.
func (ti TemplateInfo) Raw() []byte { return ti.raw }

// KmsConfig identifies the KMS key used to wrap every envelope's data key.
type KmsConfig struct {
	KmsKeyARN string `json:"kmsKeyARN"`
}

// EmailServiceProvider selects the outbound mail transport.
type EmailServiceProvider string

const (
	EmailProviderSES       EmailServiceProvider = "ses"
	EmailProviderSendGrid  EmailServiceProvider = "sg"
)

// DomainSetting carries the task's per-tenant routing configuration.
type DomainSetting struct {
	RootDomain          string               `json:"rootDomain"`
	SignerAppURL        string               `json:"signerAppURL"`
	EnhancedPrivacy     bool                 `json:"enhancedPrivacy"`
	KmsConfig           KmsConfig            `json:"kmsConfig"`
	EmailServiceProvider EmailServiceProvider `json:"emailServiceProvider"`
	EmailServiceDomain  string               `json:"emailServiceDomain"`
}

// PublicTaskInfo is the unencrypted half of the task payload.
type PublicTaskInfo struct {
	DomainSetting DomainSetting `json:"domainSetting"`
	InOrder       bool          `json:"inOrder"`
	TemplateInfo  TemplateInfo  `json:"templateInfo"`
}

// Envelope is one KMS-wrapped, AES-CBC-encrypted section of the task
// payload's private half.
type Envelope struct {
	EncryptedDataKey string `json:"encryptedDataKey"`
	DataIV           string `json:"dataIV"`
	EncryptedData    string `json:"encryptedData"`
}

// PrivateTaskInfo is the encrypted half of the task payload: four required
// envelopes and one optional (Twilio) envelope.
type PrivateTaskInfo struct {
	EncryptedBindingData  Envelope  `json:"encryptedBindingData"`
	EncryptedTaskConfig   Envelope  `json:"encryptedTaskConfig"`
	EncryptedTemplateData Envelope  `json:"encryptedTemplateData"`
	EncryptedEmailConfig  Envelope  `json:"encryptedEmailConfig"`
	EncryptedTwilioConfig *Envelope `json:"encryptedTwilioConfig,omitempty"`
}

// TaskPayload is the complete, opaque-to-the-worker task description.
//
// payloadHash — the universal job identity — is taken over the payload
// bytes as received, so decoding keeps a copy of the source JSON; Raw
// returns it for hashing.
type TaskPayload struct {
	PublicTaskInfo  PublicTaskInfo  `json:"publicTaskInfo"`
	PrivateTaskInfo PrivateTaskInfo `json:"privateTaskInfo"`

	raw []byte
}

type taskPayloadAlias TaskPayload

func (p *TaskPayload) UnmarshalJSON(data []byte) error {
	var a taskPayloadAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = TaskPayload(a)
	p.raw = append([]byte(nil), data...)
	return nil
}

// Raw returns the JSON bytes this TaskPayload was decoded from, or nil
// for a programmatically constructed value.
func (p TaskPayload) Raw() []byte { return p.raw }

// BindingData is the plaintext of encryptedBindingData: the hash manifest
// tying every other section to this specific task.
type BindingData struct {
	InOrder          bool   `json:"inOrder"`
	TaskConfigHash   string `json:"taskConfigHash"`
	TemplateInfoHash string `json:"templateInfoHash"`
	TemplateDataHash string `json:"templateDataHash"`
	AccessKey        string `json:"accessKey"`
	BearerSecret     string `json:"bearerSecret"`
}

// SignerInfo is one signer's contact and locale information.
type SignerInfo struct {
	Name        string `json:"name"`
	EmailAddr   string `json:"emailAddr"`
	Locale      string `json:"locale"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// TaskConfig is the plaintext of encryptedTaskConfig.
type TaskConfig struct {
	FileName         string       `json:"fileName"`
	SenderMsg        string       `json:"senderMsg"`
	NotificantEmail  string       `json:"notificantEmail"`
	NotificantLocale string       `json:"notificantLocale"`
	SignerInfoList   []SignerInfo `json:"signerInfoList"`
}

// EmailConfig is the plaintext of encryptedEmailConfig.
type EmailConfig struct {
	ServiceProvider EmailServiceProvider `json:"serviceProvider"`
	SesDomain       string               `json:"sesDomain,omitempty"`
	SgDomain        string               `json:"sgDomain,omitempty"`
	BearerSecret    string               `json:"bearerSecret"`
}

// TwilioConfig is the plaintext of encryptedTwilioConfig.
type TwilioConfig struct {
	AccountSID   string `json:"accountSID"`
	AuthToken    string `json:"authToken"`
	ServiceSID   string `json:"serviceSID"`
	BearerSecret string `json:"bearerSecret"`
}

// POR is the Proof-of-Request CBOR record.
type POR struct {
	PayloadHash   string `cbor:"payloadHash"`
	SignerIdx     int    `cbor:"signerIdx"`
	SecretHash    string `cbor:"secretHash"`
	PhoneRequired bool   `cbor:"phoneRequired"`
}

// POI is the Proof-of-Intent CBOR record.
type POI struct {
	PayloadHash string `cbor:"payloadHash"`
	SignerIdx   int    `cbor:"signerIdx"`
	IPAddress   string `cbor:"ipAddress"`
	PorTime     int64  `cbor:"porTime"`
}

// HashEntry is one named output hash in an attestation's hashList.
type HashEntry struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// AttestationUserData is the canonical-JSON user-data payload this worker
// embeds in every attestation document it issues.
type AttestationUserData struct {
	FnName   string      `json:"fnName"`
	HashList []HashEntry `json:"hashList"`
}

// Job function names, used both as the dispatch tag and as AttestationUserData.FnName.
const (
	FnSendReq      = "sendReq"
	FnConfirmIntent = "confirmIntent"
	FnAttachEsig   = "attachEsig"
)

// SummarySigner is one signer's entry in the final bundle summary.
type SummarySigner struct {
	Name        string `json:"name"`
	EmailAddr   string `json:"emailAddr"`
	IPAddress   string `json:"ipAddress"`
	SigningTime int64  `json:"signingTime"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Summary is the final bundle manifest, hashed and attested alongside the
// signed PDF.
type Summary struct {
	SignerList      []SummarySigner `json:"signerList"`
	MagicNumber     string          `json:"magicNumber"`
	BindingDataHash string          `json:"bindingDataHash"`
}

// Result is one named output of a handler invocation, as returned to the
// host ({name, data:<base64>} on the wire).
type Result struct {
	Name string
	Data []byte
}

// Proof is one (POI, attestation document) pair supplied to AttachESig.
// encoding/json base64-encodes []byte fields automatically, so a wire
// proofList entry is simply {"poi": "<b64 cbor>", "poiAttestDocument": "<b64 cose>"}.
type Proof struct {
	POI               []byte `json:"poi"`
	POIAttestDocument []byte `json:"poiAttestDocument"`
}
