package intentprotocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/letsesign/enclave-worker/internal/canonicaljson"
	"github.com/letsesign/enclave-worker/internal/cryptoprimitives"
	"github.com/letsesign/enclave-worker/internal/errcode"
	"github.com/letsesign/enclave-worker/internal/mailer"
	"github.com/letsesign/enclave-worker/internal/model"
	"github.com/letsesign/enclave-worker/internal/payloaddecryptor"
	"github.com/letsesign/enclave-worker/internal/pdfoverlay"
	"github.com/letsesign/enclave-worker/internal/phoneverify"
)

// intentVersion is the confirm-link payload's own version tag, bumped only
// if the link's JSON shape changes.
const intentVersion = 1

// ---- SendReq ----

type sendReqRequest struct {
	SignerIdx    int               `json:"signerIdx"`
	TaskPayload  model.TaskPayload `json:"taskPayload"`
	TaskPassword string            `json:"taskPassword,omitempty"`
	ExtraData    json.RawMessage   `json:"extraData,omitempty"`
}

// NewSendReqHandler builds the SendReq handler (spec.md §4.8.1).
func NewSendReqHandler(deps *Deps) AnyHandler {
	return &Handler[sendReqRequest]{
		deps: deps,
		name: model.FnSendReq,
		validate: func(jobData []byte) (sendReqRequest, error) {
			var req sendReqRequest
			if err := json.Unmarshal(jobData, &req); err != nil {
				return req, errcode.InvalidParam("malformed sendReq jobData: " + err.Error())
			}
			if req.SignerIdx < 0 {
				return req, errcode.InvalidSignerIndex(req.SignerIdx)
			}
			return req, nil
		},
		payloadOf: func(r sendReqRequest) model.TaskPayload { return r.TaskPayload },
		execute:   sendReqExecute,
	}
}

func sendReqExecute(ctx context.Context, deps *Deps, req sendReqRequest, dctx *payloaddecryptor.Context, payload model.TaskPayload) (execResult, error) {
	pub := payload.PublicTaskInfo
	signers := pub.TemplateInfo.SignerList
	signerInfoList := dctx.TaskConfig.SignerInfoList
	notificantEmail := dctx.TaskConfig.NotificantEmail

	notify := func(err error) {
		if req.SignerIdx != 0 || notificantEmail == "" {
			return
		}
		m, merr := deps.NewMailer(mailDomainAndProvider(dctx, payload))
		if merr != nil {
			return
		}
		kind := mailer.KindNotifySuccess
		if err != nil {
			kind = mailer.KindNotifyError
		}
		remaining := make([]string, 0, len(signerInfoList))
		for i := 1; i < len(signerInfoList); i++ {
			remaining = append(remaining, signerInfoList[i].Name)
		}
		data := mailer.TemplateData{FileName: dctx.TaskConfig.FileName, RemainingNames: remaining}
		if len(signerInfoList) == 1 {
			data.SoleSignerEmail = signerInfoList[0].EmailAddr
		}
		subject, body := mailer.Render(dctx.TaskConfig.NotificantLocale, kind, data)
		sendBestEffort(ctx, m, mailer.Message{To: notificantEmail, Subject: subject, HTMLBody: body})
	}

	outcome, err := sendReqRun(ctx, deps, req, dctx, payload, signers, signerInfoList)
	notify(err)
	if err != nil {
		return execResult{}, err
	}
	return outcome, nil
}

func sendReqRun(ctx context.Context, deps *Deps, req sendReqRequest, dctx *payloaddecryptor.Context, payload model.TaskPayload, signers []model.SignerTemplate, signerInfoList []model.SignerInfo) (execResult, error) {
	if len(signers) != len(signerInfoList) {
		return execResult{}, errcode.MismatchSignerListLength()
	}
	if req.SignerIdx >= len(signerInfoList) {
		return execResult{}, errcode.InvalidSignerIndex(req.SignerIdx)
	}
	for _, s := range signerInfoList {
		if s.PhoneNumber == "" {
			continue
		}
		if dctx.TwilioConfig == nil {
			return execResult{}, errcode.MissingTwilioConfig()
		}
		if !phoneverify.ValidateE164(s.PhoneNumber) {
			return execResult{}, errcode.InvalidPhoneNumberFormat(fmt.Sprintf("signer phone %q is not E.164", s.PhoneNumber))
		}
	}
	if pdfoverlay.TestSignedPDF(dctx.TemplateData) {
		return execResult{}, errcode.SignedPDFDetected()
	}
	if !pdfoverlay.TestPDFModifiable(deps.Fonts, dctx.TemplateData) {
		return execResult{}, errcode.PDFNotModifiableDetected()
	}

	secretRaw, err := deps.rand(256)
	if err != nil {
		return execResult{}, errcode.Undefined(fmt.Errorf("generate intent secret: %w", err))
	}
	secret := base64.StdEncoding.EncodeToString(secretRaw)

	signer := signerInfoList[req.SignerIdx]
	previewPassword := ""
	if payload.PublicTaskInfo.DomainSetting.EnhancedPrivacy {
		previewPassword = req.TaskPassword
	}
	previewSigners := make([]pdfoverlay.PreviewSigner, len(signerInfoList))
	for i, s := range signerInfoList {
		previewSigners[i] = pdfoverlay.PreviewSigner{Name: s.Name, Locale: s.Locale}
	}
	previewPDF, err := deps.Fonts.RenderPreview(dctx.TemplateData, payload.PublicTaskInfo.TemplateInfo, previewSigners, req.SignerIdx, payload.PublicTaskInfo.InOrder, previewPassword)
	if err != nil {
		return execResult{}, errcode.GeneratePreviewPDFFail(err)
	}

	hash, err := payloadHash(payload)
	if err != nil {
		return execResult{}, errcode.Undefined(err)
	}

	por := model.POR{
		PayloadHash:   hash,
		SignerIdx:     req.SignerIdx,
		SecretHash:    cryptoprimitives.Sha256Hex([]byte(secret)),
		PhoneRequired: signer.PhoneNumber != "",
	}
	porBytes, err := cbor.Marshal(por)
	if err != nil {
		return execResult{}, errcode.Undefined(fmt.Errorf("encode por: %w", err))
	}

	link, err := buildConfirmLink(payload.PublicTaskInfo.DomainSetting.SignerAppURL, hash, req.SignerIdx, secret, signer.Locale, req.ExtraData, por.PhoneRequired)
	if err != nil {
		return execResult{}, errcode.Undefined(err)
	}

	m, err := deps.NewMailer(mailDomainAndProvider(dctx, payload))
	if err != nil {
		return execResult{}, errcode.SendConfirmEmailFail(err)
	}
	subject, body := mailer.Render(signer.Locale, mailer.KindSignerConfirm, mailer.TemplateData{
		SignerName: signer.Name, ConfirmLink: link, FileName: dctx.TaskConfig.FileName, SenderMsg: dctx.TaskConfig.SenderMsg,
	})
	msg := mailer.Message{
		To:      signer.EmailAddr,
		Subject: subject, HTMLBody: body,
		Attachments: []mailer.Attachment{{Filename: dctx.TaskConfig.FileName, Data: previewPDF, ContentType: "application/pdf"}},
	}
	if err := m.Send(ctx, msg); err != nil {
		// spec.md §4.8.1/§7: a failed confirm email is fatal and no POR
		// is returned, unlike every other notificant-path email failure.
		return execResult{}, errcode.SendConfirmEmailFail(err)
	}

	return execResult{Results: []model.Result{{Name: "por", Data: porBytes}}}, nil
}

func buildConfirmLink(signerAppURL, payloadHash string, signerIdx int, secret, locale string, extraData json.RawMessage, phoneRequired bool) (string, error) {
	intent := struct {
		Version int             `json:"version"`
		TID     string          `json:"tid"`
		SID     int             `json:"sid"`
		Index   int             `json:"index"`
		Secret  string          `json:"secret"`
		Aux     json.RawMessage `json:"aux,omitempty"`
		Locale  string          `json:"locale"`
		SMS     bool            `json:"sms"`
	}{Version: intentVersion, TID: payloadHash, SID: signerIdx, Index: signerIdx, Secret: secret, Aux: extraData, Locale: locale, SMS: phoneRequired}

	// This JSON is intentionally plain encoding/json, not canonical JSON
	// (Open Question in spec.md §9): the link is never rehashed by a
	// consumer, so member-order stability does not matter here.
	b, err := json.Marshal(intent)
	if err != nil {
		return "", fmt.Errorf("encode confirm-link intent: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(b)
	sep := "?"
	if strings.Contains(signerAppURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%saction=submitIntent&intent=%s", signerAppURL, sep, encoded), nil
}

// ---- ConfirmIntent ----

type confirmIntentRequest struct {
	TaskPayload           model.TaskPayload `json:"taskPayload"`
	POR                   []byte            `json:"por"`
	PORAttestDocument     []byte            `json:"porAttestDocument"`
	Secret                string            `json:"secret"`
	IPAddress             string            `json:"ipAddress"`
	TwilioVerificationSID string            `json:"twilioVerificationSID,omitempty"`
	TwilioVerificationPIN string            `json:"twilioVerificationPIN,omitempty"`
}

// NewConfirmIntentHandler builds the ConfirmIntent handler (spec.md §4.8.2).
func NewConfirmIntentHandler(deps *Deps) AnyHandler {
	return &Handler[confirmIntentRequest]{
		deps: deps,
		name: model.FnConfirmIntent,
		validate: func(jobData []byte) (confirmIntentRequest, error) {
			var req confirmIntentRequest
			if err := json.Unmarshal(jobData, &req); err != nil {
				return req, errcode.InvalidParam("malformed confirmIntent jobData: " + err.Error())
			}
			if len(req.POR) == 0 || len(req.PORAttestDocument) == 0 || req.Secret == "" || req.IPAddress == "" {
				return req, errcode.InvalidParam("confirmIntent requires por, porAttestDocument, secret, and ipAddress")
			}
			return req, nil
		},
		payloadOf: func(r confirmIntentRequest) model.TaskPayload { return r.TaskPayload },
		execute:   confirmIntentExecute,
	}
}

func confirmIntentExecute(ctx context.Context, deps *Deps, req confirmIntentRequest, dctx *payloaddecryptor.Context, payload model.TaskPayload) (execResult, error) {
	fnName, hashList, porTimestampMS, err := deps.Attest.VerifyAndCheckPCRs(req.PORAttestDocument, time.Now())
	if err != nil {
		return execResult{}, errcode.InvalidSignerPOR(err)
	}
	if fnName != model.FnSendReq {
		return execResult{}, errcode.InvalidSignerPOR(fmt.Errorf("attestation fnName %q, want %q", fnName, model.FnSendReq))
	}
	if len(hashList) == 0 || hashList[0].Name != "por" || hashList[0].Hash != cryptoprimitives.Sha256Hex(req.POR) {
		return execResult{}, errcode.InvalidSignerPOR(fmt.Errorf("attestation hashList does not cover the supplied por"))
	}

	var por model.POR
	if err := cbor.Unmarshal(req.POR, &por); err != nil {
		return execResult{}, errcode.MismatchSignerPORContent()
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return execResult{}, errcode.Undefined(err)
	}
	if cryptoprimitives.Sha256Hex([]byte(req.Secret)) != por.SecretHash || por.PayloadHash != hash {
		return execResult{}, errcode.MismatchSignerPORContent()
	}
	if por.SignerIdx < 0 || por.SignerIdx >= len(dctx.TaskConfig.SignerInfoList) {
		return execResult{}, errcode.MismatchSignerPORContent()
	}
	signer := dctx.TaskConfig.SignerInfoList[por.SignerIdx]

	if por.PhoneRequired {
		if dctx.TwilioConfig == nil {
			return execResult{}, errcode.MissingTwilioConfig()
		}
		verifier := deps.NewPhoneVerifier(*dctx.TwilioConfig)
		if err := verifier.CheckServiceSettings(ctx); err != nil {
			return execResult{}, classifyPhoneError(err, errcode.InvalidTwilioSetting())
		}

		if req.TwilioVerificationPIN == "" {
			sid, err := verifier.SendVerification(ctx, signer.PhoneNumber)
			if err != nil {
				return execResult{}, classifyPhoneError(err, errcode.SendSMSFail(err))
			}
			return execResult{Waiting: &Outcome{Code: errcode.WAITING_VERIFICATION_PIN_CODE, TwilioVerificationSID: sid}}, nil
		}

		approved, err := verifier.CheckVerification(ctx, signer.PhoneNumber, req.TwilioVerificationSID, req.TwilioVerificationPIN)
		if err != nil {
			return execResult{}, classifyPhoneError(err, errcode.CheckPhoneFail(err))
		}
		if !approved {
			return execResult{}, errcode.CheckPhoneFail(fmt.Errorf("twilio verification not approved"))
		}
	}

	poi := model.POI{PayloadHash: hash, SignerIdx: por.SignerIdx, IPAddress: req.IPAddress, PorTime: porTimestampMS}
	poiBytes, err := cbor.Marshal(poi)
	if err != nil {
		return execResult{}, errcode.Undefined(fmt.Errorf("encode poi: %w", err))
	}

	if dctx.TaskConfig.NotificantEmail != "" && len(dctx.TaskConfig.SignerInfoList) > 1 {
		if m, merr := deps.NewMailer(mailDomainAndProvider(dctx, payload)); merr == nil {
			subject, body := mailer.Render(dctx.TaskConfig.NotificantLocale, mailer.KindSignedEvent, mailer.TemplateData{
				SignerName: signer.Name, FileName: dctx.TaskConfig.FileName,
			})
			sendBestEffort(ctx, m, mailer.Message{To: dctx.TaskConfig.NotificantEmail, Subject: subject, HTMLBody: body})
		}
	}

	return execResult{Results: []model.Result{{Name: "poi", Data: poiBytes}}}, nil
}

// classifyPhoneError maps a phoneverify.VerifyError's Kind onto the closest
// ErrCode, falling back to fallback when err is not a recognized
// phoneverify.VerifyError (e.g. a context deadline).
func classifyPhoneError(err error, fallback *errcode.WorkerError) *errcode.WorkerError {
	var ve *phoneverify.VerifyError
	if !asVerifyError(err, &ve) {
		return fallback
	}
	switch ve.Kind {
	case phoneverify.InvalidCredential:
		return errcode.InvalidTwilioCredential(err)
	case phoneverify.InvalidSetting:
		return errcode.InvalidTwilioSetting()
	default:
		return fallback
	}
}

func asVerifyError(err error, target **phoneverify.VerifyError) bool {
	for err != nil {
		if ve, ok := err.(*phoneverify.VerifyError); ok {
			*target = ve
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

// ---- AttachESig ----

type attachESigRequest struct {
	TaskPayload  model.TaskPayload `json:"taskPayload"`
	ProofList    []model.Proof     `json:"proofList"`
	TaskPassword string            `json:"taskPassword,omitempty"`
}

// NewAttachESigHandler builds the AttachESig handler (spec.md §4.8.3).
func NewAttachESigHandler(deps *Deps) AnyHandler {
	return &Handler[attachESigRequest]{
		deps: deps,
		name: model.FnAttachEsig,
		validate: func(jobData []byte) (attachESigRequest, error) {
			var req attachESigRequest
			if err := json.Unmarshal(jobData, &req); err != nil {
				return req, errcode.InvalidParam("malformed attachEsig jobData: " + err.Error())
			}
			return req, nil
		},
		payloadOf: func(r attachESigRequest) model.TaskPayload { return r.TaskPayload },
		execute:   attachESigExecute,
		finalize:  attachESigFinalize,
	}
}

type verifiedSignerProof struct {
	poi model.POI
	// porTimeMS orders signers when inOrder is set; attestTimeMS (the POI
	// attestation document's own timestamp) is the signing time rendered
	// into the PDF and the summary.
	porTimeMS    int64
	attestTimeMS int64
}

// bindingDataHashInput is the subset of model.BindingData that
// summary.bindingDataHash binds to (spec.md §3/§8): inOrder and the three
// section hashes, deliberately excluding accessKey and bearerSecret so the
// mailed/attested summary never bakes in a function of either secret.
type bindingDataHashInput struct {
	InOrder          bool   `json:"inOrder"`
	TaskConfigHash   string `json:"taskConfigHash"`
	TemplateInfoHash string `json:"templateInfoHash"`
	TemplateDataHash string `json:"templateDataHash"`
}

func attachESigExecute(ctx context.Context, deps *Deps, req attachESigRequest, dctx *payloaddecryptor.Context, payload model.TaskPayload) (execResult, error) {
	signerInfoList := dctx.TaskConfig.SignerInfoList
	if len(req.ProofList) != len(signerInfoList) {
		return execResult{}, errcode.MismatchProofListLength()
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return execResult{}, errcode.Undefined(err)
	}

	bySignerIdx := make(map[int]verifiedSignerProof, len(req.ProofList))
	for _, proof := range req.ProofList {
		fnName, hashList, timestampMS, err := deps.Attest.VerifyAndCheckPCRs(proof.POIAttestDocument, time.Now())
		if err != nil {
			return execResult{}, errcode.InvalidSignerPOI(err)
		}
		if fnName != model.FnConfirmIntent {
			return execResult{}, errcode.InvalidSignerPOI(fmt.Errorf("attestation fnName %q, want %q", fnName, model.FnConfirmIntent))
		}
		if len(hashList) == 0 || hashList[0].Name != "poi" || hashList[0].Hash != cryptoprimitives.Sha256Hex(proof.POI) {
			return execResult{}, errcode.InvalidSignerPOI(fmt.Errorf("attestation hashList does not cover the supplied poi"))
		}

		var poi model.POI
		if err := cbor.Unmarshal(proof.POI, &poi); err != nil {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		if poi.PayloadHash != hash {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		if poi.SignerIdx < 0 || poi.SignerIdx >= len(signerInfoList) {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		if poi.PorTime > timestampMS {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		if _, dup := bySignerIdx[poi.SignerIdx]; dup {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		bySignerIdx[poi.SignerIdx] = verifiedSignerProof{poi: poi, porTimeMS: poi.PorTime, attestTimeMS: timestampMS}
	}

	finalSigners := make([]pdfoverlay.FinalSigner, len(signerInfoList))
	summarySigners := make([]model.SummarySigner, len(signerInfoList))
	var prevPorTime int64
	for idx := 0; idx < len(signerInfoList); idx++ {
		vp, ok := bySignerIdx[idx]
		if !ok {
			return execResult{}, errcode.MismatchSignerPOIContent()
		}
		if payload.PublicTaskInfo.InOrder && idx > 0 && vp.porTimeMS < prevPorTime {
			return execResult{}, errcode.InvalidSignTimeOrder()
		}
		prevPorTime = vp.porTimeMS

		signingSec, signingStr := formatSigningTime(vp.attestTimeMS)
		signer := signerInfoList[idx]
		finalSigners[idx] = pdfoverlay.FinalSigner{Name: signer.Name, SigningTimeStr: signingStr}
		summarySigners[idx] = model.SummarySigner{
			Name: signer.Name, EmailAddr: signer.EmailAddr, IPAddress: vp.poi.IPAddress,
			SigningTime: signingSec, PhoneNumber: signer.PhoneNumber,
		}
	}

	magicRaw, err := deps.rand(32)
	if err != nil {
		return execResult{}, errcode.Undefined(fmt.Errorf("generate magic number: %w", err))
	}
	magicNumber := fmt.Sprintf("%x", magicRaw)

	finalPDF, err := deps.Fonts.RenderFinal(dctx.TemplateData, payload.PublicTaskInfo.TemplateInfo, finalSigners, magicNumber)
	if err != nil {
		return execResult{}, errcode.GenerateSigningPDFFail(err)
	}

	bindingHash, err := canonicaljson.Sha256Hex(bindingDataHashInput{
		InOrder:          dctx.Binding.InOrder,
		TaskConfigHash:   dctx.Binding.TaskConfigHash,
		TemplateInfoHash: dctx.Binding.TemplateInfoHash,
		TemplateDataHash: dctx.Binding.TemplateDataHash,
	})
	if err != nil {
		return execResult{}, errcode.Undefined(err)
	}
	summary := model.Summary{SignerList: summarySigners, MagicNumber: magicNumber, BindingDataHash: bindingHash}
	// Canonical JSON, not encoding/json: the summary is hashed, attested,
	// and re-parsed by peers, and encoding/json's HTML escaping would
	// rewrite a signer name's ampersand as a \u0026 escape and diverge
	// from the ecosystem's canonical form.
	summaryBytes, err := canonicaljson.Marshal(summary)
	if err != nil {
		return execResult{}, errcode.Undefined(fmt.Errorf("encode summary: %w", err))
	}

	return execResult{Results: []model.Result{
		{Name: "esigPDF", Data: finalPDF},
		{Name: "summary", Data: summaryBytes},
	}}, nil
}

func formatSigningTime(timestampMS int64) (sec int64, str string) {
	sec = timestampMS / 1000
	t := time.Unix(sec, 0).UTC()
	return sec, fmt.Sprintf("%04d/%02d/%02d (UTC)", t.Year(), int(t.Month()), t.Day())
}

// attachESigFinalize implements spec.md §4.8.3 steps 6-7: build the .spf +
// PDF zip bundle, mail it to the notificant and every signer
// (optionally password-protected), then separately AES-CBC-encrypt an
// unprotected copy under binding.accessKey for the outer enclave.
func attachESigFinalize(ctx context.Context, deps *Deps, req attachESigRequest, dctx *payloaddecryptor.Context, payload model.TaskPayload, results []model.Result, attestDoc []byte) Outcome {
	pdfBytes := findResult(results, "esigPDF")
	summaryBytes := findResult(results, "summary")

	spfBytes, err := json.Marshal(spfFile{
		Summary:   base64.StdEncoding.EncodeToString(summaryBytes),
		AttestDoc: base64.StdEncoding.EncodeToString(attestDoc),
	})
	if err != nil {
		return Outcome{Code: errcode.EncryptResultFail(err).Code}
	}

	baseName := bundleBaseName(dctx.TaskConfig)

	password := ""
	if payload.PublicTaskInfo.DomainSetting.EnhancedPrivacy {
		password = req.TaskPassword
	}

	if err := notifyResult(ctx, deps, dctx, payload, baseName, password, pdfBytes, spfBytes); err != nil {
		return Outcome{Code: errcode.SendNotifyEmailFail(err).Code}
	}

	encrypted, err := encryptResult(dctx, baseName, pdfBytes, spfBytes)
	if err != nil {
		return Outcome{Code: errcode.EncryptResultFail(err).Code}
	}

	return Outcome{Code: errcode.SUCCES, EncryptedResult: encrypted}
}

func findResult(results []model.Result, name string) []byte {
	for _, r := range results {
		if r.Name == name {
			return r.Data
		}
	}
	return nil
}

type spfFile struct {
	Summary   string `json:"summary"`
	AttestDoc string `json:"attestDoc"`
}

func bundleBaseName(tc model.TaskConfig) string {
	name := strings.TrimSuffix(tc.FileName, ".pdf")
	if name == "" {
		name = "document"
	}
	if len(tc.SignerInfoList) == 1 {
		name = name + "-" + tc.SignerInfoList[0].EmailAddr
	}
	return name
}
