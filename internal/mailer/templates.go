package mailer

import (
	"fmt"
	"strings"
)

// Kind selects which copy to render. Each kind corresponds to one
// handler-level side effect in spec.md §4.8.
type Kind int

const (
	// KindSignerConfirm is the SendReq confirmation link mail to the
	// signer being invited.
	KindSignerConfirm Kind = iota
	// KindNotifySuccess is the SendReq notificant "notify" mail
	// (signerIdx==0 only), listing remaining pending signers
	// (supplemented feature #6).
	KindNotifySuccess
	// KindNotifyError is the SendReq notificant "error" mail
	// (signerIdx==0, best-effort, no error code disclosed).
	KindNotifyError
	// KindSignedEvent is the ConfirmIntent intermediate notificant mail
	// (more than one signer, any signerIdx).
	KindSignedEvent
	// KindFinalBundle is the AttachESig final mail to the notificant and
	// every signer, carrying the signed PDF + summary bundle.
	KindFinalBundle
)

// TemplateData carries every placeholder any locale/kind combination might
// reference; unused fields are simply ignored by a given template.
type TemplateData struct {
	SignerName      string
	ConfirmLink     string
	FileName        string
	SenderMsg       string
	RemainingNames  []string
	SoleSignerEmail string
}

// fallbackLocale is used whenever the requested locale has no template.
const fallbackLocale = "en"

type templateFunc func(TemplateData) (subject, body string)

var templates = map[string]map[Kind]templateFunc{
	"en": {
		KindSignerConfirm: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s: please review and sign %q", DisplayName, d.FileName),
				fmt.Sprintf("<p>Hi %s,</p><p>%s</p><p><a href=\"%s\">Review and sign %q</a></p>",
					d.SignerName, d.SenderMsg, d.ConfirmLink, d.FileName)
		},
		KindNotifySuccess: func(d TemplateData) (string, string) {
			remaining := "no one"
			if len(d.RemainingNames) > 0 {
				remaining = strings.Join(d.RemainingNames, ", ")
			}
			return fmt.Sprintf("%s: signing request sent for %q", DisplayName, d.FileName),
				fmt.Sprintf("<p>The signing request for %q has been sent. Still pending: %s.</p>", d.FileName, remaining)
		},
		KindNotifyError: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s: we couldn't send your signing request", DisplayName),
				fmt.Sprintf("<p>We were unable to send the signing request for %q. Please try again.</p>", d.FileName)
		},
		KindSignedEvent: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s: %s has signed %q", DisplayName, d.SignerName, d.FileName),
				fmt.Sprintf("<p>%s has confirmed their intent to sign %q.</p>", d.SignerName, d.FileName)
		},
		KindFinalBundle: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s: %q has been fully signed", DisplayName, d.FileName),
				fmt.Sprintf("<p>All signers have completed %q. The signed document is attached.</p>", d.FileName)
		},
	},
	"fr": {
		KindSignerConfirm: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s : veuillez examiner et signer %q", DisplayName, d.FileName),
				fmt.Sprintf("<p>Bonjour %s,</p><p>%s</p><p><a href=\"%s\">Examiner et signer %q</a></p>",
					d.SignerName, d.SenderMsg, d.ConfirmLink, d.FileName)
		},
		KindNotifySuccess: func(d TemplateData) (string, string) {
			remaining := "personne"
			if len(d.RemainingNames) > 0 {
				remaining = strings.Join(d.RemainingNames, ", ")
			}
			return fmt.Sprintf("%s : demande de signature envoyée pour %q", DisplayName, d.FileName),
				fmt.Sprintf("<p>La demande de signature pour %q a été envoyée. En attente : %s.</p>", d.FileName, remaining)
		},
		KindNotifyError: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s : l'envoi de votre demande de signature a échoué", DisplayName),
				fmt.Sprintf("<p>Nous n'avons pas pu envoyer la demande de signature pour %q. Veuillez réessayer.</p>", d.FileName)
		},
		KindSignedEvent: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s : %s a signé %q", DisplayName, d.SignerName, d.FileName),
				fmt.Sprintf("<p>%s a confirmé son intention de signer %q.</p>", d.SignerName, d.FileName)
		},
		KindFinalBundle: func(d TemplateData) (string, string) {
			return fmt.Sprintf("%s : %q a été entièrement signé", DisplayName, d.FileName),
				fmt.Sprintf("<p>Tous les signataires ont terminé %q. Le document signé est joint.</p>", d.FileName)
		},
	},
}

// Render produces the subject/body for kind in locale, falling back to
// "en" when locale has no templates or the locale string is empty
// (original_source/mail_template.py's locale-keyed-with-fallback behavior,
// supplemented feature #3).
func Render(locale string, kind Kind, data TemplateData) (subject, body string) {
	set, ok := templates[strings.ToLower(strings.TrimSpace(locale))]
	if !ok {
		set = templates[fallbackLocale]
	}
	fn, ok := set[kind]
	if !ok {
		fn = templates[fallbackLocale][kind]
	}
	return fn(data)
}
