// Package pdfoverlay renders the signature-overlay content spec.md §4.7
// describes: preview hints/grey previews before a signer has confirmed,
// and the final seal+name+magic-number watermark once every proof has
// been verified. Each overlay is drawn as its own single-page PDF (via
// gofpdf) sized to the target page's MediaBox, then merged onto that page
// as a stamp (via pdfcpu), preserving the original page content
// underneath — never replacing it.
package pdfoverlay

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"unicode"

	"github.com/jung-kurt/gofpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	domainmodel "github.com/letsesign/enclave-worker/internal/model"
)

// tombstone is the out-of-structure advisory marker appended after the
// final PDF's last %%EOF (spec.md §4.7).
const tombstone = "letsesign=true\n"

// FontSet is an immutable, process-wide-free value built once at startup
// and passed by reference into every render call (Design Notes §9: avoid
// a global, mutable font registry).
type FontSet struct {
	DancingScriptPath     string
	JasonHandwritingPath  string
	MonoPath              string
	SealImagePath         string
}

// LoadFontSet validates that every referenced font/image file exists and
// returns an immutable FontSet. Called once at process bootstrap.
func LoadFontSet(dancingScript, jasonHandwriting, mono, seal string) (*FontSet, error) {
	for _, p := range []string{dancingScript, jasonHandwriting, mono, seal} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("pdfoverlay: font/seal resource %q: %w", p, err)
		}
	}
	return &FontSet{DancingScriptPath: dancingScript, JasonHandwritingPath: jasonHandwriting, MonoPath: mono, SealImagePath: seal}, nil
}

// RenderError is the single error type this package returns; intentprotocol
// maps it to GENERATE_PREVIEW_PDF_FAIL or GENERATE_SIGNING_PDF_FAIL.
type RenderError struct{ Err error }

func (e *RenderError) Error() string { return fmt.Sprintf("pdfoverlay: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

func fail(err error) error { return &RenderError{Err: err} }

// glyphFitsDancingScript approximates the "every codepoint lies in the
// font's supported range" check (spec.md §4.7) as Latin script + common
// punctuation, the actual coverage of a typical handwriting-style Latin
// font; anything outside falls back to the broader-coverage font.
func glyphFitsDancingScript(name string) bool {
	for _, r := range name {
		if unicode.Is(unicode.Latin, r) || unicode.Is(unicode.Common, r) {
			continue
		}
		return false
	}
	return true
}

// fontForName picks Dancing Script when every codepoint of name is
// covered, otherwise the broader Jason Handwriting 2 fallback.
func (f *FontSet) fontForName(name string) (family, path string) {
	if glyphFitsDancingScript(name) {
		return "DancingScript", f.DancingScriptPath
	}
	return "JasonHandwriting2", f.JasonHandwritingPath
}

// ascenderRatio approximates rendered ascender height as a fraction of
// point size; gofpdf does not expose true per-glyph font metrics, so the
// iterative search in fitFontSize uses this fixed ratio per family rather
// than measuring actual glyph ascenders.
const ascenderRatio = 0.75

// fitFontSize performs spec.md §4.7's iterative 0.1-unit-step search for
// the largest font size whose rendered ascender height does not exceed
// maxHeight.
func fitFontSize(maxHeight float64) float64 {
	size := maxHeight / ascenderRatio
	for size > 0.1 {
		if size*ascenderRatio <= maxHeight {
			break
		}
		size -= 0.1
	}
	if size < 0.1 {
		size = 0.1
	}
	return size
}

// localizedHint returns the (possibly multi-line) "signature goes here"
// hint copy for locale, falling back to English.
func localizedHint(locale string, fieldType domainmodel.FieldType) string {
	hints := map[string]map[domainmodel.FieldType]string{
		"en": {
			domainmodel.FieldTypeSignature: "Sign\nhere",
			domainmodel.FieldTypeDate:      "Date\nhere",
		},
		"fr": {
			domainmodel.FieldTypeSignature: "Signez\nici",
			domainmodel.FieldTypeDate:      "Date\nici",
		},
	}
	set, ok := hints[locale]
	if !ok {
		set = hints["en"]
	}
	text, ok := set[fieldType]
	if !ok {
		text = hints["en"][fieldType]
	}
	return text
}

// pageDims reports the 1-indexed page count and each page's MediaBox
// width/height in points.
func pageDims(pdfBytes []byte) (dims []types.Dim, err error) {
	conf := model.NewDefaultConfiguration()
	dims, err = api.PageDims(bytes.NewReader(pdfBytes), conf)
	if err != nil {
		return nil, fmt.Errorf("read page dimensions: %w", err)
	}
	return dims, nil
}

// fieldInBounds rejects any field coordinate lying outside the target
// page's MediaBox (spec.md §8 boundary property: on-edge is accepted,
// anything beyond is rejected).
func fieldInBounds(f domainmodel.Field, dim types.Dim) bool {
	if f.X < 0 || f.Y < 0 || f.X > dim.Width || f.Y > dim.Height {
		return false
	}
	if f.Y+f.Height > dim.Height {
		return false
	}
	return true
}

// overlayOp is one piece of content to draw onto a single page's overlay.
type overlayOp struct {
	field    domainmodel.Field
	kind     opKind
	name     string
	locale   string
	text     string // pre-rendered text for date fields / magic watermark
	magic    string
}

type opKind int

const (
	opHint opKind = iota
	opGreyPreview
	opFinalSignature
	opFinalDate
)

// buildOverlayPage renders one page's worth of overlay ops into a
// single-page PDF sized to dim, returning the PDF bytes.
func (f *FontSet) buildOverlayPage(dim types.Dim, ops []overlayOp) ([]byte, error) {
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		SizeStr:        "",
		Size:           gofpdf.SizeType{Wd: dim.Width, Ht: dim.Height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	pdf.AddUTF8Font("DancingScript", "", f.DancingScriptPath)
	pdf.AddUTF8Font("JasonHandwriting2", "", f.JasonHandwritingPath)
	pdf.AddUTF8Font("Mono", "", f.MonoPath)

	for _, op := range ops {
		switch op.kind {
		case opHint:
			f.drawHint(pdf, op)
		case opGreyPreview:
			f.drawSeal(pdf, op, true)
		case opFinalSignature:
			f.drawSeal(pdf, op, false)
			f.drawMagicWatermark(pdf, op)
		case opFinalDate:
			f.drawDate(pdf, op)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render overlay page: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfTopLeftY converts a top-left-origin y coordinate (spec.md §4.7) to
// gofpdf's own top-left-origin page coordinate system, which already
// matches - gofpdf draws from the top-left corner by default, so no flip
// is required here, only a direct passthrough, kept as a named step so a
// future bottom-left-origin target page format is a one-line change.
func pdfTopLeftY(y float64) float64 { return y }

func (f *FontSet) drawHint(pdf *gofpdf.Fpdf, op overlayOp) {
	pdf.SetDrawColor(30, 100, 220)
	pdf.SetLineWidth(1.2)
	x, y := op.field.X, pdfTopLeftY(op.field.Y)
	pdf.Line(x, y, x, y+op.field.Height)

	lines := splitLines(localizedHint(op.locale, fieldTypeOf(op)))
	size := fitFontSize(op.field.Height * 0.25)
	pdf.SetFont("Mono", "", size)
	pdf.SetTextColor(30, 100, 220)
	lineHeight := size * 1.2
	for i, line := range lines {
		pdf.Text(x+4, y+float64(i+1)*lineHeight, line)
	}
}

func fieldTypeOf(op overlayOp) domainmodel.FieldType { return op.field.Type }

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func (f *FontSet) drawSeal(pdf *gofpdf.Fpdf, op overlayOp, grey bool) {
	x, y, h := op.field.X, pdfTopLeftY(op.field.Y), op.field.Height
	sealSize := h * 0.9
	opt := gofpdf.ImageOptions{ImageType: ""}
	if grey {
		pdf.SetAlpha(0.4, "Normal")
	}
	pdf.ImageOptions(f.SealImagePath, x, y+(h-sealSize)/2, 0, sealSize, false, opt, 0, "")
	if grey {
		pdf.SetAlpha(1.0, "Normal")
	}

	family, _ := f.fontForName(op.name)
	size := fitFontSize(h * 0.6)
	pdf.SetFont(family, "", size)
	if grey {
		pdf.SetTextColor(150, 150, 150)
	} else {
		pdf.SetTextColor(20, 20, 20)
	}
	pdf.Text(x+sealSize+4, y+h*0.65, op.name)
}

func (f *FontSet) drawMagicWatermark(pdf *gofpdf.Fpdf, op overlayOp) {
	size := fitFontSize(op.field.Height * 0.2)
	pdf.SetFont("Mono", "", size)
	pdf.SetTextColor(120, 120, 120)
	pdf.Text(op.field.X, pdfTopLeftY(op.field.Y)+op.field.Height+size, op.magic)
}

func (f *FontSet) drawDate(pdf *gofpdf.Fpdf, op overlayOp) {
	family, _ := f.fontForName(op.text)
	size := fitFontSize(op.field.Height * 0.6)
	pdf.SetFont(family, "", size)
	pdf.SetTextColor(20, 20, 20)
	pdf.Text(op.field.X, pdfTopLeftY(op.field.Y)+op.field.Height*0.7, op.text)
}

// stampPageWithPDF merges a single-page overlay PDF onto pageNo of
// pdfBytes, preserving the original page content beneath it.
func stampPageWithPDF(pdfBytes []byte, pageNo int, overlay []byte) ([]byte, error) {
	tmp, err := os.CreateTemp("", "enclave-worker-overlay-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create overlay temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(overlay); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write overlay temp file: %w", err)
	}
	tmp.Close()

	wm, err := api.PDFWatermark(tmp.Name(), "", true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("build pdf stamp: %w", err)
	}

	var out bytes.Buffer
	conf := model.NewDefaultConfiguration()
	if err := api.AddWatermarks(bytes.NewReader(pdfBytes), &out, []string{strconv.Itoa(pageNo)}, wm, conf); err != nil {
		return nil, fmt.Errorf("stamp page %d: %w", pageNo, err)
	}
	return out.Bytes(), nil
}

// renderOverlays groups ops by page, stamps each affected page in
// ascending order, and returns the fully overlaid PDF.
func (f *FontSet) renderOverlays(templatePDF []byte, opsByField []overlayOp) ([]byte, error) {
	dims, err := pageDims(templatePDF)
	if err != nil {
		return nil, err
	}

	byPage := map[int][]overlayOp{}
	for _, op := range opsByField {
		if op.field.PageNo < 1 || op.field.PageNo > len(dims) {
			return nil, fmt.Errorf("field references page %d, document has %d pages", op.field.PageNo, len(dims))
		}
		if !fieldInBounds(op.field, dims[op.field.PageNo-1]) {
			return nil, fmt.Errorf("field at page %d exceeds MediaBox bounds", op.field.PageNo)
		}
		byPage[op.field.PageNo] = append(byPage[op.field.PageNo], op)
	}

	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	current := templatePDF
	for _, pageNo := range pages {
		overlay, err := f.buildOverlayPage(dims[pageNo-1], byPage[pageNo])
		if err != nil {
			return nil, err
		}
		current, err = stampPageWithPDF(current, pageNo, overlay)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

// PreviewSigner is one signer's name/locale for preview rendering.
type PreviewSigner struct {
	Name   string
	Locale string
}

// RenderPreview renders the preview overlay for targetSignerIdx: that
// signer's fields get the blue hint-line treatment; under inOrder, every
// earlier signer's fields are rendered as an already-signed grey preview
// and every later signer is omitted; otherwise only the target signer's
// fields are drawn (spec.md §4.7).
func (f *FontSet) RenderPreview(templatePDF []byte, templateInfo domainmodel.TemplateInfo, signers []PreviewSigner, targetSignerIdx int, inOrder bool, password string) ([]byte, error) {
	if targetSignerIdx < 0 || targetSignerIdx >= len(templateInfo.SignerList) {
		return nil, fail(fmt.Errorf("signer index %d out of range", targetSignerIdx))
	}

	var ops []overlayOp
	for idx, st := range templateInfo.SignerList {
		switch {
		case idx == targetSignerIdx:
			for _, field := range st.FieldList {
				ops = append(ops, overlayOp{field: field, kind: opHint, locale: signers[idx].Locale})
			}
		case inOrder && idx < targetSignerIdx:
			for _, field := range st.FieldList {
				if field.Type != domainmodel.FieldTypeSignature {
					continue
				}
				ops = append(ops, overlayOp{field: field, kind: opGreyPreview, name: signers[idx].Name})
			}
		case inOrder && idx > targetSignerIdx:
			continue
		default:
			// !inOrder and idx != targetSignerIdx: this signer's fields
			// are omitted from the preview entirely.
		}
	}

	out, err := f.renderOverlays(templatePDF, ops)
	if err != nil {
		return nil, fail(err)
	}
	if password != "" {
		out, err = encryptWithPassword(out, password)
		if err != nil {
			return nil, fail(err)
		}
	}
	return out, nil
}

// FinalSigner is one signer's final-render inputs.
type FinalSigner struct {
	Name           string
	SigningTimeStr string // pre-formatted "YYYY/MM/DD (UTC)"
}

// RenderFinal renders the final signed overlay for every signer: seal +
// name + "<magicNumber> (<idx>)" watermark on signature fields, the
// signer's formatted signing time on date fields, then appends the
// out-of-structure letsesign tombstone (spec.md §4.7).
func (f *FontSet) RenderFinal(templatePDF []byte, templateInfo domainmodel.TemplateInfo, signers []FinalSigner, magicNumber string) ([]byte, error) {
	if len(signers) != len(templateInfo.SignerList) {
		return nil, fail(fmt.Errorf("signer count %d does not match template signer count %d", len(signers), len(templateInfo.SignerList)))
	}

	var ops []overlayOp
	for idx, st := range templateInfo.SignerList {
		for _, field := range st.FieldList {
			switch field.Type {
			case domainmodel.FieldTypeSignature:
				ops = append(ops, overlayOp{field: field, kind: opFinalSignature, name: signers[idx].Name, magic: fmt.Sprintf("%s (%02d)", magicNumber, idx)})
			case domainmodel.FieldTypeDate:
				ops = append(ops, overlayOp{field: field, kind: opFinalDate, text: signers[idx].SigningTimeStr})
			}
		}
	}

	out, err := f.renderOverlays(templatePDF, ops)
	if err != nil {
		return nil, fail(err)
	}
	return appendTombstone(out), nil
}

func appendTombstone(pdf []byte) []byte {
	out := make([]byte, 0, len(pdf)+len(tombstone)+1)
	out = append(out, pdf...)
	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, []byte(tombstone)...)
	return out
}

// testSignedPDFMarker is the last-%%EOF-trailer key this worker's own
// renderer writes and the only one TestSignedPDF looks for.
const testSignedPDFMarker = "letsesign"

// TestSignedPDF reports whether pdf carries a trailing letsesign=true
// tombstone after its last %%EOF marker.
func TestSignedPDF(pdf []byte) bool {
	idx := lastIndex(pdf, []byte("%%EOF"))
	if idx < 0 {
		return false
	}
	trailer := string(pdf[idx+len("%%EOF"):])
	for _, pair := range splitTrailerPairs(trailer) {
		k, v, ok := splitKV(pair)
		if ok && k == testSignedPDFMarker && v == "true" {
			return true
		}
	}
	return false
}

func lastIndex(haystack, needle []byte) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		if bytes.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}

func splitTrailerPairs(trailer string) []string {
	var out []string
	start := 0
	for i := 0; i < len(trailer); i++ {
		if trailer[i] == ';' {
			out = append(out, trailer[start:i])
			start = i + 1
		}
	}
	out = append(out, trailer[start:])
	return out
}

func splitKV(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return trimSpace(pair[:i]), trimSpace(pair[i+1:]), true
		}
	}
	return "", "", false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\n' || s[start] == '\r' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\n' || s[end-1] == '\r' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// TestPDFModifiable reports whether pdf can still be modified: a dry-run
// preview render with a single dummy field on page 1 must succeed.
func TestPDFModifiable(fonts *FontSet, pdf []byte) bool {
	dims, err := pageDims(pdf)
	if err != nil || len(dims) == 0 {
		return false
	}
	dummy := domainmodel.TemplateInfo{SignerList: []domainmodel.SignerTemplate{
		{FieldList: []domainmodel.Field{{X: 1, Y: 1, Height: 10, PageNo: 1, Type: domainmodel.FieldTypeSignature}}},
	}}
	_, err = fonts.RenderPreview(pdf, dummy, []PreviewSigner{{Name: "dry-run"}}, 0, false, "")
	return err == nil
}

// encryptWithPassword applies AES-256 standard-security-handler password
// protection (owner == user password) to pdf, for the preview render's
// optional enhancedPrivacy encryption (spec.md §4.7).
func encryptWithPassword(pdf []byte, password string) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = password
	conf.OwnerPW = password
	conf.EncryptKeyLength = 256
	conf.EncryptUsingAES = true

	var out bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(pdf), &out, conf); err != nil {
		return nil, fmt.Errorf("encrypt pdf: %w", err)
	}
	return out.Bytes(), nil
}
