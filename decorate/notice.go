package decorate

import (
	"bytes"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/pdf/generic"
	"github.com/refertomed/firmapdf/pdf/reader"
	"github.com/refertomed/firmapdf/pdf/writer"
)

// noticeDateFormat is the locale date layout substituted for {date}.
const noticeDateFormat = "02/01/2006 15:04"

// SubstituteSignerName rewrites the signer display name through the
// configured substitution table. Certificates issued against a fiscal
// code instead of a readable name are mapped here.
func SubstituteSignerName(name string, substitutions map[string]string) string {
	for from, to := range substitutions {
		if strings.Contains(name, from) {
			name = strings.ReplaceAll(name, from, to)
		}
	}
	return name
}

// expandTemplate fills the {signedBy} and {date} placeholders.
func expandTemplate(tpl, signedBy, date string) string {
	out := strings.ReplaceAll(tpl, "{signedBy}", signedBy)
	return strings.ReplaceAll(out, "{date}", date)
}

// AddSignatureNotice draws the attestation notice on the last page.
// Both templates substitute the same captured instant. The operation
// is not idempotent: each call appends another notice, so it must run
// exactly once per signing pass.
func AddSignatureNotice(pdfBytes []byte, signedBy string, settings *config.SigningSettings, clock clockwork.Clock) ([]byte, error) {
	doc, err := reader.Open(pdfBytes)
	if err != nil {
		return nil, err
	}
	if doc.PageCount() == 0 {
		return nil, ErrNoPages
	}
	last := doc.PageCount() - 1
	box, err := doc.MediaBox(last)
	if err != nil {
		return nil, err
	}

	signedBy = SubstituteSignerName(signedBy, settings.SignerNameSubstitutions)
	date := clock.Now().Format(noticeDateFormat)
	line1 := expandTemplate(settings.AttestationLine1, signedBy, date)
	line2 := expandTemplate(settings.AttestationLine2, signedBy, date)

	var lines []string
	if settings.Multiline {
		// stacked bottom-up: the second template sits at the base
		// offset, the first one step above it
		lines = []string{line2, line1}
	} else {
		lines = []string{line1 + " " + line2}
	}

	w := writer.NewIncremental(doc)
	font := loadFont(settings.FontPath)
	fontRef := font.Embed(w.AddObject)
	fontsDict := generic.NewDict()
	fontsDict.Set("F1", fontRef)
	resources := generic.NewDict()
	resources.Set("Font", fontsDict)

	size := settings.AttestationFontSize
	var ops bytes.Buffer
	for i, line := range lines {
		tw := font.TextWidth(line, size)
		x := box.LLX + (box.Width()-tw)/2
		y := box.LLY + settings.AttestationY + float64(i)*settings.AttestationStep
		showText(&ops, "F1", size, x, y, line)
	}

	if err := appendOps(w, last, ops.Bytes(), resources); err != nil {
		return nil, err
	}
	return w.Bytes()
}
