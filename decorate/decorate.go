// Package decorate stamps institutional letterhead onto rendered
// report PDFs: a logo, a footer image, the company legal line, and the
// signer attestation notice. All edits are incremental updates; the
// original bytes are never modified in place.
package decorate

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/refertomed/firmapdf/config"
	"github.com/refertomed/firmapdf/pdf/fonts"
	"github.com/refertomed/firmapdf/pdf/generic"
	"github.com/refertomed/firmapdf/pdf/images"
	"github.com/refertomed/firmapdf/pdf/reader"
	"github.com/refertomed/firmapdf/pdf/writer"
)

// ErrNoPages indicates a structurally valid PDF with an empty page
// tree. Unrecoverable for the request.
var ErrNoPages = errors.New("document has no pages")

// footerImageFallbackY replaces a configured footer-image position that
// would fall outside the page.
const footerImageFallbackY = 10.0

// loadFont returns the configured TrueType font, falling back silently
// to built-in Helvetica on any failure. Font embedding is best-effort
// by contract.
func loadFont(path string) fonts.Font {
	if path == "" {
		return fonts.Helvetica{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fonts.Helvetica{}
	}
	f, err := fonts.LoadTrueType("CompanyFont", data)
	if err != nil {
		return fonts.Helvetica{}
	}
	return f
}

// loadImage reads and decodes a mandatory branding asset. Unlike the
// font, a configured image that cannot be loaded fails the whole
// decoration step.
func loadImage(path string) (*images.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read branding image %s: %w", path, err)
	}
	img, err := images.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode branding image %s: %w", path, err)
	}
	return img, nil
}

// escapeText serializes s for a content-stream literal string.
func escapeText(s []byte) []byte {
	var out bytes.Buffer
	out.WriteByte('(')
	for _, b := range s {
		switch b {
		case '(', ')', '\\':
			out.WriteByte('\\')
			out.WriteByte(b)
		case '\n':
			out.WriteString(`\n`)
		case '\r':
			out.WriteString(`\r`)
		default:
			out.WriteByte(b)
		}
	}
	out.WriteByte(')')
	return out.Bytes()
}

// showText appends the operators drawing s at (x, y).
func showText(buf *bytes.Buffer, fontName string, size, x, y float64, s string) {
	fmt.Fprintf(buf, "BT /%s %.2f Tf %.2f %.2f Td ", fontName, size, x, y)
	buf.Write(escapeText(fonts.EncodeText(s)))
	buf.WriteString(" Tj ET\n")
}

// showImage appends the operators drawing the named XObject scaled to
// w×h at (x, y).
func showImage(buf *bytes.Buffer, name string, w, h, x, y float64) {
	fmt.Fprintf(buf, "q %.2f 0 0 %.2f %.2f %.2f cm /%s Do Q\n", w, h, x, y, name)
}

// addImage registers an image and its soft mask with the writer and
// returns the XObject reference.
func addImage(w *writer.Incremental, img *images.Image) generic.Ref {
	xobj, smask := img.XObjects()
	if smask != nil {
		xobj.Dict.Set("SMask", w.AddObject(smask))
	}
	return w.AddObject(xobj)
}

// Decorate overlays the tenant letterhead on every page: an opaque
// white strip over the bottom BlankFooterHeight band, the centered
// company text, the centered logo, and the footer image. The footer
// text from the branding profile can be overridden per request.
func Decorate(pdfBytes []byte, branding *config.BrandingProfile, settings *config.SigningSettings, footerOverride string) ([]byte, error) {
	doc, err := reader.Open(pdfBytes)
	if err != nil {
		return nil, err
	}
	if doc.PageCount() == 0 {
		return nil, ErrNoPages
	}

	w := writer.NewIncremental(doc)
	font := loadFont(settings.FontPath)
	fontRef := font.Embed(w.AddObject)

	fontsDict := generic.NewDict()
	fontsDict.Set("F1", fontRef)
	xobjects := generic.NewDict()

	var logoRef, footerRef generic.Ref
	haveLogo := branding.LogoPath != ""
	haveFooter := branding.FooterImagePath != ""
	if haveLogo {
		img, err := loadImage(branding.LogoPath)
		if err != nil {
			return nil, err
		}
		logoRef = addImage(w, img)
		xobjects.Set("ImLogo", logoRef)
	}
	if haveFooter {
		img, err := loadImage(branding.FooterImagePath)
		if err != nil {
			return nil, err
		}
		footerRef = addImage(w, img)
		xobjects.Set("ImFooter", footerRef)
	}

	footerText := branding.FooterText
	if footerOverride != "" {
		footerText = footerOverride
	}

	resources := generic.NewDict()
	resources.Set("Font", fontsDict)
	if len(xobjects.Keys()) > 0 {
		resources.Set("XObject", xobjects)
	}

	for i := 0; i < doc.PageCount(); i++ {
		box, err := doc.MediaBox(i)
		if err != nil {
			return nil, err
		}
		pageW := box.Width()
		pageH := box.Height()

		var ops bytes.Buffer
		if branding.BlankFooterHeight > 0 {
			fmt.Fprintf(&ops, "q 1 1 1 rg %.2f %.2f %.2f %.2f re f Q\n",
				box.LLX, box.LLY, pageW, branding.BlankFooterHeight)
		}
		if footerText != "" {
			tw := font.TextWidth(footerText, settings.FooterTextSize)
			showText(&ops, "F1", settings.FooterTextSize,
				box.LLX+(pageW-tw)/2, box.LLY+settings.FooterTextY, footerText)
		}
		if haveLogo {
			showImage(&ops, "ImLogo", settings.LogoWidth, settings.LogoHeight,
				box.LLX+(pageW-settings.LogoWidth)/2, box.LLY+settings.LogoY)
		}
		if haveFooter {
			y := branding.FooterImageY
			if y > pageH {
				y = footerImageFallbackY
			}
			x := box.LLX + (pageW-branding.FooterImageWidth)/2 + branding.FooterImageXOffset
			showImage(&ops, "ImFooter", branding.FooterImageWidth, branding.FooterImageHeight,
				x, box.LLY+y)
		}

		if err := appendOps(w, i, ops.Bytes(), resources); err != nil {
			return nil, err
		}
	}

	return w.Bytes()
}

// appendOps wraps the page's existing content in q/Q and appends the
// given operators, so earlier graphics state cannot leak into the
// overlay.
func appendOps(w *writer.Incremental, page int, ops []byte, resources *generic.Dict) error {
	guard := w.AddObject(generic.NewStream(generic.NewDict(), []byte("q\n")))
	if err := w.AppendPageContent(page, guard, nil, true); err != nil {
		return err
	}
	body := append([]byte("Q\n"), ops...)
	ref := w.AddObject(generic.NewStream(generic.NewDict(), body))
	return w.AppendPageContent(page, ref, resources, false)
}
