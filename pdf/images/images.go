// Package images converts PNG and JPEG data into PDF image XObjects.
package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"github.com/refertomed/firmapdf/pdf/filters"
	"github.com/refertomed/firmapdf/pdf/generic"
)

var (
	ErrUnknownFormat = errors.New("unrecognized image format")
	ErrDecode        = errors.New("image decode failed")
)

// Image is decoded pixel data prepared for PDF embedding.
type Image struct {
	Width  int
	Height int
	// Gray reports a single-component DeviceGray image.
	Gray bool
	// Data holds the filtered sample data.
	Data []byte
	// Filter is the stream filter matching Data.
	Filter string
	// Alpha holds flate-compressed 8-bit alpha samples, or nil.
	Alpha []byte
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}

// Decode sniffs the format and decodes data into an Image.
func Decode(data []byte) (*Image, error) {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return decodePNG(data)
	case len(data) > 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return decodeJPEG(data)
	}
	return nil, ErrUnknownFormat
}

func decodePNG(data []byte) (*Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return fromImage(img)
}

// decodeJPEG keeps the original JPEG bytes and embeds them behind
// DCTDecode, avoiding a lossy re-encode.
func decodeJPEG(data []byte) (*Image, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &Image{
		Width:  cfg.Width,
		Height: cfg.Height,
		Gray:   cfg.ColorModel == color.GrayModel,
		Data:   data,
		Filter: "DCTDecode",
	}, nil
}

// fromImage flattens a decoded image into 8-bit RGB (or gray) samples
// plus an optional alpha plane, both flate-compressed.
func fromImage(img image.Image) (*Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecode)
	}

	gray := img.ColorModel() == color.GrayModel || img.ColorModel() == color.Gray16Model

	components := 3
	if gray {
		components = 1
	}
	pixels := make([]byte, 0, w*h*components)
	var alpha []byte
	hasAlpha := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if gray {
				pixels = append(pixels, byte(r>>8))
			} else {
				pixels = append(pixels, byte(r>>8), byte(g>>8), byte(bl>>8))
			}
			alpha = append(alpha, byte(a>>8))
			if a>>8 != 0xFF {
				hasAlpha = true
			}
		}
	}

	out := &Image{
		Width:  w,
		Height: h,
		Gray:   gray,
		Data:   filters.FlateEncode(pixels),
		Filter: "FlateDecode",
	}
	if hasAlpha {
		out.Alpha = filters.FlateEncode(alpha)
	}
	return out, nil
}

// XObjects builds the image XObject stream and, when the image carries
// transparency, a companion SMask stream that must be registered as its
// own indirect object.
func (img *Image) XObjects() (xobj *generic.Stream, smask *generic.Stream) {
	dict := generic.NewDict()
	dict.Set("Type", generic.Name("XObject"))
	dict.Set("Subtype", generic.Name("Image"))
	dict.Set("Width", generic.Integer(img.Width))
	dict.Set("Height", generic.Integer(img.Height))
	if img.Gray {
		dict.Set("ColorSpace", generic.Name("DeviceGray"))
	} else {
		dict.Set("ColorSpace", generic.Name("DeviceRGB"))
	}
	dict.Set("BitsPerComponent", generic.Integer(8))
	dict.Set("Filter", generic.Name(img.Filter))
	xobj = generic.NewStream(dict, img.Data)

	if img.Alpha != nil {
		sd := generic.NewDict()
		sd.Set("Type", generic.Name("XObject"))
		sd.Set("Subtype", generic.Name("Image"))
		sd.Set("Width", generic.Integer(img.Width))
		sd.Set("Height", generic.Integer(img.Height))
		sd.Set("ColorSpace", generic.Name("DeviceGray"))
		sd.Set("BitsPerComponent", generic.Integer(8))
		sd.Set("Filter", generic.Name("FlateDecode"))
		smask = generic.NewStream(sd, img.Alpha)
	}
	return xobj, smask
}
