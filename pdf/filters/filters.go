// Package filters implements the PDF stream filters needed for reading
// and writing document content.
package filters

import (
	"bytes"
	"compress/zlib"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnsupported is returned for filters this package does not handle.
	ErrUnsupported = errors.New("unsupported stream filter")
	// ErrCorrupt is returned when filtered data cannot be decoded.
	ErrCorrupt = errors.New("corrupt stream data")
)

// PredictorParams carries the DecodeParms entries relevant to the PNG
// predictors used by flate-compressed cross-reference streams.
type PredictorParams struct {
	Predictor        int
	Columns          int
	Colors           int
	BitsPerComponent int
}

// Decode applies a single named filter to data.
func Decode(name string, data []byte, params *PredictorParams) ([]byte, error) {
	switch name {
	case "FlateDecode", "Fl":
		return flateDecode(data, params)
	case "ASCIIHexDecode", "AHx":
		return asciiHexDecode(data)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
}

// DecodeChain applies a filter pipeline in order. params may be shorter
// than names; missing entries mean no predictor.
func DecodeChain(data []byte, names []string, params []*PredictorParams) ([]byte, error) {
	out := data
	for i, name := range names {
		var p *PredictorParams
		if i < len(params) {
			p = params[i]
		}
		var err error
		out, err = Decode(name, out, p)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", name, err)
		}
	}
	return out, nil
}

// FlateEncode compresses data with zlib, the encoder counterpart of
// FlateDecode.
func FlateEncode(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}

func flateDecode(data []byte, params *PredictorParams) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out := buf.Bytes()

	if params != nil && params.Predictor > 1 {
		return applyPredictor(out, params)
	}
	return out, nil
}

func asciiHexDecode(data []byte) ([]byte, error) {
	var clean bytes.Buffer
	for _, b := range data {
		if b == '>' {
			break
		}
		switch b {
		case ' ', '\t', '\n', '\r', 0, '\x0c':
			continue
		}
		clean.WriteByte(b)
	}
	s := clean.String()
	if len(s)%2 != 0 {
		s += "0"
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

func applyPredictor(data []byte, params *PredictorParams) ([]byte, error) {
	if params.Predictor < 10 || params.Predictor > 15 {
		// TIFF predictor 2 never occurs in the xref streams we read
		return data, nil
	}
	columns := params.Columns
	if columns <= 0 {
		columns = 1
	}
	colors := params.Colors
	if colors <= 0 {
		colors = 1
	}
	bpc := params.BitsPerComponent
	if bpc <= 0 {
		bpc = 8
	}

	bytesPerPixel := (colors*bpc + 7) / 8
	rowLen := (columns*colors*bpc+7)/8 + 1 // +1 for the per-row filter byte

	out := make([]byte, 0, len(data))
	prev := make([]byte, rowLen-1)

	for off := 0; off+rowLen <= len(data); off += rowLen {
		ft := data[off]
		row := data[off+1 : off+rowLen]
		dec := make([]byte, len(row))

		switch ft {
		case 0:
			copy(dec, row)
		case 1: // Sub
			for i := range row {
				left := byte(0)
				if i >= bytesPerPixel {
					left = dec[i-bytesPerPixel]
				}
				dec[i] = row[i] + left
			}
		case 2: // Up
			for i := range row {
				dec[i] = row[i] + prev[i]
			}
		case 3: // Average
			for i := range row {
				left := byte(0)
				if i >= bytesPerPixel {
					left = dec[i-bytesPerPixel]
				}
				dec[i] = row[i] + byte((int(left)+int(prev[i]))/2)
			}
		case 4: // Paeth
			for i := range row {
				var left, upLeft byte
				if i >= bytesPerPixel {
					left = dec[i-bytesPerPixel]
					upLeft = prev[i-bytesPerPixel]
				}
				dec[i] = row[i] + paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("%w: png filter type %d", ErrCorrupt, ft)
		}

		out = append(out, dec...)
		copy(prev, dec)
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
