// Package fonts provides text measurement and font embedding for page
// content. Built-in Helvetica metrics cover the common case; TrueType
// files can be parsed and embedded when a tenant supplies one.
package fonts

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/refertomed/firmapdf/pdf/filters"
	"github.com/refertomed/firmapdf/pdf/generic"
)

var (
	ErrInvalidFont = errors.New("invalid font data")
	ErrNotTrueType = errors.New("not a TrueType font")
)

// winAnsi encodes page text as Windows-1252; unmappable runes become
// the encoding's replacement byte instead of failing.
var winAnsi = encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())

// EncodeText converts a string to the byte encoding used in content
// streams for simple fonts.
func EncodeText(s string) []byte {
	out, _ := winAnsi.Bytes([]byte(s))
	return out
}

// Font is a typeface that can measure text and register itself with a
// document via the add callback (one generic.Ref per indirect object).
type Font interface {
	// TextWidth returns the rendered width of s at the given size.
	TextWidth(s string, size float64) float64
	// Embed registers the font objects and returns the font dict ref.
	Embed(add func(generic.Object) generic.Ref) generic.Ref
}

// Helvetica is one of the built-in fonts every viewer provides.
type Helvetica struct {
	Bold bool
}

// helveticaWidths holds glyph widths (1/1000 em) for characters 32-126.
var helveticaWidths = [95]int16{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333,
	278, 278, 556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 278, 278,
	584, 584, 584, 556, 1015, 667, 667, 722, 722, 667, 611, 778, 722, 278,
	500, 667, 556, 833, 722, 778, 667, 778, 722, 667, 611, 722, 667, 944,
	667, 667, 611, 278, 278, 278, 469, 556, 333, 556, 556, 500, 556, 556,
	278, 556, 556, 222, 222, 500, 222, 833, 556, 556, 556, 556, 333, 500,
	278, 556, 500, 722, 500, 500, 500, 334, 260, 334, 584,
}

var helveticaBoldWidths = [95]int16{
	278, 333, 474, 556, 556, 889, 722, 238, 333, 333, 389, 584, 278, 333,
	278, 278, 556, 556, 556, 556, 556, 556, 556, 556, 556, 556, 333, 333,
	584, 584, 584, 611, 975, 722, 722, 722, 722, 667, 611, 778, 722, 278,
	556, 722, 611, 833, 722, 778, 667, 778, 722, 667, 611, 722, 667, 944,
	667, 667, 611, 333, 278, 333, 584, 556, 333, 556, 611, 556, 611, 556,
	333, 611, 611, 278, 278, 556, 278, 889, 611, 611, 611, 611, 389, 556,
	333, 611, 556, 778, 556, 556, 500, 389, 280, 389, 584,
}

// TextWidth implements Font. Characters outside the table fall back to
// the digit width, which keeps centering stable for accented text.
func (h Helvetica) TextWidth(s string, size float64) float64 {
	table := &helveticaWidths
	if h.Bold {
		table = &helveticaBoldWidths
	}
	var units int64
	for _, b := range EncodeText(s) {
		if b >= 32 && b < 127 {
			units += int64(table[b-32])
		} else {
			units += 556
		}
	}
	return float64(units) * size / 1000
}

// Embed implements Font. Built-in fonts need only the font dictionary.
func (h Helvetica) Embed(add func(generic.Object) generic.Ref) generic.Ref {
	base := "Helvetica"
	if h.Bold {
		base = "Helvetica-Bold"
	}
	dict := generic.NewDict()
	dict.Set("Type", generic.Name("Font"))
	dict.Set("Subtype", generic.Name("Type1"))
	dict.Set("BaseFont", generic.Name(base))
	dict.Set("Encoding", generic.Name("WinAnsiEncoding"))
	return add(dict)
}

// TrueType is a parsed TrueType font prepared for embedding.
type TrueType struct {
	name string
	data []byte

	unitsPerEm float64
	ascent     float64
	descent    float64
	bbox       [4]float64
	capHeight  float64
	italic     float64

	cmap   map[rune]uint16
	widths map[uint16]int
}

// LoadTrueType parses the tables needed for measurement and embedding.
func LoadTrueType(name string, data []byte) (*TrueType, error) {
	if len(data) < 12 {
		return nil, ErrInvalidFont
	}
	tag := string(data[:4])
	if tag != "\x00\x01\x00\x00" && tag != "true" {
		return nil, ErrNotTrueType
	}

	f := &TrueType{
		name:       name,
		data:       data,
		unitsPerEm: 1000,
		cmap:       make(map[rune]uint16),
		widths:     make(map[uint16]int),
	}

	tables := make(map[string][2]int)
	numTables := int(binary.BigEndian.Uint16(data[4:6]))
	for i, off := 0, 12; i < numTables && off+16 <= len(data); i, off = i+1, off+16 {
		tables[string(data[off:off+4])] = [2]int{
			int(binary.BigEndian.Uint32(data[off+8 : off+12])),
			int(binary.BigEndian.Uint32(data[off+12 : off+16])),
		}
	}

	head, ok := tables["head"]
	if !ok || head[0]+54 > len(data) {
		return nil, fmt.Errorf("%w: missing head table", ErrInvalidFont)
	}
	h := data[head[0]:]
	f.unitsPerEm = float64(binary.BigEndian.Uint16(h[18:20]))
	f.bbox = [4]float64{
		float64(int16(binary.BigEndian.Uint16(h[36:38]))),
		float64(int16(binary.BigEndian.Uint16(h[38:40]))),
		float64(int16(binary.BigEndian.Uint16(h[40:42]))),
		float64(int16(binary.BigEndian.Uint16(h[42:44]))),
	}

	numHMetrics := 0
	if hhea, ok := tables["hhea"]; ok && hhea[0]+36 <= len(data) {
		d := data[hhea[0]:]
		f.ascent = float64(int16(binary.BigEndian.Uint16(d[4:6])))
		f.descent = float64(int16(binary.BigEndian.Uint16(d[6:8])))
		numHMetrics = int(binary.BigEndian.Uint16(d[34:36]))
	}

	numGlyphs := 0
	if maxp, ok := tables["maxp"]; ok && maxp[0]+6 <= len(data) {
		numGlyphs = int(binary.BigEndian.Uint16(data[maxp[0]+4 : maxp[0]+6]))
	}

	if hmtx, ok := tables["hmtx"]; ok {
		f.parseHmtx(data[hmtx[0]:], numGlyphs, numHMetrics)
	}
	if cmap, ok := tables["cmap"]; ok {
		f.parseCmap(data[cmap[0]:])
	}
	if os2, ok := tables["OS/2"]; ok && os2[0]+90 <= len(data) {
		f.capHeight = float64(int16(binary.BigEndian.Uint16(data[os2[0]+88 : os2[0]+90])))
	}
	if f.capHeight == 0 {
		f.capHeight = f.ascent
	}
	return f, nil
}

func (f *TrueType) parseHmtx(d []byte, numGlyphs, numHMetrics int) {
	last := 0
	for i := 0; i < numHMetrics && i*4+2 <= len(d); i++ {
		last = int(binary.BigEndian.Uint16(d[i*4 : i*4+2]))
		f.widths[uint16(i)] = last
	}
	// trailing glyphs reuse the final advance width
	for i := numHMetrics; i < numGlyphs; i++ {
		f.widths[uint16(i)] = last
	}
}

func (f *TrueType) parseCmap(d []byte) {
	if len(d) < 4 {
		return
	}
	numTables := int(binary.BigEndian.Uint16(d[2:4]))
	sub := 0
	for i := 0; i < numTables && 4+i*8+8 <= len(d); i++ {
		platform := binary.BigEndian.Uint16(d[4+i*8 : 4+i*8+2])
		enc := binary.BigEndian.Uint16(d[4+i*8+2 : 4+i*8+4])
		off := int(binary.BigEndian.Uint32(d[4+i*8+4 : 4+i*8+8]))
		if (platform == 3 && enc == 1) || (platform == 0 && enc == 3) {
			sub = off
			break
		}
		if platform == 0 {
			sub = off
		}
	}
	if sub == 0 || sub+4 > len(d) {
		return
	}
	t := d[sub:]
	if binary.BigEndian.Uint16(t[0:2]) == 4 {
		f.parseCmapFormat4(t)
	}
}

func (f *TrueType) parseCmapFormat4(d []byte) {
	if len(d) < 14 {
		return
	}
	segCount := int(binary.BigEndian.Uint16(d[6:8])) / 2
	if len(d) < 16+segCount*8 {
		return
	}
	ends := d[14 : 14+segCount*2]
	starts := d[16+segCount*2 : 16+segCount*4]
	deltas := d[16+segCount*4 : 16+segCount*6]
	rangeOffs := d[16+segCount*6 : 16+segCount*8]

	for i := 0; i < segCount; i++ {
		end := int(binary.BigEndian.Uint16(ends[i*2:]))
		start := int(binary.BigEndian.Uint16(starts[i*2:]))
		delta := int(int16(binary.BigEndian.Uint16(deltas[i*2:])))
		rangeOff := int(binary.BigEndian.Uint16(rangeOffs[i*2:]))
		if start == 0xFFFF {
			break
		}
		for c := start; c <= end; c++ {
			var glyph uint16
			if rangeOff == 0 {
				glyph = uint16((c + delta) & 0xFFFF)
			} else {
				idx := 16 + segCount*6 + i*2 + rangeOff + (c-start)*2
				if idx+2 > len(d) {
					continue
				}
				g := binary.BigEndian.Uint16(d[idx:])
				if g == 0 {
					continue
				}
				glyph = uint16((int(g) + delta) & 0xFFFF)
			}
			if glyph != 0 {
				f.cmap[rune(c)] = glyph
			}
		}
	}
}

// glyphWidth returns the advance width of r in font units.
func (f *TrueType) glyphWidth(r rune) int {
	if g, ok := f.cmap[r]; ok {
		if w, ok := f.widths[g]; ok {
			return w
		}
	}
	return int(f.unitsPerEm / 2)
}

// TextWidth implements Font.
func (f *TrueType) TextWidth(s string, size float64) float64 {
	var units int
	for _, r := range s {
		units += f.glyphWidth(r)
	}
	return float64(units) * size / f.unitsPerEm
}

// Embed implements Font: registers the font program, descriptor, and
// font dictionary, returning the latter's reference.
func (f *TrueType) Embed(add func(generic.Object) generic.Ref) generic.Ref {
	scale := 1000 / f.unitsPerEm

	fileDict := generic.NewDict()
	fileDict.Set("Filter", generic.Name("FlateDecode"))
	fileDict.Set("Length1", generic.Integer(len(f.data)))
	fileRef := add(generic.NewStream(fileDict, filters.FlateEncode(f.data)))

	desc := generic.NewDict()
	desc.Set("Type", generic.Name("FontDescriptor"))
	desc.Set("FontName", generic.Name(f.name))
	desc.Set("Flags", generic.Integer(32)) // nonsymbolic
	desc.Set("FontBBox", generic.Array{
		generic.Integer(int64(f.bbox[0] * scale)),
		generic.Integer(int64(f.bbox[1] * scale)),
		generic.Integer(int64(f.bbox[2] * scale)),
		generic.Integer(int64(f.bbox[3] * scale)),
	})
	desc.Set("ItalicAngle", generic.Integer(int64(f.italic)))
	desc.Set("Ascent", generic.Integer(int64(f.ascent*scale)))
	desc.Set("Descent", generic.Integer(int64(f.descent*scale)))
	desc.Set("CapHeight", generic.Integer(int64(f.capHeight*scale)))
	desc.Set("StemV", generic.Integer(80))
	desc.Set("FontFile2", fileRef)
	descRef := add(desc)

	widths := make(generic.Array, 0, 224)
	for code := 32; code <= 255; code++ {
		r := charmap.Windows1252.DecodeByte(byte(code))
		widths = append(widths, generic.Integer(int64(float64(f.glyphWidth(r))*scale)))
	}

	dict := generic.NewDict()
	dict.Set("Type", generic.Name("Font"))
	dict.Set("Subtype", generic.Name("TrueType"))
	dict.Set("BaseFont", generic.Name(f.name))
	dict.Set("FirstChar", generic.Integer(32))
	dict.Set("LastChar", generic.Integer(255))
	dict.Set("Widths", widths)
	dict.Set("Encoding", generic.Name("WinAnsiEncoding"))
	dict.Set("FontDescriptor", descRef)
	return add(dict)
}
