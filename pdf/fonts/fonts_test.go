package fonts

import (
	"bytes"
	"testing"

	"github.com/refertomed/firmapdf/pdf/generic"
)

func TestEncodeTextASCIIPassthrough(t *testing.T) {
	if got := EncodeText("Referto firmato"); !bytes.Equal(got, []byte("Referto firmato")) {
		t.Fatalf("EncodeText = %q", got)
	}
}

func TestEncodeTextWindows1252(t *testing.T) {
	got := EncodeText("già")
	want := []byte{'g', 'i', 0xE0}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeText = %x, want %x", got, want)
	}
}

func TestEncodeTextUnsupportedRune(t *testing.T) {
	got := EncodeText("a世b")
	// unmappable runes become a single replacement byte, never an error
	if len(got) != 3 || got[0] != 'a' || got[2] != 'b' {
		t.Fatalf("EncodeText = %x", got)
	}
}

func TestHelveticaTextWidth(t *testing.T) {
	var h Helvetica
	// space is 278/1000 em
	if got := h.TextWidth(" ", 10); got != 2.78 {
		t.Errorf("space width = %v", got)
	}
	if h.TextWidth("", 10) != 0 {
		t.Error("empty string has nonzero width")
	}
	if h.TextWidth("iii", 10) >= h.TextWidth("WWW", 10) {
		t.Error("narrow glyphs measured wider than wide glyphs")
	}
}

func TestHelveticaEmbed(t *testing.T) {
	var objs []generic.Object
	add := func(obj generic.Object) generic.Ref {
		objs = append(objs, obj)
		return generic.Ref{Num: len(objs)}
	}

	ref := Helvetica{Bold: true}.Embed(add)
	if ref.Num != 1 || len(objs) != 1 {
		t.Fatalf("embed added %d objects", len(objs))
	}
	dict, ok := objs[0].(*generic.Dict)
	if !ok {
		t.Fatalf("embedded object is %T", objs[0])
	}
	if got := dict.GetName("BaseFont"); got != "Helvetica-Bold" {
		t.Errorf("BaseFont = %q", got)
	}
	if got := dict.GetName("Encoding"); got != "WinAnsiEncoding" {
		t.Errorf("Encoding = %q", got)
	}
}

func TestLoadTrueTypeRejectsGarbage(t *testing.T) {
	if _, err := LoadTrueType("bad", []byte("this is not a font file at all")); err == nil {
		t.Fatal("garbage accepted as TrueType")
	}
	if _, err := LoadTrueType("short", []byte{0, 1}); err == nil {
		t.Fatal("short data accepted as TrueType")
	}
}
