package filters

import (
	"bytes"
	"errors"
	"testing"
)

func TestFlateRoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte("BT /F1 12 Tf (referto) Tj ET\n"), 40)
	out, err := Decode("FlateDecode", FlateEncode(in), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatal("round trip lost data")
	}
}

func TestASCIIHexDecode(t *testing.T) {
	out, err := Decode("ASCIIHexDecode", []byte("48 65 6C 6C 6F>"), nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(out) != "Hello" {
		t.Fatalf("out = %q", out)
	}
}

func TestDecodeUnsupportedFilter(t *testing.T) {
	_, err := Decode("JBIG2Decode", []byte{}, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestDecodeCorruptFlate(t *testing.T) {
	if _, err := Decode("FlateDecode", []byte("not zlib"), nil); err == nil {
		t.Fatal("corrupt stream accepted")
	}
}

func TestDecodeChain(t *testing.T) {
	in := []byte("page content")
	encoded := FlateEncode(in)
	out, err := DecodeChain(encoded, []string{"FlateDecode"}, nil)
	if err != nil {
		t.Fatalf("DecodeChain: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatal("chain round trip lost data")
	}
}

func TestPNGUpPredictor(t *testing.T) {
	// two rows of 3 bytes, Up predictor: first row copies, second adds
	raw := []byte{
		2, 10, 20, 30,
		2, 1, 1, 1,
	}
	out, err := applyPredictor(raw, &PredictorParams{Predictor: 12, Columns: 3, Colors: 1, BitsPerComponent: 8})
	if err != nil {
		t.Fatalf("applyPredictor: %v", err)
	}
	want := []byte{10, 20, 30, 11, 21, 31}
	if !bytes.Equal(out, want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}
