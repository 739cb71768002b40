package generic

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Parser errors.
var (
	ErrSyntax   = errors.New("pdf syntax error")
	ErrShortPDF = errors.New("unexpected end of data")
)

// Parser reads PDF objects from an in-memory byte slice.
type Parser struct {
	data []byte
	pos  int
}

// NewParser creates a parser positioned at the start of data.
func NewParser(data []byte) *Parser {
	return &Parser{data: data}
}

// Pos returns the current byte offset.
func (p *Parser) Pos() int { return p.pos }

// Seek moves the parser to an absolute offset.
func (p *Parser) Seek(off int) { p.pos = off }

func (p *Parser) readByte() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	b := p.data[p.pos]
	p.pos++
	return b, nil
}

func (p *Parser) peekByte() (byte, error) {
	if p.pos >= len(p.data) {
		return 0, io.EOF
	}
	return p.data[p.pos], nil
}

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', 0, '\x0c':
		return true
	}
	return false
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// skipWhitespace consumes whitespace and comments.
func (p *Parser) skipWhitespace() {
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) {
			p.pos++
			continue
		}
		if b == '%' {
			for p.pos < len(p.data) && p.data[p.pos] != '\n' && p.data[p.pos] != '\r' {
				p.pos++
			}
			continue
		}
		return
	}
}

// readToken reads a run of regular characters.
func (p *Parser) readToken() string {
	p.skipWhitespace()
	start := p.pos
	for p.pos < len(p.data) && !isWhitespace(p.data[p.pos]) && !isDelimiter(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

// ParseValue parses the next object. Integer pairs followed by R are
// returned as a Ref; the parser backtracks when the lookahead fails.
func (p *Parser) ParseValue() (Object, error) {
	p.skipWhitespace()
	b, err := p.peekByte()
	if err != nil {
		return nil, ErrShortPDF
	}

	if b >= '0' && b <= '9' {
		mark := p.pos
		first, err := p.parseNumber()
		if err != nil {
			return nil, err
		}
		num, ok := first.(Integer)
		if !ok {
			return first, nil
		}
		afterFirst := p.pos
		p.skipWhitespace()
		if c, err := p.peekByte(); err == nil && c >= '0' && c <= '9' {
			second, err := p.parseNumber()
			if err == nil {
				if gen, ok := second.(Integer); ok {
					p.skipWhitespace()
					if c, err := p.peekByte(); err == nil && c == 'R' {
						// "R" must be a lone token, not the start of an identifier
						if p.pos+1 >= len(p.data) || isWhitespace(p.data[p.pos+1]) || isDelimiter(p.data[p.pos+1]) {
							p.pos++
							return Ref{Num: int(num), Gen: int(gen)}, nil
						}
					}
				}
			}
			p.Seek(mark)
			obj, err := p.parseNumber()
			_ = afterFirst
			return obj, err
		}
		p.Seek(afterFirst)
		return num, nil
	}

	return p.parseSimple()
}

// parseSimple parses any object that cannot be a reference.
func (p *Parser) parseSimple() (Object, error) {
	p.skipWhitespace()
	b, err := p.peekByte()
	if err != nil {
		return nil, ErrShortPDF
	}

	switch {
	case b == '(':
		return p.parseLiteralString()
	case b == '<':
		return p.parseHexOrDict()
	case b == '[':
		return p.parseArray()
	case b == '/':
		return p.parseName()
	case b == 't' || b == 'f':
		tok := p.readToken()
		switch tok {
		case "true":
			return Boolean(true), nil
		case "false":
			return Boolean(false), nil
		}
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok)
	case b == 'n':
		if tok := p.readToken(); tok == "null" {
			return Null{}, nil
		}
		return nil, fmt.Errorf("%w: expected null", ErrSyntax)
	case b == '-' || b == '+' || b == '.' || (b >= '0' && b <= '9'):
		return p.parseNumber()
	}
	return nil, fmt.Errorf("%w: unexpected character %q", ErrSyntax, b)
}

func (p *Parser) parseNumber() (Object, error) {
	p.skipWhitespace()
	start := p.pos
	real := false
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if b >= '0' && b <= '9' {
			p.pos++
		} else if b == '.' {
			if real {
				break
			}
			real = true
			p.pos++
		} else if (b == '-' || b == '+') && p.pos == start {
			p.pos++
		} else {
			break
		}
	}
	s := string(p.data[start:p.pos])
	if s == "" || s == "-" || s == "+" || s == "." {
		return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, s)
	}
	if real {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		return Real(v), nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return Integer(v), nil
}

func (p *Parser) parseName() (Name, error) {
	if b, _ := p.readByte(); b != '/' {
		return "", fmt.Errorf("%w: expected /", ErrSyntax)
	}
	var buf bytes.Buffer
	for p.pos < len(p.data) {
		b := p.data[p.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		p.pos++
		if b == '#' && p.pos+1 < len(p.data) {
			v, err := strconv.ParseUint(string(p.data[p.pos:p.pos+2]), 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: bad hex escape in name", ErrSyntax)
			}
			p.pos += 2
			buf.WriteByte(byte(v))
			continue
		}
		buf.WriteByte(b)
	}
	return Name(buf.String()), nil
}

func (p *Parser) parseLiteralString() (*String, error) {
	if b, _ := p.readByte(); b != '(' {
		return nil, fmt.Errorf("%w: expected (", ErrSyntax)
	}
	var buf bytes.Buffer
	depth := 1
	for depth > 0 {
		b, err := p.readByte()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated string", ErrShortPDF)
		}
		switch b {
		case '(':
			depth++
			buf.WriteByte(b)
		case ')':
			depth--
			if depth > 0 {
				buf.WriteByte(b)
			}
		case '\\':
			e, err := p.readByte()
			if err != nil {
				return nil, ErrShortPDF
			}
			switch e {
			case 'n':
				buf.WriteByte('\n')
			case 'r':
				buf.WriteByte('\r')
			case 't':
				buf.WriteByte('\t')
			case 'b':
				buf.WriteByte('\b')
			case 'f':
				buf.WriteByte('\f')
			case '\n':
				// line continuation
			case '\r':
				if c, err := p.peekByte(); err == nil && c == '\n' {
					p.pos++
				}
			default:
				if e >= '0' && e <= '7' {
					oct := int(e - '0')
					for i := 0; i < 2; i++ {
						c, err := p.peekByte()
						if err != nil || c < '0' || c > '7' {
							break
						}
						p.pos++
						oct = oct*8 + int(c-'0')
					}
					buf.WriteByte(byte(oct))
				} else {
					buf.WriteByte(e)
				}
			}
		default:
			buf.WriteByte(b)
		}
	}
	return &String{Data: buf.Bytes()}, nil
}

func (p *Parser) parseHexOrDict() (Object, error) {
	if b, _ := p.readByte(); b != '<' {
		return nil, fmt.Errorf("%w: expected <", ErrSyntax)
	}
	if b, err := p.peekByte(); err == nil && b == '<' {
		p.pos++
		return p.parseDict()
	}
	return p.parseHexString()
}

func (p *Parser) parseHexString() (*String, error) {
	var buf bytes.Buffer
	for {
		b, err := p.readByte()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated hex string", ErrShortPDF)
		}
		if b == '>' {
			break
		}
		if !isWhitespace(b) {
			buf.WriteByte(b)
		}
	}
	s := buf.String()
	if len(s)%2 != 0 {
		s += "0"
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	return &String{Data: data, Hex: true}, nil
}

// parseDict parses a dictionary body; the leading << is already consumed.
func (p *Parser) parseDict() (*Dict, error) {
	dict := NewDict()
	for {
		p.skipWhitespace()
		b, err := p.peekByte()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated dictionary", ErrShortPDF)
		}
		if b == '>' {
			p.pos++
			if c, err := p.readByte(); err != nil || c != '>' {
				return nil, fmt.Errorf("%w: expected >>", ErrSyntax)
			}
			return dict, nil
		}
		key, err := p.parseName()
		if err != nil {
			return nil, fmt.Errorf("%w: bad dictionary key: %v", ErrSyntax, err)
		}
		val, err := p.ParseValue()
		if err != nil {
			return nil, fmt.Errorf("bad value for key /%s: %w", key, err)
		}
		dict.Set(string(key), val)
	}
}

func (p *Parser) parseArray() (Array, error) {
	if b, _ := p.readByte(); b != '[' {
		return nil, fmt.Errorf("%w: expected [", ErrSyntax)
	}
	var arr Array
	for {
		p.skipWhitespace()
		b, err := p.peekByte()
		if err != nil {
			return nil, fmt.Errorf("%w: unterminated array", ErrShortPDF)
		}
		if b == ']' {
			p.pos++
			return arr, nil
		}
		obj, err := p.ParseValue()
		if err != nil {
			return nil, fmt.Errorf("bad array element: %w", err)
		}
		arr = append(arr, obj)
	}
}

// ParseIndirect parses an "N G obj ... endobj" definition, including
// an attached stream body when the object is a stream dictionary.
// resolveLength is consulted when /Length is an indirect reference; it
// may be nil.
func (p *Parser) ParseIndirect(resolveLength func(Ref) (int64, bool)) (*Indirect, error) {
	numObj, err := p.parseNumber()
	if err != nil {
		return nil, fmt.Errorf("bad object number: %w", err)
	}
	genObj, err := p.parseNumber()
	if err != nil {
		return nil, fmt.Errorf("bad generation number: %w", err)
	}
	num, ok1 := numObj.(Integer)
	gen, ok2 := genObj.(Integer)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: object header is not integral", ErrSyntax)
	}
	if tok := p.readToken(); tok != "obj" {
		return nil, fmt.Errorf("%w: expected obj, got %q", ErrSyntax, tok)
	}

	obj, err := p.ParseValue()
	if err != nil {
		return nil, err
	}

	p.skipWhitespace()
	if dict, ok := obj.(*Dict); ok && bytes.HasPrefix(p.data[p.pos:], []byte("stream")) {
		p.pos += len("stream")
		if b, err := p.peekByte(); err == nil && b == '\r' {
			p.pos++
		}
		if b, err := p.peekByte(); err == nil && b == '\n' {
			p.pos++
		}

		length, haveLen := dict.GetInt("Length")
		if !haveLen {
			if ref, ok := dict.Get("Length").(Ref); ok && resolveLength != nil {
				length, haveLen = resolveLength(ref)
			}
		}
		if !haveLen {
			// last resort: scan for the endstream keyword
			if i := bytes.Index(p.data[p.pos:], []byte("endstream")); i >= 0 {
				length = int64(i)
				haveLen = true
			}
		}
		if !haveLen || p.pos+int(length) > len(p.data) {
			return nil, fmt.Errorf("%w: bad stream length", ErrSyntax)
		}

		raw := make([]byte, length)
		copy(raw, p.data[p.pos:p.pos+int(length)])
		p.pos += int(length)
		p.skipWhitespace()
		p.readToken() // endstream
		obj = NewStream(dict, raw)
	}

	p.skipWhitespace()
	p.readToken() // endobj, tolerated when absent

	return &Indirect{Num: int(num), Gen: int(gen), Obj: obj}, nil
}
