// Package reader parses PDF files: the cross-reference chain, object
// streams, and the page tree.
package reader

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/refertomed/firmapdf/pdf/filters"
	"github.com/refertomed/firmapdf/pdf/generic"
)

var (
	ErrNotPDF         = errors.New("not a PDF file")
	ErrNoXRef         = errors.New("cross-reference table not found")
	ErrBadXRef        = errors.New("malformed cross-reference data")
	ErrObjectNotFound = errors.New("object not found")
)

type xrefEntry struct {
	offset     int64
	generation int
	inUse      bool
	// compressed objects live inside an object stream
	streamNum   int
	streamIndex int
}

type page struct {
	num      int
	dict     *generic.Dict
	mediaBox generic.Rect
}

// Document is a parsed PDF file.
type Document struct {
	data    []byte
	Version string
	Trailer *generic.Dict
	Catalog *generic.Dict

	xref  map[int]xrefEntry
	cache map[int]generic.Object
	pages []page

	// startXRef is the offset of the newest xref section, used as the
	// /Prev pointer by incremental updates.
	startXRef int64
}

var headerRe = regexp.MustCompile(`%PDF-(\d+\.\d+)`)

// Open parses a PDF from memory.
func Open(data []byte) (*Document, error) {
	d := &Document{
		data:  data,
		xref:  make(map[int]xrefEntry),
		cache: make(map[int]generic.Object),
	}

	if len(data) < 8 {
		return nil, ErrNotPDF
	}
	end := len(data)
	if end > 1024 {
		end = 1024
	}
	m := headerRe.FindSubmatch(data[:end])
	if m == nil {
		return nil, fmt.Errorf("%w: missing header", ErrNotPDF)
	}
	d.Version = string(m[1])

	if err := d.parseXRefChain(); err != nil {
		return nil, err
	}
	if err := d.loadCatalog(); err != nil {
		return nil, err
	}
	return d, nil
}

// Data returns the raw file bytes.
func (d *Document) Data() []byte { return d.data }

// StartXRef returns the offset of the newest xref section.
func (d *Document) StartXRef() int64 { return d.startXRef }

// MaxObjectNumber returns the highest object number in the file.
func (d *Document) MaxObjectNumber() int {
	max := 0
	for n := range d.xref {
		if n > max {
			max = n
		}
	}
	return max
}

// Generation returns the current generation of an object number.
func (d *Document) Generation(num int) int {
	return d.xref[num].generation
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return len(d.pages) }

// Page returns the page dictionary at index (0-based).
func (d *Document) Page(index int) (*generic.Dict, error) {
	if index < 0 || index >= len(d.pages) {
		return nil, fmt.Errorf("page %d out of range", index)
	}
	return d.pages[index].dict, nil
}

// PageObjectNumber returns the object number backing a page.
func (d *Document) PageObjectNumber(index int) (int, error) {
	if index < 0 || index >= len(d.pages) {
		return 0, fmt.Errorf("page %d out of range", index)
	}
	return d.pages[index].num, nil
}

// MediaBox returns the page size, following page-tree inheritance.
func (d *Document) MediaBox(index int) (generic.Rect, error) {
	if index < 0 || index >= len(d.pages) {
		return generic.Rect{}, fmt.Errorf("page %d out of range", index)
	}
	return d.pages[index].mediaBox, nil
}

// parseXRefChain walks the startxref pointer and every /Prev link.
func (d *Document) parseXRefChain() error {
	idx := bytes.LastIndex(d.data, []byte("startxref"))
	if idx < 0 {
		return ErrNoXRef
	}
	offset, err := readOffsetAfter(d.data[idx+len("startxref"):])
	if err != nil {
		return err
	}
	d.startXRef = offset

	visited := make(map[int64]bool)
	for offset > 0 {
		if visited[offset] || offset >= int64(len(d.data)) {
			break
		}
		visited[offset] = true

		pos := int(offset)
		for pos < len(d.data) && isSpace(d.data[pos]) {
			pos++
		}

		var trailer *generic.Dict
		if bytes.HasPrefix(d.data[pos:], []byte("xref")) {
			trailer, err = d.parseXRefTable(pos)
		} else {
			trailer, err = d.parseXRefStream(pos)
		}
		if err != nil {
			return err
		}
		if d.Trailer == nil {
			d.Trailer = trailer
		}

		if prev, ok := trailer.GetInt("Prev"); ok {
			offset = prev
		} else {
			offset = 0
		}
	}
	if d.Trailer == nil {
		return ErrNoXRef
	}
	return nil
}

func readOffsetAfter(data []byte) (int64, error) {
	i := 0
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if start == i {
		return 0, fmt.Errorf("%w: missing startxref offset", ErrBadXRef)
	}
	return strconv.ParseInt(string(data[start:i]), 10, 64)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// parseXRefTable reads a classic "xref" section plus its trailer.
func (d *Document) parseXRefTable(pos int) (*generic.Dict, error) {
	pos += len("xref")
	for {
		for pos < len(d.data) && isSpace(d.data[pos]) {
			pos++
		}
		if bytes.HasPrefix(d.data[pos:], []byte("trailer")) {
			pos += len("trailer")
			break
		}

		start, count, next, err := readSubsectionHeader(d.data, pos)
		if err != nil {
			return nil, err
		}
		pos = next

		for i := 0; i < count; i++ {
			if pos+18 > len(d.data) {
				return nil, fmt.Errorf("%w: truncated entry", ErrBadXRef)
			}
			line := d.data[pos : pos+18]
			off, err1 := strconv.ParseInt(string(bytes.TrimSpace(line[:10])), 10, 64)
			gen, err2 := strconv.Atoi(string(bytes.TrimSpace(line[11:16])))
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("%w: bad entry at %d", ErrBadXRef, pos)
			}
			num := start + i
			if _, seen := d.xref[num]; !seen {
				d.xref[num] = xrefEntry{offset: off, generation: gen, inUse: line[17] == 'n'}
			}
			pos += 18
			for pos < len(d.data) && isSpace(d.data[pos]) {
				pos++
			}
		}
	}

	p := generic.NewParser(d.data)
	p.Seek(pos)
	obj, err := p.ParseValue()
	if err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}
	dict, ok := obj.(*generic.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: trailer is not a dictionary", ErrBadXRef)
	}
	return dict, nil
}

func readSubsectionHeader(data []byte, pos int) (start, count, next int, err error) {
	readInt := func() (int, bool) {
		for pos < len(data) && (data[pos] == ' ' || data[pos] == '\t') {
			pos++
		}
		s := pos
		for pos < len(data) && data[pos] >= '0' && data[pos] <= '9' {
			pos++
		}
		if s == pos {
			return 0, false
		}
		v, _ := strconv.Atoi(string(data[s:pos]))
		return v, true
	}
	var ok bool
	if start, ok = readInt(); !ok {
		return 0, 0, pos, fmt.Errorf("%w: missing subsection start", ErrBadXRef)
	}
	if count, ok = readInt(); !ok {
		return 0, 0, pos, fmt.Errorf("%w: missing subsection count", ErrBadXRef)
	}
	for pos < len(data) && isSpace(data[pos]) {
		pos++
	}
	return start, count, pos, nil
}

// parseXRefStream reads a cross-reference stream (PDF 1.5+).
func (d *Document) parseXRefStream(pos int) (*generic.Dict, error) {
	p := generic.NewParser(d.data)
	p.Seek(pos)
	ind, err := p.ParseIndirect(nil)
	if err != nil {
		return nil, fmt.Errorf("xref stream: %w", err)
	}
	stream, ok := ind.Obj.(*generic.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: expected stream at xref offset", ErrBadXRef)
	}
	dict := stream.Dict

	data, err := d.decodeStream(stream)
	if err != nil {
		return nil, fmt.Errorf("xref stream decode: %w", err)
	}

	wArr := dict.GetArray("W")
	if len(wArr) != 3 {
		return nil, fmt.Errorf("%w: bad W array", ErrBadXRef)
	}
	var w [3]int
	for i, v := range wArr {
		n, ok := generic.Number(v)
		if !ok {
			return nil, fmt.Errorf("%w: bad W array", ErrBadXRef)
		}
		w[i] = int(n)
	}
	entrySize := w[0] + w[1] + w[2]
	if entrySize == 0 {
		return nil, fmt.Errorf("%w: zero-width entries", ErrBadXRef)
	}

	var index []int
	if ia := dict.GetArray("Index"); ia != nil {
		for _, v := range ia {
			if n, ok := generic.Number(v); ok {
				index = append(index, int(n))
			}
		}
	} else if size, ok := dict.GetInt("Size"); ok {
		index = []int{0, int(size)}
	}

	off := 0
	for i := 0; i+1 < len(index); i += 2 {
		start, count := index[i], index[i+1]
		for j := 0; j < count && off+entrySize <= len(data); j++ {
			d.addStreamEntry(start+j, data[off:off+entrySize], w)
			off += entrySize
		}
	}
	return dict, nil
}

func (d *Document) addStreamEntry(num int, raw []byte, w [3]int) {
	field := func(start, width int) int64 {
		var v int64
		for i := 0; i < width; i++ {
			v = v<<8 | int64(raw[start+i])
		}
		return v
	}
	typ := int64(1)
	if w[0] > 0 {
		typ = field(0, w[0])
	}
	f2 := field(w[0], w[1])
	f3 := field(w[0]+w[1], w[2])

	if _, seen := d.xref[num]; seen {
		return
	}
	switch typ {
	case 0:
		d.xref[num] = xrefEntry{offset: f2, generation: int(f3)}
	case 1:
		d.xref[num] = xrefEntry{offset: f2, generation: int(f3), inUse: true}
	case 2:
		d.xref[num] = xrefEntry{streamNum: int(f2), streamIndex: int(f3), inUse: true}
	}
}

// GetObject loads and caches the object with the given number.
func (d *Document) GetObject(num int) (generic.Object, error) {
	if obj, ok := d.cache[num]; ok {
		return obj, nil
	}
	entry, ok := d.xref[num]
	if !ok || !entry.inUse {
		return nil, fmt.Errorf("%w: %d", ErrObjectNotFound, num)
	}

	var obj generic.Object
	var err error
	if entry.streamNum > 0 {
		obj, err = d.objectFromStream(entry.streamNum, entry.streamIndex)
	} else {
		obj, err = d.objectAt(entry.offset)
	}
	if err != nil {
		return nil, err
	}
	d.cache[num] = obj
	return obj, nil
}

// Resolve follows a reference; other objects pass through unchanged.
func (d *Document) Resolve(obj generic.Object) (generic.Object, error) {
	if ref, ok := obj.(generic.Ref); ok {
		return d.GetObject(ref.Num)
	}
	return obj, nil
}

func (d *Document) objectAt(offset int64) (generic.Object, error) {
	if offset < 0 || offset >= int64(len(d.data)) {
		return nil, fmt.Errorf("%w: offset %d out of range", ErrObjectNotFound, offset)
	}
	p := generic.NewParser(d.data)
	p.Seek(int(offset))
	ind, err := p.ParseIndirect(func(ref generic.Ref) (int64, bool) {
		obj, err := d.GetObject(ref.Num)
		if err != nil {
			return 0, false
		}
		if n, ok := obj.(generic.Integer); ok {
			return int64(n), true
		}
		return 0, false
	})
	if err != nil {
		return nil, err
	}
	if stream, ok := ind.Obj.(*generic.Stream); ok {
		if decoded, err := d.decodeStream(stream); err == nil {
			stream.Decoded = decoded
		}
	}
	return ind.Obj, nil
}

// objectFromStream extracts a compressed object from an object stream.
func (d *Document) objectFromStream(streamNum, index int) (generic.Object, error) {
	container, err := d.GetObject(streamNum)
	if err != nil {
		return nil, err
	}
	stream, ok := container.(*generic.Stream)
	if !ok {
		return nil, fmt.Errorf("%w: object stream %d", ErrObjectNotFound, streamNum)
	}
	data := stream.Decoded
	if data == nil {
		data, err = d.decodeStream(stream)
		if err != nil {
			return nil, err
		}
	}

	n, _ := stream.Dict.GetInt("N")
	first, _ := stream.Dict.GetInt("First")
	if first > int64(len(data)) {
		return nil, fmt.Errorf("%w: bad object stream header", ErrBadXRef)
	}

	p := generic.NewParser(data[:first])
	type pair struct{ num, off int }
	var pairs []pair
	for i := int64(0); i < n; i++ {
		numObj, err := p.ParseValue()
		if err != nil {
			break
		}
		offObj, err := p.ParseValue()
		if err != nil {
			break
		}
		num, _ := numObj.(generic.Integer)
		off, _ := offObj.(generic.Integer)
		pairs = append(pairs, pair{int(num), int(off)})
	}
	if index >= len(pairs) {
		return nil, fmt.Errorf("%w: index %d in object stream %d", ErrObjectNotFound, index, streamNum)
	}

	objP := generic.NewParser(data)
	objP.Seek(int(first) + pairs[index].off)
	return objP.ParseValue()
}

// decodeStream unfilters a stream's raw data.
func (d *Document) decodeStream(stream *generic.Stream) ([]byte, error) {
	var names []string
	switch f := stream.Dict.Get("Filter").(type) {
	case generic.Name:
		names = []string{string(f)}
	case generic.Array:
		for _, item := range f {
			if n, ok := item.(generic.Name); ok {
				names = append(names, string(n))
			}
		}
	}
	if len(names) == 0 {
		return stream.Raw, nil
	}

	var params []*filters.PredictorParams
	switch dp := stream.Dict.Get("DecodeParms").(type) {
	case *generic.Dict:
		params = append(params, predictorParams(dp))
	case generic.Array:
		for _, item := range dp {
			if sub, ok := item.(*generic.Dict); ok {
				params = append(params, predictorParams(sub))
			} else {
				params = append(params, nil)
			}
		}
	}
	return filters.DecodeChain(stream.Raw, names, params)
}

func predictorParams(d *generic.Dict) *filters.PredictorParams {
	p := &filters.PredictorParams{}
	if v, ok := d.GetInt("Predictor"); ok {
		p.Predictor = int(v)
	}
	if v, ok := d.GetInt("Columns"); ok {
		p.Columns = int(v)
	}
	if v, ok := d.GetInt("Colors"); ok {
		p.Colors = int(v)
	}
	if v, ok := d.GetInt("BitsPerComponent"); ok {
		p.BitsPerComponent = int(v)
	}
	return p
}

// loadCatalog resolves the document catalog and collects the page tree.
func (d *Document) loadCatalog() error {
	rootRef, ok := d.Trailer.Get("Root").(generic.Ref)
	if !ok {
		return fmt.Errorf("%w: trailer has no Root", ErrNotPDF)
	}
	obj, err := d.GetObject(rootRef.Num)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	catalog, ok := obj.(*generic.Dict)
	if !ok {
		return fmt.Errorf("%w: catalog is not a dictionary", ErrNotPDF)
	}
	d.Catalog = catalog

	pagesRef, ok := catalog.Get("Pages").(generic.Ref)
	if !ok {
		// a catalog without a page tree yields zero pages
		return nil
	}
	return d.walkPageTree(pagesRef.Num, generic.Rect{LLX: 0, LLY: 0, URX: 612, URY: 792}, 0)
}

// walkPageTree recurses through Pages nodes, carrying the inherited
// MediaBox down to leaves.
func (d *Document) walkPageTree(num int, inherited generic.Rect, depth int) error {
	if depth > 64 {
		return fmt.Errorf("%w: page tree too deep", ErrBadXRef)
	}
	obj, err := d.GetObject(num)
	if err != nil {
		return err
	}
	node, ok := obj.(*generic.Dict)
	if !ok {
		return nil
	}

	box := inherited
	if mb := node.GetArray("MediaBox"); mb != nil {
		if r, err := generic.RectFromArray(mb); err == nil {
			box = r
		}
	}

	if node.GetName("Type") == "Page" {
		d.pages = append(d.pages, page{num: num, dict: node, mediaBox: box})
		return nil
	}

	for _, kid := range node.GetArray("Kids") {
		ref, ok := kid.(generic.Ref)
		if !ok {
			continue
		}
		if err := d.walkPageTree(ref.Num, box, depth+1); err != nil {
			return err
		}
	}
	return nil
}
