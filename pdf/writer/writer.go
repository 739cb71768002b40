// Package writer appends incremental updates to existing PDF files.
// Updates never touch the original bytes; new and replaced objects are
// written after them together with a new xref section whose /Prev entry
// links back to the previous one.
package writer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/refertomed/firmapdf/pdf/generic"
	"github.com/refertomed/firmapdf/pdf/reader"
)

// ErrNoPage is returned when a page index does not exist.
var ErrNoPage = errors.New("page not found")

// Incremental builds one incremental update on top of a parsed document.
type Incremental struct {
	doc     *reader.Document
	objects map[int]*generic.Indirect
	next    int
	id      generic.Array
}

// NewIncremental creates a writer over doc.
func NewIncremental(doc *reader.Document) *Incremental {
	return &Incremental{
		doc:     doc,
		objects: make(map[int]*generic.Indirect),
		next:    doc.MaxObjectNumber() + 1,
		id:      refreshDocumentID(doc),
	}
}

// refreshDocumentID keeps the first half of the file identifier and
// regenerates the second, as required for updated files.
func refreshDocumentID(doc *reader.Document) generic.Array {
	second := make([]byte, 16)
	rand.Read(second)

	var first []byte
	if ids := doc.Trailer.GetArray("ID"); len(ids) >= 1 {
		if s, ok := ids[0].(*generic.String); ok {
			first = s.Data
		}
	}
	if first == nil {
		first = make([]byte, 16)
		rand.Read(first)
	}
	return generic.Array{
		&generic.String{Data: first, Hex: true},
		&generic.String{Data: second, Hex: true},
	}
}

// AddObject registers a new object and returns its reference.
func (w *Incremental) AddObject(obj generic.Object) generic.Ref {
	num := w.next
	w.next++
	w.objects[num] = &generic.Indirect{Num: num, Obj: obj}
	return generic.Ref{Num: num}
}

// UpdateObject replaces an existing object, keeping its generation.
func (w *Incremental) UpdateObject(num int, obj generic.Object) {
	gen := w.doc.Generation(num)
	w.objects[num] = &generic.Indirect{Num: num, Gen: gen, Obj: obj}
}

// pageForUpdate returns a page dictionary that is safe to mutate: the
// pending copy when the page was already touched in this update, or a
// fresh clone registered for update otherwise.
func (w *Incremental) pageForUpdate(index int) (*generic.Dict, int, error) {
	num, err := w.doc.PageObjectNumber(index)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoPage, err)
	}
	if pending, ok := w.objects[num]; ok {
		if dict, ok := pending.Obj.(*generic.Dict); ok {
			return dict, num, nil
		}
	}
	orig, err := w.doc.Page(index)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoPage, err)
	}
	clone := orig.Clone()
	w.UpdateObject(num, clone)
	return clone, num, nil
}

// AppendPageContent attaches an already-registered content stream to a
// page, converting a single /Contents entry into an array as needed.
// Resources named in resources are merged into the page's resource
// dictionary. With prepend set, the stream runs before the existing
// page content.
func (w *Incremental) AppendPageContent(index int, contentRef generic.Ref, resources *generic.Dict, prepend bool) error {
	pageDict, _, err := w.pageForUpdate(index)
	if err != nil {
		return err
	}

	var contents generic.Array
	switch c := pageDict.Get("Contents").(type) {
	case generic.Ref:
		contents = generic.Array{c}
	case generic.Array:
		contents = c
	case *generic.Stream:
		// direct stream objects must become indirect before joining an array
		contents = generic.Array{w.AddObject(c)}
	case nil:
		contents = generic.Array{}
	default:
		return fmt.Errorf("unexpected /Contents type %T", c)
	}

	if prepend {
		contents = append(generic.Array{contentRef}, contents...)
	} else {
		contents = append(contents, contentRef)
	}
	pageDict.Set("Contents", contents)

	if resources != nil {
		merged := pageDict.GetDict("Resources")
		if merged == nil {
			// Resources may be indirect or inherited; start from the resolved dict
			if res, err := w.doc.Resolve(pageDict.Get("Resources")); err == nil {
				if dict, ok := res.(*generic.Dict); ok {
					merged = dict.Clone()
				}
			}
		}
		if merged == nil {
			merged = generic.NewDict()
		}
		for _, category := range resources.Keys() {
			val := resources.Get(category)
			sub, ok := val.(*generic.Dict)
			if !ok {
				merged.Set(category, val)
				continue
			}
			dst := merged.GetDict(category)
			if dst == nil {
				dst = generic.NewDict()
			}
			for _, k := range sub.Keys() {
				dst.Set(k, sub.Get(k))
			}
			merged.Set(category, dst)
		}
		pageDict.Set("Resources", merged)
	}
	return nil
}

// Bytes serializes the original file plus the incremental update.
func (w *Incremental) Bytes() ([]byte, error) {
	original := w.doc.Data()
	if len(w.objects) == 0 {
		return original, nil
	}

	var buf bytes.Buffer
	buf.Write(original)
	if original[len(original)-1] != '\n' && original[len(original)-1] != '\r' {
		buf.WriteByte('\n')
	}

	nums := make([]int, 0, len(w.objects))
	for n := range w.objects {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	offsets := make(map[int]int64, len(nums))
	for _, n := range nums {
		offsets[n] = int64(buf.Len())
		if err := w.objects[n].Write(&buf); err != nil {
			return nil, err
		}
	}

	xrefOffset := int64(buf.Len())
	w.writeXRefTable(&buf, nums, offsets)
	fmt.Fprintf(&buf, "startxref\n%d\n%%%%EOF\n", xrefOffset)
	return buf.Bytes(), nil
}

// writeXRefTable emits an xref section with consecutive object numbers
// grouped into subsections, followed by the trailer.
func (w *Incremental) writeXRefTable(buf *bytes.Buffer, nums []int, offsets map[int]int64) {
	buf.WriteString("xref\n")

	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		fmt.Fprintf(buf, "%d %d\n", nums[i], j-i+1)
		for k := i; k <= j; k++ {
			fmt.Fprintf(buf, "%010d %05d n \n", offsets[nums[k]], w.objects[nums[k]].Gen)
		}
		i = j + 1
	}

	trailer := generic.NewDict()
	trailer.Set("Size", generic.Integer(w.next))
	trailer.Set("Prev", generic.Integer(w.doc.StartXRef()))
	if root, ok := w.doc.Trailer.Get("Root").(generic.Ref); ok {
		trailer.Set("Root", root)
	}
	if info, ok := w.doc.Trailer.Get("Info").(generic.Ref); ok {
		trailer.Set("Info", info)
	}
	trailer.Set("ID", w.id)

	buf.WriteString("trailer\n")
	trailer.Write(buf)
	buf.WriteString("\n")
}
