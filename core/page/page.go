// Package page implements the 4096-byte slotted page that backs every
// on-disk structure in murodb: the B+tree (§4.8) stores its nodes in pages,
// and the freelist (§4.3) stores its chain pages in pages.
//
// Layout (spec.md §4.2):
//
//	offset 0:  page_id   (u64 LE)
//	offset 8:  cellCount (u16 LE)
//	offset 10: freeStart (u16 LE)  — end of the cell-pointer directory
//	offset 12: freeEnd   (u16 LE)  — start of the cell heap
//	offset 14: cell-pointer directory, cellCount * 2 bytes
//	...free space...
//	cell heap, growing down from PageSize: each cell is [len u16][payload]
//
// Slot 0 is reserved by convention for the B+tree's node-metadata cell; the
// Page type itself has no opinion about that — it is purely a
// general-purpose slotted container.
package page

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
)

// PageID identifies a page within a database file. 0 is the header page.
type PageID uint64

const (
	// Size is the fixed size of every page, in bytes.
	Size = 4096

	headerSize    = 14
	cellPtrSize   = 2
	cellLenPrefix = 2
)

// Page is an in-memory, decrypted image of one on-disk page.
type Page struct {
	buf []byte // always len == Size
}

// New creates an empty page with the given id.
func New(id PageID) *Page {
	p := &Page{buf: make([]byte, Size)}
	p.SetPageID(id)
	p.setCellCount(0)
	p.setFreeStart(headerSize)
	p.setFreeEnd(Size)
	return p
}

// FromBytes wraps a PageSize-length plaintext buffer as a Page. The buffer
// is copied; the caller's slice is not aliased.
func FromBytes(buf []byte) (*Page, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("%w: page buffer must be %d bytes, got %d", dberr.ErrCorruption, Size, len(buf))
	}
	p := &Page{buf: make([]byte, Size)}
	copy(p.buf, buf)
	return p, nil
}

// Bytes returns the raw plaintext page image, suitable for
// cipher.Cipher.SealPage.
func (p *Page) Bytes() []byte { return p.buf }

// Clone returns a deep copy of the page.
func (p *Page) Clone() *Page {
	out := &Page{buf: make([]byte, Size)}
	copy(out.buf, p.buf)
	return out
}

func (p *Page) PageID() PageID { return PageID(binary.LittleEndian.Uint64(p.buf[0:8])) }
func (p *Page) SetPageID(id PageID) {
	binary.LittleEndian.PutUint64(p.buf[0:8], uint64(id))
}

func (p *Page) CellCount() int { return int(binary.LittleEndian.Uint16(p.buf[8:10])) }
func (p *Page) setCellCount(n int) {
	binary.LittleEndian.PutUint16(p.buf[8:10], uint16(n))
}

func (p *Page) freeStart() int { return int(binary.LittleEndian.Uint16(p.buf[10:12])) }
func (p *Page) setFreeStart(v int) {
	binary.LittleEndian.PutUint16(p.buf[10:12], uint16(v))
}

func (p *Page) freeEnd() int { return int(binary.LittleEndian.Uint16(p.buf[12:14])) }
func (p *Page) setFreeEnd(v int) {
	binary.LittleEndian.PutUint16(p.buf[12:14], uint16(v))
}

// FreeSpace is the number of contiguous bytes available between the
// directory and the cell heap.
func (p *Page) FreeSpace() int { return p.freeEnd() - p.freeStart() }

func (p *Page) cellPtrOffset(i int) int { return headerSize + i*cellPtrSize }

func (p *Page) cellPtr(i int) int {
	off := p.cellPtrOffset(i)
	return int(binary.LittleEndian.Uint16(p.buf[off : off+2]))
}

func (p *Page) setCellPtr(i, v int) {
	off := p.cellPtrOffset(i)
	binary.LittleEndian.PutUint16(p.buf[off:off+2], uint16(v))
}

// GetCell returns a copy of the i'th cell's payload bytes.
func (p *Page) GetCell(i int) ([]byte, error) {
	if i < 0 || i >= p.CellCount() {
		return nil, fmt.Errorf("%w: cell index %d out of range (count=%d)", dberr.ErrCorruption, i, p.CellCount())
	}
	off := p.cellPtr(i)
	if off+cellLenPrefix > Size {
		return nil, fmt.Errorf("%w: cell %d pointer out of range", dberr.ErrCorruption, i)
	}
	length := int(binary.LittleEndian.Uint16(p.buf[off : off+cellLenPrefix]))
	start := off + cellLenPrefix
	end := start + length
	if end > Size {
		return nil, fmt.Errorf("%w: cell %d length out of range", dberr.ErrCorruption, i)
	}
	out := make([]byte, length)
	copy(out, p.buf[start:end])
	return out, nil
}

// requiredSpace is the bytes a new cell of len(payload) bytes consumes: one
// directory pointer plus a length-prefixed heap entry.
func requiredSpace(payload []byte) int {
	return cellPtrSize + cellLenPrefix + len(payload)
}

// InsertCell inserts payload as a new cell at directory index i, shifting
// cells at indices >= i to the right. Returns an error (never panics) if
// there isn't enough free space; the caller (the B+tree) is expected to
// split the node in that case.
func (p *Page) InsertCell(i int, payload []byte) error {
	count := p.CellCount()
	if i < 0 || i > count {
		return fmt.Errorf("%w: insert index %d out of range (count=%d)", dberr.ErrCorruption, i, count)
	}
	if requiredSpace(payload) > p.FreeSpace() {
		return fmt.Errorf("page overflow: need %d bytes, have %d", requiredSpace(payload), p.FreeSpace())
	}

	newEnd := p.freeEnd() - cellLenPrefix - len(payload)
	binary.LittleEndian.PutUint16(p.buf[newEnd:newEnd+cellLenPrefix], uint16(len(payload)))
	copy(p.buf[newEnd+cellLenPrefix:newEnd+cellLenPrefix+len(payload)], payload)
	p.setFreeEnd(newEnd)

	// Shift directory entries [i, count) right by one slot.
	for j := count; j > i; j-- {
		p.setCellPtr(j, p.cellPtr(j-1))
	}
	p.setCellPtr(i, newEnd)
	p.setFreeStart(p.freeStart() + cellPtrSize)
	p.setCellCount(count + 1)
	return nil
}

// ReplaceCell overwrites the payload of an existing cell in place, without
// reordering the directory. The old heap bytes become garbage, reclaimed
// only by RebuildFrom.
func (p *Page) ReplaceCell(i int, payload []byte) error {
	count := p.CellCount()
	if i < 0 || i >= count {
		return fmt.Errorf("%w: replace index %d out of range (count=%d)", dberr.ErrCorruption, i, count)
	}
	needed := cellLenPrefix + len(payload)
	if needed > p.FreeSpace() {
		return fmt.Errorf("page overflow: need %d bytes, have %d", needed, p.FreeSpace())
	}
	newEnd := p.freeEnd() - needed
	binary.LittleEndian.PutUint16(p.buf[newEnd:newEnd+cellLenPrefix], uint16(len(payload)))
	copy(p.buf[newEnd+cellLenPrefix:newEnd+needed], payload)
	p.setFreeEnd(newEnd)
	p.setCellPtr(i, newEnd)
	return nil
}

// DeleteCell removes the cell at directory index i, shifting subsequent
// directory entries left. The heap bytes become garbage, reclaimed only by
// RebuildFrom.
func (p *Page) DeleteCell(i int) error {
	count := p.CellCount()
	if i < 0 || i >= count {
		return fmt.Errorf("%w: delete index %d out of range (count=%d)", dberr.ErrCorruption, i, count)
	}
	for j := i; j < count-1; j++ {
		p.setCellPtr(j, p.cellPtr(j+1))
	}
	p.setFreeStart(p.freeStart() - cellPtrSize)
	p.setCellCount(count - 1)
	return nil
}

// RebuildFrom replaces the entire cell set with cells, tightly packing the
// heap and directory from scratch. This both compacts garbage left by
// ReplaceCell/DeleteCell and is the primary way node mutations (insert,
// split, merge) in the B+tree produce a new page image.
func (p *Page) RebuildFrom(cells [][]byte) error {
	id := p.PageID()
	total := 0
	for _, c := range cells {
		total += requiredSpace(c)
	}
	if total > Size-headerSize {
		return fmt.Errorf("page overflow: rebuilt page needs %d bytes, capacity %d", total, Size-headerSize)
	}

	buf := make([]byte, Size)
	end := Size
	for i, c := range cells {
		end -= cellLenPrefix + len(c)
		binary.LittleEndian.PutUint16(buf[end:end+cellLenPrefix], uint16(len(c)))
		copy(buf[end+cellLenPrefix:end+cellLenPrefix+len(c)], c)
		ptrOff := headerSize + i*cellPtrSize
		binary.LittleEndian.PutUint16(buf[ptrOff:ptrOff+2], uint16(end))
	}

	p.buf = buf
	p.SetPageID(id)
	p.setCellCount(len(cells))
	p.setFreeStart(headerSize + len(cells)*cellPtrSize)
	p.setFreeEnd(end)
	return nil
}
