// Package freelist implements the in-memory free-page-id set and its
// on-disk chain-of-pages persistence format (spec.md §4.3).
//
// In memory the freelist is a LIFO stack: Allocate pops the most recently
// freed id, Free pushes one. On disk it is a linked chain of pages, each
// holding up to 507 page ids plus a pointer to the next chain page,
// terminated by next == 0.
package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
)

const (
	chainMagic = "FLMP"

	// Bytes available in a chain page's single data cell after the
	// page's own 14-byte header and the 4-byte cell-directory/length
	// overhead InsertCell adds for storing this blob in slot 0:
	// 4096 - 14 - 2(dir ptr) - 2(len prefix) = 4078 usable bytes.
	// Of those, magic(4) + next(8) + count(8) = 20 bytes are fixed
	// overhead, leaving floor((4078-20)/8) = 507 page-id entries.
	MaxEntriesPerPage = 507
)

// List is the in-memory set of free page ids, allocated LIFO.
type List struct {
	ids []page.PageID
}

// New returns an empty freelist.
func New() *List { return &List{} }

// FromIDs builds a freelist from an existing slice (e.g. loaded from disk).
// The slice is copied.
func FromIDs(ids []page.PageID) *List {
	l := &List{ids: make([]page.PageID, len(ids))}
	copy(l.ids, ids)
	return l
}

// Clone returns a deep copy, used by Transaction to build a speculative
// post-commit freelist image without mutating the live one until commit
// step 7.
func (l *List) Clone() *List { return FromIDs(l.ids) }

// Len is the number of free page ids.
func (l *List) Len() int { return len(l.ids) }

// IDs returns a copy of the free ids in their current (allocation) order.
func (l *List) IDs() []page.PageID {
	out := make([]page.PageID, len(l.ids))
	copy(out, l.ids)
	return out
}

// Contains reports whether id is currently free.
func (l *List) Contains(id page.PageID) bool {
	for _, v := range l.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Allocate pops the most recently freed id. ok is false if the freelist is
// empty.
func (l *List) Allocate() (id page.PageID, ok bool) {
	if len(l.ids) == 0 {
		return 0, false
	}
	last := len(l.ids) - 1
	id = l.ids[last]
	l.ids = l.ids[:last]
	return id, true
}

// Free pushes id onto the freelist. It is an error to free an id already
// present.
func (l *List) Free(id page.PageID) error {
	if l.Contains(id) {
		return fmt.Errorf("%w: page %d already in freelist", dberr.ErrDoubleFree, id)
	}
	l.ids = append(l.ids, id)
	return nil
}

// Sanitize removes entries that are out of range ([0, pageCount)) or
// duplicated, keeping the first occurrence of each. It returns the number
// of entries removed for each reason, for the observability counters
// spec.md §7 requires ("silently removes invalid entries while publishing
// the counts").
func (l *List) Sanitize(pageCount uint64) (outOfRange, duplicates int) {
	seen := make(map[page.PageID]struct{}, len(l.ids))
	out := l.ids[:0:0]
	for _, id := range l.ids {
		if uint64(id) >= pageCount {
			outOfRange++
			continue
		}
		if _, ok := seen[id]; ok {
			duplicates++
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	l.ids = out
	return outOfRange, duplicates
}

// PagesNeeded returns how many chain pages are required to persist n free
// ids.
func PagesNeeded(n int) int {
	if n == 0 {
		return 0
	}
	return (n + MaxEntriesPerPage - 1) / MaxEntriesPerPage
}

// EncodeChain serializes the freelist's ids into chain pages using the
// supplied page ids (already allocated by the caller, one per required
// chain page, in link order: chainPageIDs[0] is the new head). Returns one
// *page.Page per chain page, ready to be added to a transaction's dirty
// buffer.
func EncodeChain(ids []page.PageID, chainPageIDs []page.PageID) ([]*page.Page, error) {
	needed := PagesNeeded(len(ids))
	if len(chainPageIDs) != needed {
		return nil, fmt.Errorf("freelist: need %d chain pages, got %d page ids", needed, len(chainPageIDs))
	}

	pages := make([]*page.Page, needed)
	for i := 0; i < needed; i++ {
		start := i * MaxEntriesPerPage
		end := start + MaxEntriesPerPage
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		var next uint64
		if i+1 < needed {
			next = uint64(chainPageIDs[i+1])
		}

		blob := make([]byte, 4+8+8+8*len(chunk))
		copy(blob[0:4], chainMagic)
		binary.LittleEndian.PutUint64(blob[4:12], next)
		binary.LittleEndian.PutUint64(blob[12:20], uint64(len(chunk)))
		for j, id := range chunk {
			binary.LittleEndian.PutUint64(blob[20+j*8:28+j*8], uint64(id))
		}

		p := page.New(chainPageIDs[i])
		if err := p.InsertCell(0, blob); err != nil {
			return nil, fmt.Errorf("freelist: encode chain page %d: %w", chainPageIDs[i], err)
		}
		pages[i] = p
	}
	return pages, nil
}

// PageLoader fetches a page by id, as provided by the Pager.
type PageLoader func(id page.PageID) (*page.Page, error)

// LoadChain walks the on-disk chain starting at head and returns the
// reconstituted in-memory freelist. head == 0 means an empty freelist.
//
// Loading is cycle-safe: it visits at most pageCount chain pages and fails
// with dberr.ErrCorruption if that bound is exceeded, or if a next pointer
// is out of range.
func LoadChain(load PageLoader, head page.PageID, pageCount uint64) (*List, error) {
	l, _, err := LoadChainDetailed(load, head, pageCount)
	return l, err
}

// LoadChainDetailed is LoadChain plus the sequence of chain page ids
// visited, so the Pager can keep reusing the same physical pages for the
// chain on subsequent persistFreelist calls instead of growing the file
// forever.
func LoadChainDetailed(load PageLoader, head page.PageID, pageCount uint64) (*List, []page.PageID, error) {
	if head == 0 {
		return New(), nil, nil
	}

	var ids []page.PageID
	var chainPages []page.PageID
	visited := make(map[page.PageID]struct{})
	current := head

	for i := uint64(0); ; i++ {
		if i > pageCount {
			return nil, nil, fmt.Errorf("%w: freelist chain exceeds page_count, likely a cycle", dberr.ErrCorruption)
		}
		if uint64(current) >= pageCount {
			return nil, nil, fmt.Errorf("%w: freelist chain page %d out of range", dberr.ErrCorruption, current)
		}
		if _, ok := visited[current]; ok {
			return nil, nil, fmt.Errorf("%w: freelist chain contains a cycle at page %d", dberr.ErrCorruption, current)
		}
		visited[current] = struct{}{}
		chainPages = append(chainPages, current)

		p, err := load(current)
		if err != nil {
			return nil, nil, fmt.Errorf("freelist: load chain page %d: %w", current, err)
		}
		blob, err := p.GetCell(0)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: freelist chain page %d missing data cell: %v", dberr.ErrCorruption, current, err)
		}

		next, entries, err := decodeChainBlob(blob)
		if err != nil {
			return nil, nil, fmt.Errorf("freelist: decode chain page %d: %w", current, err)
		}
		ids = append(ids, entries...)

		if next == 0 {
			break
		}
		current = next
	}

	return FromIDs(ids), chainPages, nil
}

func decodeChainBlob(blob []byte) (next page.PageID, entries []page.PageID, err error) {
	if len(blob) >= 4 && string(blob[0:4]) == chainMagic {
		if len(blob) < 20 {
			return 0, nil, fmt.Errorf("%w: truncated freelist chain header", dberr.ErrCorruption)
		}
		next = page.PageID(binary.LittleEndian.Uint64(blob[4:12]))
		count := binary.LittleEndian.Uint64(blob[12:20])
		want := 20 + int(count)*8
		if len(blob) < want {
			return 0, nil, fmt.Errorf("%w: truncated freelist entries", dberr.ErrCorruption)
		}
		entries = make([]page.PageID, count)
		for i := range entries {
			off := 20 + i*8
			entries[i] = page.PageID(binary.LittleEndian.Uint64(blob[off : off+8]))
		}
		return next, entries, nil
	}

	// Legacy single-page format: [count u64][entries...], no magic, no
	// next pointer — always terminal.
	if len(blob) < 8 {
		return 0, nil, fmt.Errorf("%w: truncated legacy freelist page", dberr.ErrCorruption)
	}
	count := binary.LittleEndian.Uint64(blob[0:8])
	want := 8 + int(count)*8
	if len(blob) < want {
		return 0, nil, fmt.Errorf("%w: truncated legacy freelist entries", dberr.ErrCorruption)
	}
	entries = make([]page.PageID, count)
	for i := range entries {
		off := 8 + i*8
		entries[i] = page.PageID(binary.LittleEndian.Uint64(blob[off : off+8]))
	}
	return 0, entries, nil
}
