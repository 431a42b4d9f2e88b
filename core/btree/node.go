package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
)

// nodeType is stored as the first byte of slot 0's payload (spec.md §4.8).
type nodeType byte

const (
	nodeLeaf     nodeType = 1
	nodeInternal nodeType = 2
)

// leafEntry is one key/value pair in a leaf node. For a primary tree, value
// is the row image; for a unique secondary index, value is the primary key;
// for a non-unique secondary index, key already has the primary key
// appended by the caller and value is the primary key again, so a point
// lookup on the composite key alone is still possible.
type leafEntry struct {
	Key   []byte
	Value []byte
}

// internalEntry pairs a separator key with the child subtree to its left.
// A node with N entries addresses N+1 children: entries[i].LeftChild for
// i in [0,N), and rightChild for the remaining, rightmost child.
type internalEntry struct {
	LeftChild page.PageID
	Key       []byte
}

type leafNode struct {
	id      page.PageID
	entries []leafEntry
}

type internalNode struct {
	id         page.PageID
	entries    []internalEntry
	rightChild page.PageID
}

func decodeNodeType(pg *page.Page) (nodeType, error) {
	if pg.CellCount() == 0 {
		return 0, fmt.Errorf("%w: page %d has no metadata cell", dberr.ErrCorruption, pg.PageID())
	}
	meta, err := pg.GetCell(0)
	if err != nil {
		return 0, err
	}
	if len(meta) == 0 {
		return 0, fmt.Errorf("%w: page %d has empty metadata cell", dberr.ErrCorruption, pg.PageID())
	}
	return nodeType(meta[0]), nil
}

// leafEntry cell layout: [key_len u16][key bytes][value bytes]. The value
// runs to the end of the cell, so no explicit value length is needed.
func encodeLeafEntry(e leafEntry) []byte {
	out := make([]byte, 2+len(e.Key)+len(e.Value))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(e.Key)))
	copy(out[2:2+len(e.Key)], e.Key)
	copy(out[2+len(e.Key):], e.Value)
	return out
}

func decodeLeafEntry(cell []byte) (leafEntry, error) {
	if len(cell) < 2 {
		return leafEntry{}, fmt.Errorf("%w: leaf cell too short", dberr.ErrCorruption)
	}
	klen := int(binary.LittleEndian.Uint16(cell[0:2]))
	if 2+klen > len(cell) {
		return leafEntry{}, fmt.Errorf("%w: leaf cell key length out of range", dberr.ErrCorruption)
	}
	key := append([]byte(nil), cell[2:2+klen]...)
	value := append([]byte(nil), cell[2+klen:]...)
	return leafEntry{Key: key, Value: value}, nil
}

// internalEntry cell layout: [left_child u64][key_len u16][key bytes].
func encodeInternalEntry(e internalEntry) []byte {
	out := make([]byte, 8+2+len(e.Key))
	binary.LittleEndian.PutUint64(out[0:8], uint64(e.LeftChild))
	binary.LittleEndian.PutUint16(out[8:10], uint16(len(e.Key)))
	copy(out[10:], e.Key)
	return out
}

func decodeInternalEntry(cell []byte) (internalEntry, error) {
	if len(cell) < 10 {
		return internalEntry{}, fmt.Errorf("%w: internal cell too short", dberr.ErrCorruption)
	}
	left := page.PageID(binary.LittleEndian.Uint64(cell[0:8]))
	klen := int(binary.LittleEndian.Uint16(cell[8:10]))
	if 10+klen != len(cell) {
		return internalEntry{}, fmt.Errorf("%w: internal cell key length out of range", dberr.ErrCorruption)
	}
	key := append([]byte(nil), cell[10:10+klen]...)
	return internalEntry{LeftChild: left, Key: key}, nil
}

func decodeLeaf(pg *page.Page) (*leafNode, error) {
	nt, err := decodeNodeType(pg)
	if err != nil {
		return nil, err
	}
	if nt != nodeLeaf {
		return nil, fmt.Errorf("%w: page %d is not a leaf node", dberr.ErrCorruption, pg.PageID())
	}
	n := &leafNode{id: pg.PageID()}
	for i := 1; i < pg.CellCount(); i++ {
		cell, err := pg.GetCell(i)
		if err != nil {
			return nil, err
		}
		e, err := decodeLeafEntry(cell)
		if err != nil {
			return nil, err
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

func (n *leafNode) toPage() (*page.Page, error) {
	cells := make([][]byte, 0, len(n.entries)+1)
	cells = append(cells, []byte{byte(nodeLeaf)})
	for _, e := range n.entries {
		cells = append(cells, encodeLeafEntry(e))
	}
	pg := page.New(n.id)
	if err := pg.RebuildFrom(cells); err != nil {
		return nil, err
	}
	return pg, nil
}

func decodeInternal(pg *page.Page) (*internalNode, error) {
	nt, err := decodeNodeType(pg)
	if err != nil {
		return nil, err
	}
	if nt != nodeInternal {
		return nil, fmt.Errorf("%w: page %d is not an internal node", dberr.ErrCorruption, pg.PageID())
	}
	meta, err := pg.GetCell(0)
	if err != nil {
		return nil, err
	}
	if len(meta) < 9 {
		return nil, fmt.Errorf("%w: internal metadata cell too short", dberr.ErrCorruption)
	}
	n := &internalNode{
		id:         pg.PageID(),
		rightChild: page.PageID(binary.LittleEndian.Uint64(meta[1:9])),
	}
	for i := 1; i < pg.CellCount(); i++ {
		cell, err := pg.GetCell(i)
		if err != nil {
			return nil, err
		}
		e, err := decodeInternalEntry(cell)
		if err != nil {
			return nil, err
		}
		n.entries = append(n.entries, e)
	}
	return n, nil
}

func (n *internalNode) toPage() (*page.Page, error) {
	meta := make([]byte, 9)
	meta[0] = byte(nodeInternal)
	binary.LittleEndian.PutUint64(meta[1:9], uint64(n.rightChild))

	cells := make([][]byte, 0, len(n.entries)+1)
	cells = append(cells, meta)
	for _, e := range n.entries {
		cells = append(cells, encodeInternalEntry(e))
	}
	pg := page.New(n.id)
	if err := pg.RebuildFrom(cells); err != nil {
		return nil, err
	}
	return pg, nil
}

// numChildren is len(entries)+1: every entry's LeftChild plus rightChild.
func (n *internalNode) numChildren() int { return len(n.entries) + 1 }

// childAt returns the i'th child (0-indexed, 0..numChildren()-1).
func (n *internalNode) childAt(i int) page.PageID {
	if i == len(n.entries) {
		return n.rightChild
	}
	return n.entries[i].LeftChild
}

// childIndexFor returns the index of the child subtree that may contain
// key, and that child's page id: the first entry whose Key is > key
// selects its LeftChild; if none qualifies, the rightChild is selected.
func (n *internalNode) childIndexFor(key []byte) (int, page.PageID) {
	for i, e := range n.entries {
		if less(key, e.Key) {
			return i, e.LeftChild
		}
	}
	return len(n.entries), n.rightChild
}

func less(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// serializedSize is the cell-directory byte footprint this node would
// occupy, used by underfull() to decide whether a node needs rebalancing.
func (n *leafNode) serializedSize() int {
	total := 2 + 2 + 1 // slot 0: ptr + len-prefix + node-type byte
	for _, e := range n.entries {
		total += 2 + 2 + len(encodeLeafEntry(e))
	}
	return total
}

func (n *internalNode) serializedSize() int {
	total := 2 + 2 + 9 // slot 0: ptr + len-prefix + metadata cell
	for _, e := range n.entries {
		total += 2 + 2 + len(encodeInternalEntry(e))
	}
	return total
}
