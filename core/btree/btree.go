// Package btree implements the slotted-page B+tree that backs every index
// in murodb: primary/clustered trees keyed by primary key, unique secondary
// indexes keyed by indexed column(s), and non-unique secondary indexes
// keyed by indexed column(s) with the primary key appended (spec.md §4.8).
//
// Every node occupies exactly one page, decoded/encoded through
// core/page.Page.RebuildFrom. A tree is conservative about space
// reclamation: deletes merge or borrow only when a node's serialized size
// falls below a quarter of the page, and a root that collapses to a single
// child is the only structural shrink performed eagerly.
package btree

import (
	"bytes"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/core/pager"
)

// PageReader is the read surface a tree needs to search or scan: either a
// committed Pager (via FromPager) or an in-flight transaction, so a reader
// always sees its own uncommitted writes.
type PageReader interface {
	ReadPage(id page.PageID) (*page.Page, error)
}

// PageSource is the full read/write surface a tree needs to mutate itself.
// *transaction.Transaction satisfies this directly: every structural change
// a tree makes is staged in the transaction's dirty buffer and speculative
// freelist until the caller commits.
type PageSource interface {
	PageReader
	WritePage(pg *page.Page) error
	AllocatePage() (page.PageID, error)
	FreePage(id page.PageID) error
}

type pagerReader struct{ pg *pager.Pager }

func (r pagerReader) ReadPage(id page.PageID) (*page.Page, error) { return r.pg.GetPage(id) }

// FromPager adapts a committed Pager into a PageReader, for read-only tree
// access outside of an active transaction.
func FromPager(pg *pager.Pager) PageReader { return pagerReader{pg: pg} }

// noRoot is the sentinel Root value for an empty tree: page id 0 is always
// the database header page, so it can never be a real node.
const noRoot page.PageID = 0

// BTree is a handle to one tree's root page id. It holds no other state;
// all node data lives in pages reached through a PageReader/PageSource.
type BTree struct {
	Root page.PageID
}

// New wraps an existing root page id, or noRoot for a tree that is empty
// until the first Insert.
func New(root page.PageID) *BTree {
	return &BTree{Root: root}
}

// Search performs a point lookup, descending by separator interval and
// finishing with a linear scan of the target leaf.
func (t *BTree) Search(src PageReader, key []byte) ([]byte, bool, error) {
	if t.Root == noRoot {
		return nil, false, nil
	}
	id := t.Root
	for {
		pg, err := src.ReadPage(id)
		if err != nil {
			return nil, false, err
		}
		nt, err := decodeNodeType(pg)
		if err != nil {
			return nil, false, err
		}
		if nt == nodeLeaf {
			leaf, err := decodeLeaf(pg)
			if err != nil {
				return nil, false, err
			}
			for _, e := range leaf.entries {
				if bytes.Equal(e.Key, key) {
					return e.Value, true, nil
				}
			}
			return nil, false, nil
		}
		node, err := decodeInternal(pg)
		if err != nil {
			return nil, false, err
		}
		_, child := node.childIndexFor(key)
		id = child
	}
}

// Scan visits every entry in key order. fn returns false to stop early.
func (t *BTree) Scan(src PageReader, fn func(key, value []byte) (bool, error)) error {
	if t.Root == noRoot {
		return nil
	}
	_, err := scanNode(src, t.Root, nil, fn)
	return err
}

// ScanFrom visits every entry whose key is >= start, in key order, pruning
// subtrees whose separator proves every key they hold precedes start.
func (t *BTree) ScanFrom(src PageReader, start []byte, fn func(key, value []byte) (bool, error)) error {
	if t.Root == noRoot {
		return nil
	}
	_, err := scanNode(src, t.Root, start, fn)
	return err
}

func scanNode(src PageReader, id page.PageID, start []byte, fn func(key, value []byte) (bool, error)) (bool, error) {
	pg, err := src.ReadPage(id)
	if err != nil {
		return false, err
	}
	nt, err := decodeNodeType(pg)
	if err != nil {
		return false, err
	}
	if nt == nodeLeaf {
		leaf, err := decodeLeaf(pg)
		if err != nil {
			return false, err
		}
		for _, e := range leaf.entries {
			if start != nil && less(e.Key, start) {
				continue
			}
			cont, err := fn(e.Key, e.Value)
			if err != nil {
				return false, err
			}
			if !cont {
				return false, nil
			}
		}
		return true, nil
	}

	node, err := decodeInternal(pg)
	if err != nil {
		return false, err
	}
	for i := 0; i < node.numChildren(); i++ {
		if start != nil && i < len(node.entries) && !less(start, node.entries[i].Key) {
			// Every key in child i is < entries[i].Key <= start.
			continue
		}
		cont, err := scanNode(src, node.childAt(i), start, fn)
		if err != nil {
			return false, err
		}
		if !cont {
			return false, nil
		}
	}
	return true, nil
}

// splitResult is returned up the recursion when a child's page overflowed
// and had to split: Key is the separator promoted to the parent, NewPageID
// is the freshly allocated right half.
type splitResult struct {
	Key       []byte
	NewPageID page.PageID
}

// Insert adds or overwrites the value stored under key, splitting nodes
// from the leaf up as needed and growing a new root when the existing root
// splits.
func (t *BTree) Insert(src PageSource, key, value []byte) error {
	if t.Root == noRoot {
		id, err := src.AllocatePage()
		if err != nil {
			return err
		}
		leaf := &leafNode{id: id, entries: []leafEntry{{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}}}
		if err := writeLeaf(src, leaf); err != nil {
			return err
		}
		t.Root = id
		return nil
	}

	sub, err := insertRec(src, t.Root, key, value)
	if err != nil {
		return err
	}
	if sub != nil {
		newRootID, err := src.AllocatePage()
		if err != nil {
			return err
		}
		newRoot := &internalNode{
			id:         newRootID,
			entries:    []internalEntry{{LeftChild: t.Root, Key: sub.Key}},
			rightChild: sub.NewPageID,
		}
		if err := writeInternal(src, newRoot); err != nil {
			return err
		}
		t.Root = newRootID
	}
	return nil
}

func insertRec(src PageSource, id page.PageID, key, value []byte) (*splitResult, error) {
	pg, err := src.ReadPage(id)
	if err != nil {
		return nil, err
	}
	nt, err := decodeNodeType(pg)
	if err != nil {
		return nil, err
	}

	if nt == nodeLeaf {
		leaf, err := decodeLeaf(pg)
		if err != nil {
			return nil, err
		}
		upsertLeafEntry(leaf, leafEntry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		return writeOrSplitLeaf(src, leaf)
	}

	node, err := decodeInternal(pg)
	if err != nil {
		return nil, err
	}
	idx, childID := node.childIndexFor(key)
	sub, err := insertRec(src, childID, key, value)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	spliceSplitChild(node, idx, childID, sub)
	return writeOrSplitInternal(src, node)
}

// upsertLeafEntry inserts e in sorted position, or replaces the existing
// entry with an equal key.
func upsertLeafEntry(leaf *leafNode, e leafEntry) {
	for i, ex := range leaf.entries {
		if bytes.Equal(ex.Key, e.Key) {
			leaf.entries[i] = e
			return
		}
		if less(e.Key, ex.Key) {
			leaf.entries = append(leaf.entries, leafEntry{})
			copy(leaf.entries[i+1:], leaf.entries[i:])
			leaf.entries[i] = e
			return
		}
	}
	leaf.entries = append(leaf.entries, e)
}

func writeOrSplitLeaf(src PageSource, leaf *leafNode) (*splitResult, error) {
	if pg, err := leaf.toPage(); err == nil {
		return nil, src.WritePage(pg)
	}

	mid := len(leaf.entries) / 2
	if mid == 0 {
		return nil, fmt.Errorf("%w: leaf entry too large to split", dberr.ErrCorruption)
	}
	leftEntries := leaf.entries[:mid]
	rightEntries := append([]leafEntry(nil), leaf.entries[mid:]...)

	newID, err := src.AllocatePage()
	if err != nil {
		return nil, err
	}
	left := &leafNode{id: leaf.id, entries: leftEntries}
	right := &leafNode{id: newID, entries: rightEntries}
	if err := writeLeaf(src, left); err != nil {
		return nil, err
	}
	if err := writeLeaf(src, right); err != nil {
		return nil, err
	}
	return &splitResult{Key: right.entries[0].Key, NewPageID: newID}, nil
}

// spliceSplitChild inserts the new right half produced by a child split
// into node's entries, at the position the old, now-left-half child
// occupied (spec.md §4.8): child idx becomes two children, childID (left
// half) then sub.NewPageID (right half), separated by sub.Key.
func spliceSplitChild(node *internalNode, idx int, childID page.PageID, sub *splitResult) {
	if idx == len(node.entries) {
		node.entries = append(node.entries, internalEntry{LeftChild: childID, Key: sub.Key})
		node.rightChild = sub.NewPageID
		return
	}
	old := node.entries[idx]
	newEntries := make([]internalEntry, 0, len(node.entries)+1)
	newEntries = append(newEntries, node.entries[:idx]...)
	newEntries = append(newEntries, internalEntry{LeftChild: childID, Key: sub.Key})
	newEntries = append(newEntries, internalEntry{LeftChild: sub.NewPageID, Key: old.Key})
	newEntries = append(newEntries, node.entries[idx+1:]...)
	node.entries = newEntries
}

func writeOrSplitInternal(src PageSource, node *internalNode) (*splitResult, error) {
	if pg, err := node.toPage(); err == nil {
		return nil, src.WritePage(pg)
	}

	mid := len(node.entries) / 2
	promoted := node.entries[mid]
	leftEntries := append([]internalEntry(nil), node.entries[:mid]...)
	rightEntries := append([]internalEntry(nil), node.entries[mid+1:]...)

	newID, err := src.AllocatePage()
	if err != nil {
		return nil, err
	}
	left := &internalNode{id: node.id, entries: leftEntries, rightChild: promoted.LeftChild}
	right := &internalNode{id: newID, entries: rightEntries, rightChild: node.rightChild}
	if err := writeInternal(src, left); err != nil {
		return nil, err
	}
	if err := writeInternal(src, right); err != nil {
		return nil, err
	}
	return &splitResult{Key: promoted.Key, NewPageID: newID}, nil
}

// Delete removes key if present, reporting whether it was found. Underfull
// nodes are merged or rebalanced with a sibling on the way back up; an
// internal root left with no separator entries (a single child) is replaced
// by that child.
func (t *BTree) Delete(src PageSource, key []byte) (bool, error) {
	if t.Root == noRoot {
		return false, nil
	}
	removed, err := deleteRec(src, t.Root, key)
	if err != nil || !removed {
		return removed, err
	}

	pg, err := src.ReadPage(t.Root)
	if err != nil {
		return true, err
	}
	nt, err := decodeNodeType(pg)
	if err != nil {
		return true, err
	}
	if nt == nodeInternal {
		node, err := decodeInternal(pg)
		if err != nil {
			return true, err
		}
		if len(node.entries) == 0 {
			oldRoot := t.Root
			t.Root = node.rightChild
			if err := src.FreePage(oldRoot); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

func deleteRec(src PageSource, id page.PageID, key []byte) (bool, error) {
	pg, err := src.ReadPage(id)
	if err != nil {
		return false, err
	}
	nt, err := decodeNodeType(pg)
	if err != nil {
		return false, err
	}

	if nt == nodeLeaf {
		leaf, err := decodeLeaf(pg)
		if err != nil {
			return false, err
		}
		idx := -1
		for i, e := range leaf.entries {
			if bytes.Equal(e.Key, key) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return false, nil
		}
		leaf.entries = append(leaf.entries[:idx], leaf.entries[idx+1:]...)
		if err := writeLeaf(src, leaf); err != nil {
			return false, err
		}
		return true, nil
	}

	node, err := decodeInternal(pg)
	if err != nil {
		return false, err
	}
	idx, childID := node.childIndexFor(key)
	removed, err := deleteRec(src, childID, key)
	if err != nil || !removed {
		return removed, err
	}

	childPg, err := src.ReadPage(childID)
	if err != nil {
		return true, err
	}
	childNT, err := decodeNodeType(childPg)
	if err != nil {
		return true, err
	}
	var childUnderfull bool
	switch childNT {
	case nodeLeaf:
		ln, err := decodeLeaf(childPg)
		if err != nil {
			return true, err
		}
		childUnderfull = underfull(ln.serializedSize())
	case nodeInternal:
		in, err := decodeInternal(childPg)
		if err != nil {
			return true, err
		}
		childUnderfull = underfull(in.serializedSize())
	}

	if childUnderfull {
		if err := rebalance(src, node, idx); err != nil {
			return true, err
		}
	}
	if err := writeInternal(src, node); err != nil {
		return true, err
	}
	return true, nil
}

// underfull reports whether a serialized node's cell-directory footprint
// has fallen below a quarter of the page, the threshold at which a delete
// triggers a borrow or merge.
func underfull(size int) bool { return size < page.Size/4 }

func writeLeaf(src PageSource, n *leafNode) error {
	pg, err := n.toPage()
	if err != nil {
		return err
	}
	return src.WritePage(pg)
}

func writeInternal(src PageSource, n *internalNode) error {
	pg, err := n.toPage()
	if err != nil {
		return err
	}
	return src.WritePage(pg)
}

// rebalance repairs an underfull child at index idx of parent: it first
// tries to borrow a single entry from a sibling that can spare one without
// itself becoming underfull, and merges with a sibling only if neither can.
func rebalance(src PageSource, parent *internalNode, idx int) error {
	childID := parent.childAt(idx)
	childPg, err := src.ReadPage(childID)
	if err != nil {
		return err
	}
	nt, err := decodeNodeType(childPg)
	if err != nil {
		return err
	}

	hasLeft := idx > 0
	hasRight := idx < len(parent.entries)

	switch nt {
	case nodeLeaf:
		child, err := decodeLeaf(childPg)
		if err != nil {
			return err
		}
		if hasLeft {
			left, err := readLeafAt(src, parent, idx-1)
			if err != nil {
				return err
			}
			if len(left.entries) > 0 && !underfull(left.serializedSize()-leafEntryFootprint(left.entries[len(left.entries)-1])) {
				borrowLeafFromLeft(parent, idx, left, child)
				if err := writeLeaf(src, left); err != nil {
					return err
				}
				return writeLeaf(src, child)
			}
		}
		if hasRight {
			right, err := readLeafAt(src, parent, idx+1)
			if err != nil {
				return err
			}
			if len(right.entries) > 0 && !underfull(right.serializedSize()-leafEntryFootprint(right.entries[0])) {
				borrowLeafFromRight(parent, idx, child, right)
				if err := writeLeaf(src, child); err != nil {
					return err
				}
				return writeLeaf(src, right)
			}
		}
		if hasLeft {
			leftID := parent.childAt(idx - 1)
			left, err := readLeafAt(src, parent, idx-1)
			if err != nil {
				return err
			}
			merged := &leafNode{id: leftID, entries: append(left.entries, child.entries...)}
			if err := writeLeaf(src, merged); err != nil {
				return err
			}
			if err := src.FreePage(childID); err != nil {
				return err
			}
			spliceMergeChildren(parent, idx-1, leftID)
			return nil
		}
		rightID := parent.childAt(idx + 1)
		right, err := readLeafAt(src, parent, idx+1)
		if err != nil {
			return err
		}
		merged := &leafNode{id: childID, entries: append(child.entries, right.entries...)}
		if err := writeLeaf(src, merged); err != nil {
			return err
		}
		if err := src.FreePage(rightID); err != nil {
			return err
		}
		spliceMergeChildren(parent, idx, childID)
		return nil

	case nodeInternal:
		child, err := decodeInternal(childPg)
		if err != nil {
			return err
		}
		if hasLeft {
			left, err := readInternalAt(src, parent, idx-1)
			if err != nil {
				return err
			}
			if len(left.entries) > 0 && !underfull(left.serializedSize()-internalEntryFootprint(left.entries[len(left.entries)-1])) {
				borrowInternalFromLeft(parent, idx, left, child)
				if err := writeInternal(src, left); err != nil {
					return err
				}
				return writeInternal(src, child)
			}
		}
		if hasRight {
			right, err := readInternalAt(src, parent, idx+1)
			if err != nil {
				return err
			}
			if len(right.entries) > 0 && !underfull(right.serializedSize()-internalEntryFootprint(right.entries[0])) {
				borrowInternalFromRight(parent, idx, child, right)
				if err := writeInternal(src, child); err != nil {
					return err
				}
				return writeInternal(src, right)
			}
		}
		if hasLeft {
			leftID := parent.childAt(idx - 1)
			left, err := readInternalAt(src, parent, idx-1)
			if err != nil {
				return err
			}
			combined := append(append([]internalEntry(nil), left.entries...),
				internalEntry{LeftChild: left.rightChild, Key: parent.entries[idx-1].Key})
			combined = append(combined, child.entries...)
			merged := &internalNode{id: leftID, entries: combined, rightChild: child.rightChild}
			if err := writeInternal(src, merged); err != nil {
				return err
			}
			if err := src.FreePage(childID); err != nil {
				return err
			}
			spliceMergeChildren(parent, idx-1, leftID)
			return nil
		}
		rightID := parent.childAt(idx + 1)
		right, err := readInternalAt(src, parent, idx+1)
		if err != nil {
			return err
		}
		combined := append(append([]internalEntry(nil), child.entries...),
			internalEntry{LeftChild: child.rightChild, Key: parent.entries[idx].Key})
		combined = append(combined, right.entries...)
		merged := &internalNode{id: childID, entries: combined, rightChild: right.rightChild}
		if err := writeInternal(src, merged); err != nil {
			return err
		}
		if err := src.FreePage(rightID); err != nil {
			return err
		}
		spliceMergeChildren(parent, idx, childID)
		return nil
	}

	return fmt.Errorf("%w: unknown node type for page %d", dberr.ErrCorruption, childID)
}

func readLeafAt(src PageSource, parent *internalNode, i int) (*leafNode, error) {
	pg, err := src.ReadPage(parent.childAt(i))
	if err != nil {
		return nil, err
	}
	return decodeLeaf(pg)
}

func readInternalAt(src PageSource, parent *internalNode, i int) (*internalNode, error) {
	pg, err := src.ReadPage(parent.childAt(i))
	if err != nil {
		return nil, err
	}
	return decodeInternal(pg)
}

func leafEntryFootprint(e leafEntry) int         { return 2 + 2 + len(encodeLeafEntry(e)) }
func internalEntryFootprint(e internalEntry) int { return 2 + 2 + len(encodeInternalEntry(e)) }

// spliceMergeChildren folds the pair of children separated by parent's
// entry at index i into the single surviving node id leftID: if i is the
// parent's last entry, the merged node becomes the new rightChild;
// otherwise the separator at i is replaced by the one that used to follow
// it, and that following entry is dropped.
func spliceMergeChildren(parent *internalNode, i int, leftID page.PageID) {
	if i == len(parent.entries)-1 {
		parent.entries = parent.entries[:i]
		parent.rightChild = leftID
		return
	}
	parent.entries[i] = internalEntry{LeftChild: leftID, Key: parent.entries[i+1].Key}
	parent.entries = append(parent.entries[:i+1], parent.entries[i+2:]...)
}

// borrowLeafFromLeft moves left's last entry to become child's new first
// entry, and updates the separator between them.
func borrowLeafFromLeft(parent *internalNode, idx int, left, child *leafNode) {
	n := len(left.entries)
	moved := left.entries[n-1]
	left.entries = left.entries[:n-1]
	child.entries = append([]leafEntry{moved}, child.entries...)
	parent.entries[idx-1].Key = child.entries[0].Key
}

// borrowLeafFromRight moves right's first entry to become child's new last
// entry, and updates the separator between them.
func borrowLeafFromRight(parent *internalNode, idx int, child, right *leafNode) {
	moved := right.entries[0]
	right.entries = right.entries[1:]
	child.entries = append(child.entries, moved)
	parent.entries[idx].Key = right.entries[0].Key
}

// borrowInternalFromLeft rotates left's last child through the parent
// separator into child's new first entry.
func borrowInternalFromLeft(parent *internalNode, idx int, left, child *internalNode) {
	n := len(left.entries)
	lastEntry := left.entries[n-1]
	left.entries = left.entries[:n-1]
	newEntry := internalEntry{LeftChild: left.rightChild, Key: parent.entries[idx-1].Key}
	child.entries = append([]internalEntry{newEntry}, child.entries...)
	left.rightChild = lastEntry.LeftChild
	parent.entries[idx-1].Key = lastEntry.Key
}

// borrowInternalFromRight rotates right's first child through the parent
// separator into child's new last entry.
func borrowInternalFromRight(parent *internalNode, idx int, child, right *internalNode) {
	firstEntry := right.entries[0]
	newEntry := internalEntry{LeftChild: child.rightChild, Key: parent.entries[idx].Key}
	child.entries = append(child.entries, newEntry)
	child.rightChild = firstEntry.LeftChild
	right.entries = right.entries[1:]
	parent.entries[idx].Key = firstEntry.Key
}
