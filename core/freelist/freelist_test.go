package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/murodb/core/page"
)

func TestAllocateFreeIsLIFO(t *testing.T) {
	l := New()
	require.NoError(t, l.Free(1))
	require.NoError(t, l.Free(2))
	require.NoError(t, l.Free(3))

	id, ok := l.Allocate()
	require.True(t, ok)
	require.Equal(t, page.PageID(3), id)

	id, ok = l.Allocate()
	require.True(t, ok)
	require.Equal(t, page.PageID(2), id)
}

func TestAllocateEmpty(t *testing.T) {
	l := New()
	_, ok := l.Allocate()
	require.False(t, ok)
}

func TestDoubleFreeRejected(t *testing.T) {
	l := New()
	require.NoError(t, l.Free(5))
	err := l.Free(5)
	require.Error(t, err)
}

func TestSanitizeRemovesOutOfRangeAndDuplicates(t *testing.T) {
	l := FromIDs([]page.PageID{1, 2, 100, 2, 3})
	outOfRange, dup := l.Sanitize(10)
	require.Equal(t, 1, outOfRange)
	require.Equal(t, 1, dup)
	require.Equal(t, []page.PageID{1, 2, 3}, l.IDs())
}

func TestEncodeDecodeChainSinglePage(t *testing.T) {
	ids := []page.PageID{10, 20, 30}
	pages, err := EncodeChain(ids, []page.PageID{100})
	require.NoError(t, err)
	require.Len(t, pages, 1)

	store := map[page.PageID]*page.Page{100: pages[0]}
	loader := func(id page.PageID) (*page.Page, error) { return store[id], nil }

	loaded, err := LoadChain(loader, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, ids, loaded.IDs())
}

func TestEncodeDecodeChainMultiPage(t *testing.T) {
	ids := make([]page.PageID, MaxEntriesPerPage+5)
	for i := range ids {
		ids[i] = page.PageID(i + 1)
	}
	chainIDs := []page.PageID{500, 501}
	pages, err := EncodeChain(ids, chainIDs)
	require.NoError(t, err)
	require.Len(t, pages, 2)

	store := map[page.PageID]*page.Page{500: pages[0], 501: pages[1]}
	loader := func(id page.PageID) (*page.Page, error) { return store[id], nil }

	loaded, err := LoadChain(loader, 500, 1000)
	require.NoError(t, err)
	require.Equal(t, ids, loaded.IDs())
}

func TestLoadChainEmptyHead(t *testing.T) {
	loaded, err := LoadChain(nil, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.Len())
}

func TestLoadChainDetectsCycle(t *testing.T) {
	p1 := page.New(1)
	blob := make([]byte, 20)
	copy(blob[0:4], chainMagic)
	// next points back to itself
	blob[4] = 1
	require.NoError(t, p1.InsertCell(0, blob))

	store := map[page.PageID]*page.Page{1: p1}
	loader := func(id page.PageID) (*page.Page, error) { return store[id], nil }

	_, err := LoadChain(loader, 1, 10)
	require.Error(t, err)
}

func TestLoadChainLegacyFormat(t *testing.T) {
	p := page.New(7)
	ids := []page.PageID{1, 2, 3}
	blob := make([]byte, 8+8*len(ids))
	// count, little-endian
	blob[0] = byte(len(ids))
	for i, id := range ids {
		off := 8 + i*8
		blob[off] = byte(id)
	}
	require.NoError(t, p.InsertCell(0, blob))

	store := map[page.PageID]*page.Page{7: p}
	loader := func(id page.PageID) (*page.Page, error) { return store[id], nil }

	loaded, err := LoadChain(loader, 7, 100)
	require.NoError(t, err)
	require.Equal(t, ids, loaded.IDs())
}

func TestPagesNeeded(t *testing.T) {
	require.Equal(t, 0, PagesNeeded(0))
	require.Equal(t, 1, PagesNeeded(1))
	require.Equal(t, 1, PagesNeeded(MaxEntriesPerPage))
	require.Equal(t, 2, PagesNeeded(MaxEntriesPerPage+1))
}
