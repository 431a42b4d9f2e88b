package transaction

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/core/pager"
	"github.com/tokuhirom/murodb/core/wal"
)

func newFixture(t *testing.T) (*pager.Pager, *wal.Writer) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.murodb")
	p, err := pager.Create(pager.Options{Path: dbPath}, cipher.SuitePlaintext)
	require.NoError(t, err)
	w, err := wal.NewWriter(filepath.Join(dir, "test.wal"), p.Cipher(), nil)
	require.NoError(t, err)
	return p, w
}

func TestCommitAppliesDirtyPagesAndMeta(t *testing.T) {
	p, w := newFixture(t)
	defer p.Close()
	defer w.Close()

	txid := p.NextTxID()
	txn := Begin(p, w, txid, nil)

	id, err := txn.AllocatePage()
	require.NoError(t, err)
	pg := page.New(id)
	require.NoError(t, pg.InsertCell(0, []byte("hello")))
	require.NoError(t, txn.WritePage(pg))
	require.NoError(t, txn.SetMeta(id, p.Epoch()))

	require.NoError(t, txn.Commit())
	require.Equal(t, StateCommitted, txn.State())

	got, err := p.GetPage(id)
	require.NoError(t, err)
	cell, err := got.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(cell))
	require.Equal(t, id, p.CatalogRoot())
}

func TestReadPageSeesOwnDirtyWriteBeforeCommit(t *testing.T) {
	p, w := newFixture(t)
	defer p.Close()
	defer w.Close()

	txn := Begin(p, w, p.NextTxID(), nil)
	id, err := txn.AllocatePage()
	require.NoError(t, err)
	pg := page.New(id)
	require.NoError(t, pg.InsertCell(0, []byte("staged")))
	require.NoError(t, txn.WritePage(pg))

	back, err := txn.ReadPage(id)
	require.NoError(t, err)
	cell, err := back.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "staged", string(cell))

	// Not visible through the Pager yet: page id is out of range until
	// commit extends page_count.
	_, err = p.GetPage(id)
	require.ErrorIs(t, err, dberr.ErrOutOfRange)
}

func TestRollbackLeavesPagerUntouched(t *testing.T) {
	p, w := newFixture(t)
	defer p.Close()
	defer w.Close()

	txid := p.NextTxID()
	headerBefore := p.Header()

	txn := Begin(p, w, txid, nil)
	id, err := txn.AllocatePage()
	require.NoError(t, err)
	pg := page.New(id)
	require.NoError(t, pg.InsertCell(0, []byte("doomed")))
	require.NoError(t, txn.WritePage(pg))
	txn.Rollback()

	require.Equal(t, headerBefore, p.Header())
	require.Equal(t, uint64(0), w.CurrentLSN()-uint64(wal.HeaderSize))

	err = txn.WritePage(pg)
	require.Error(t, err)
}

func TestFreedPageIsReusedLIFOAfterCommit(t *testing.T) {
	p, w := newFixture(t)
	defer p.Close()
	defer w.Close()

	var allocated []page.PageID
	txn := Begin(p, w, p.NextTxID(), nil)
	for i := 0; i < 3; i++ {
		id, err := txn.AllocatePage()
		require.NoError(t, err)
		pg := page.New(id)
		require.NoError(t, txn.WritePage(pg))
		allocated = append(allocated, id)
	}
	require.NoError(t, txn.SetMeta(p.CatalogRoot(), p.Epoch()))
	require.NoError(t, txn.Commit())

	pageCountAfterAlloc := p.PageCount()

	txn2 := Begin(p, w, p.NextTxID(), nil)
	require.NoError(t, txn2.FreePage(allocated[2]))
	require.NoError(t, txn2.FreePage(allocated[0]))
	require.NoError(t, txn2.SetMeta(p.CatalogRoot(), p.Epoch()))
	require.NoError(t, txn2.Commit())

	require.Equal(t, pageCountAfterAlloc, p.PageCount())

	txn3 := Begin(p, w, p.NextTxID(), nil)
	first, err := txn3.AllocatePage()
	require.NoError(t, err)
	second, err := txn3.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, allocated[0], first)
	require.Equal(t, allocated[2], second)
}

func TestCommitAfterActiveRejected(t *testing.T) {
	p, w := newFixture(t)
	defer p.Close()
	defer w.Close()

	txn := Begin(p, w, p.NextTxID(), nil)
	require.NoError(t, txn.Commit())
	require.Error(t, txn.Commit())
}
