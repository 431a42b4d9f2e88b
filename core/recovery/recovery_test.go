package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/core/pager"
	"github.com/tokuhirom/murodb/core/wal"
)

func newTestPager(t *testing.T) (*pager.Pager, string) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.murodb")
	p, err := pager.Create(pager.Options{Path: dbPath}, cipher.SuitePlaintext)
	require.NoError(t, err)
	return p, filepath.Join(dir, "test.wal")
}

func writeCommittedTxn(t *testing.T, w *wal.Writer, txid uint64, pg *page.Page, catalogRoot page.PageID, pageCount uint64) {
	_, err := w.Append(wal.BeginRecord(txid))
	require.NoError(t, err)
	_, err = w.Append(wal.PagePutRecord(txid, pg))
	require.NoError(t, err)
	_, err = w.Append(wal.MetaUpdateRecord(txid, catalogRoot, pageCount, 0, 0))
	require.NoError(t, err)
	_, err = w.Append(wal.Record{Tag: wal.TagCommit, TxID: txid})
	require.NoError(t, err)
}

func TestRecoveryReplaysCommittedTransaction(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)

	id := p.AllocatePageID()
	pg := page.New(id)
	require.NoError(t, pg.InsertCell(0, []byte("committed data")))
	writeCommittedTxn(t, w, 1, pg, id, 2)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	report, err := Run(p, walPath, ModeStrict, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, report.CommittedTxIDs)
	require.Empty(t, report.Skipped)
	require.False(t, report.Quarantined)

	got, err := p.GetPage(id)
	require.NoError(t, err)
	c, err := got.GetCell(0)
	require.NoError(t, err)
	require.Equal(t, "committed data", string(c))
	require.Equal(t, id, p.CatalogRoot())
}

func TestRecoveryDiscardsUncommittedActiveTransaction(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.BeginRecord(7))
	require.NoError(t, err)
	id := p.AllocatePageID()
	_, err = w.Append(wal.PagePutRecord(7, page.New(id)))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	report, err := Run(p, walPath, ModeStrict, nil)
	require.NoError(t, err)
	require.Empty(t, report.CommittedTxIDs)
	require.Empty(t, report.Skipped)
}

func TestStrictModeFailsOnRejection(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	id := p.AllocatePageID()
	// PagePut without a preceding Begin: RecordBeforeBegin.
	_, err = w.Append(wal.PagePutRecord(99, page.New(id)))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	_, err = Run(p, walPath, ModeStrict, nil)
	require.Error(t, err)
}

func TestPermissiveModeSkipsAndQuarantines(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)

	id1 := p.AllocatePageID()
	pg1 := page.New(id1)
	require.NoError(t, pg1.InsertCell(0, []byte("X")))
	writeCommittedTxn(t, w, 1, pg1, id1, 2)

	// txid 2: PagePut with no Begin.
	id2 := p.AllocatePageID()
	_, err = w.Append(wal.PagePutRecord(2, page.New(id2)))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	report, err := Run(p, walPath, ModePermissive, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, report.CommittedTxIDs)
	require.Len(t, report.Skipped, 1)
	require.Equal(t, uint64(2), report.Skipped[0].TxID)
	require.True(t, report.Quarantined)

	_, err = os.Stat(report.QuarantinePath)
	require.NoError(t, err)
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.Equal(t, int64(wal.HeaderSize), info.Size())

	got, err := p.GetPage(id1)
	require.NoError(t, err)
	c, _ := got.GetCell(0)
	require.Equal(t, "X", string(c))
}

func TestRecoveryIsIdempotent(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	id := p.AllocatePageID()
	pg := page.New(id)
	require.NoError(t, pg.InsertCell(0, []byte("v1")))
	writeCommittedTxn(t, w, 1, pg, id, 2)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	_, err = Run(p, walPath, ModeStrict, nil)
	require.NoError(t, err)
	headerAfterFirst := p.Header()

	w2, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	report2, err := Run(p, walPath, ModeStrict, nil)
	require.NoError(t, err)
	require.Empty(t, report2.CommittedTxIDs)
	require.Equal(t, headerAfterFirst, p.Header())
}

func TestDuplicateBeginRejected(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.BeginRecord(5))
	require.NoError(t, err)
	_, err = w.Append(wal.BeginRecord(5))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	_, err = Run(p, walPath, ModeStrict, nil)
	require.Error(t, err)

	report, err := Run(p, walPath, ModePermissive, nil)
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
	require.Equal(t, uint64(5), report.Skipped[0].TxID)
}

func TestCommitWithoutMetaUpdateRejected(t *testing.T) {
	p, walPath := newTestPager(t)
	defer p.Close()

	w, err := wal.NewWriter(walPath, p.Cipher(), nil)
	require.NoError(t, err)
	_, err = w.Append(wal.BeginRecord(1))
	require.NoError(t, err)
	_, err = w.Append(wal.Record{Tag: wal.TagCommit, TxID: 1})
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	report, err := Run(p, walPath, ModePermissive, nil)
	require.NoError(t, err)
	require.Len(t, report.Skipped, 1)
}
