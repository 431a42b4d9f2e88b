// Package transaction implements the single-writer transaction model
// sitting on top of a Pager and a WAL writer: a dirty-page buffer, a
// speculative freelist delta, and the seven-step commit sequence that
// makes a transaction durable (spec.md §4.7).
package transaction

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/freelist"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/core/pager"
	"github.com/tokuhirom/murodb/core/wal"
	"github.com/tokuhirom/murodb/internal/logging"
)

// State is the transaction's own lifecycle, distinct from the WAL-visible
// per-txid state machine recovery re-derives from the log (core/recovery).
type State int

const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
	StateAborted // failed before wal.sync(); see dberr.ErrCommitAborted
	StateInDoubt // failed after wal.sync(); see dberr.ErrCommitInDoubt
)

// Transaction buffers one writer's changes until Commit. Nothing it does
// touches pg's real header, cache, or freelist until Commit reaches
// step 5; Rollback (or a failure before the WAL sync) discards everything
// buffered here and leaves pg untouched.
type Transaction struct {
	txid        uint64
	snapshotLSN uint64
	pg          *pager.Pager
	w           *wal.Writer
	log         *zap.Logger

	state State

	dirty         map[page.PageID]*page.Page
	freelistDelta *freelist.List // cloned from pg at Begin, mutated by Allocate/Free
	nextPageID    page.PageID    // speculative extension of pg.PageCount()

	catalogRoot page.PageID
	epoch       uint64
}

// Begin opens a new transaction against pg, writing through w. snapshotLSN
// is the WAL offset observed at begin time (w.CurrentLSN()); it has no
// effect on commit correctness today but is recorded for future isolation
// checks and diagnostics, matching Transaction::begin(next_txid,
// snapshot_lsn) in the source model.
func Begin(pg *pager.Pager, w *wal.Writer, txid uint64, logger *zap.Logger) *Transaction {
	return &Transaction{
		txid:          txid,
		snapshotLSN:   w.CurrentLSN(),
		pg:            pg,
		w:             w,
		log:           logging.OrDefault(logger),
		state:         StateActive,
		dirty:         make(map[page.PageID]*page.Page),
		freelistDelta: pg.FreelistSnapshot(),
		nextPageID:    page.PageID(pg.PageCount()),
		catalogRoot:   pg.CatalogRoot(),
		epoch:         pg.Epoch(),
	}
}

// TxID returns the transaction's id.
func (t *Transaction) TxID() uint64 { return t.txid }

// SnapshotLSN returns the WAL offset observed at Begin.
func (t *Transaction) SnapshotLSN() uint64 { return t.snapshotLSN }

// State reports the transaction's current lifecycle state.
func (t *Transaction) State() State { return t.state }

func (t *Transaction) requireActive() error {
	if t.state != StateActive {
		return fmt.Errorf("transaction %d is not active", t.txid)
	}
	return nil
}

// ReadPage returns the dirty image of id if this transaction has already
// written it, otherwise falls through to the Pager's committed image.
func (t *Transaction) ReadPage(id page.PageID) (*page.Page, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	if pg, ok := t.dirty[id]; ok {
		return pg.Clone(), nil
	}
	return t.pg.GetPage(id)
}

// WritePage stages pg into the dirty buffer. It is not visible to the
// Pager or to other sessions until Commit succeeds.
func (t *Transaction) WritePage(pg *page.Page) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	t.dirty[pg.PageID()] = pg.Clone()
	return nil
}

// AllocatePage reserves a page id: an existing freelist entry if one is
// available in this transaction's speculative view, otherwise a fresh id
// one past the highest currently known. The reservation is purely local
// until Commit; Rollback or a pre-sync failure discards it without ever
// having touched pg.PageCount.
func (t *Transaction) AllocatePage() (page.PageID, error) {
	if err := t.requireActive(); err != nil {
		return 0, err
	}
	if id, ok := t.freelistDelta.Allocate(); ok {
		return id, nil
	}
	id := t.nextPageID
	t.nextPageID++
	return id, nil
}

// FreePage stages id into the speculative freelist delta. It is applied
// to the real Pager freelist only as part of a successful Commit (step 7).
func (t *Transaction) FreePage(id page.PageID) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	return t.freelistDelta.Free(id)
}

// SetMeta stages a new catalog root and epoch for the pending MetaUpdate
// record. Page count and freelist head are always derived by Commit
// itself, since only it knows the post-freelist-serialization totals.
func (t *Transaction) SetMeta(catalogRoot page.PageID, epoch uint64) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	t.catalogRoot = catalogRoot
	t.epoch = epoch
	return nil
}

// Rollback discards the dirty buffer and the speculative freelist delta.
// It never touches the WAL or the Pager.
func (t *Transaction) Rollback() {
	if t.state != StateActive {
		return
	}
	t.state = StateRolledBack
	t.dirty = nil
	t.freelistDelta = nil
}

// Commit runs the seven-step commit sequence (spec.md §4.7). A failure
// returned before the WAL sync succeeds, including a failed sync, is
// dberr.ErrCommitAborted: the database is untouched and the transaction may
// be retried. A failure after the sync is dberr.ErrCommitInDoubt: the commit is durable in
// the WAL but applying it to the data file failed, and the caller must
// poison its owning session (core/concurrency) so a reopen triggers
// recovery to resolve the indeterminacy.
func (t *Transaction) Commit() error {
	if err := t.requireActive(); err != nil {
		return err
	}

	// Step 1: compute the post-commit freelist image and serialize it as
	// ordinary dirty pages, reusing existing chain page ids before
	// allocating fresh ones.
	ids := t.freelistDelta.IDs()
	needed := freelist.PagesNeeded(len(ids))
	chainIDs := t.pg.FreelistChainPageIDs()
	for len(chainIDs) < needed {
		chainIDs = append(chainIDs, t.nextPageID)
		t.nextPageID++
	}

	var freelistHead page.PageID
	if needed > 0 {
		chainIDs = chainIDs[:needed]
		pages, err := freelist.EncodeChain(ids, chainIDs)
		if err != nil {
			t.state = StateAborted
			return fmt.Errorf("%w: encode freelist chain: %v", dberr.ErrCommitAborted, err)
		}
		for _, pg := range pages {
			t.dirty[pg.PageID()] = pg
		}
		freelistHead = chainIDs[0]
	}

	finalPageCount := uint64(t.nextPageID)
	if finalPageCount < t.pg.PageCount() {
		finalPageCount = t.pg.PageCount()
	}

	// Step 2: assign the MetaUpdate that will carry the new header state.
	meta := wal.MetaUpdateRecord(t.txid, t.catalogRoot, finalPageCount, freelistHead, t.epoch)

	// Step 3: append Begin, PagePut*, MetaUpdate, Commit, in that order.
	// Any stable order across dirty pages is acceptable; sort by id for a
	// deterministic log.
	dirtyIDs := make([]page.PageID, 0, len(t.dirty))
	for id := range t.dirty {
		dirtyIDs = append(dirtyIDs, id)
	}
	sort.Slice(dirtyIDs, func(i, j int) bool { return dirtyIDs[i] < dirtyIDs[j] })

	if _, err := t.w.Append(wal.BeginRecord(t.txid)); err != nil {
		t.state = StateAborted
		return fmt.Errorf("%w: append begin: %v", dberr.ErrCommitAborted, err)
	}
	for _, id := range dirtyIDs {
		if _, err := t.w.Append(wal.PagePutRecord(t.txid, t.dirty[id])); err != nil {
			t.state = StateAborted
			return fmt.Errorf("%w: append page put: %v", dberr.ErrCommitAborted, err)
		}
	}
	if _, err := t.w.Append(meta); err != nil {
		t.state = StateAborted
		return fmt.Errorf("%w: append meta update: %v", dberr.ErrCommitAborted, err)
	}
	if _, err := t.w.Append(wal.Record{Tag: wal.TagCommit, TxID: t.txid}); err != nil {
		t.state = StateAborted
		return fmt.Errorf("%w: append commit: %v", dberr.ErrCommitAborted, err)
	}

	// Step 4: the commit point. Everything before this can be lost
	// without a trace; everything after it must survive a crash.
	if err := t.w.Sync(); err != nil {
		t.state = StateAborted
		return fmt.Errorf("%w: sync wal: %v", dberr.ErrCommitAborted, err)
	}

	// Step 5: apply dirty pages to the data file.
	for _, id := range dirtyIDs {
		if err := t.pg.WritePage(t.dirty[id]); err != nil {
			t.state = StateInDoubt
			return fmt.Errorf("%w: write page %d: %v", dberr.ErrCommitInDoubt, id, err)
		}
	}

	// Step 6: flush the header. The freelist chain was already written as
	// ordinary dirty pages above, so this writes the header fields
	// directly (FlushHeaderOnly) rather than re-deriving the chain from
	// the real in-memory freelist the way FlushMeta would: that freelist
	// isn't updated with this transaction's delta until step 7 below, and
	// re-deriving from it here would serialize a stale chain.
	nextTxID := t.pg.Header().NextTxID
	if t.txid >= nextTxID {
		nextTxID = t.txid + 1
	}
	t.pg.SetHeaderFields(t.catalogRoot, finalPageCount, t.epoch, freelistHead, nextTxID)
	if err := t.pg.FlushHeaderOnly(); err != nil {
		t.state = StateInDoubt
		return fmt.Errorf("%w: flush header: %v", dberr.ErrCommitInDoubt, err)
	}

	// Step 7: apply the speculative freelist delta to the real freelist.
	if err := t.pg.ReloadFreelistFromDisk(); err != nil {
		t.state = StateInDoubt
		return fmt.Errorf("%w: reload freelist: %v", dberr.ErrCommitInDoubt, err)
	}

	t.state = StateCommitted
	t.log.Info("transaction committed",
		zap.Uint64("txid", t.txid),
		zap.Int("dirty_pages", len(t.dirty)),
		zap.Uint64("page_count", finalPageCount))
	return nil
}
