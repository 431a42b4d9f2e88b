// Package recovery implements the per-transaction WAL validation state
// machine and idempotent replay into the Pager (spec.md §4.6).
package recovery

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
	"github.com/tokuhirom/murodb/core/pager"
	"github.com/tokuhirom/murodb/core/wal"
	"github.com/tokuhirom/murodb/internal/logging"
)

// Mode selects how recovery reacts to a validation rejection.
type Mode int

const (
	// ModeStrict fails Run on the first rejection.
	ModeStrict Mode = iota
	// ModePermissive records the rejection and continues with the
	// remaining valid transactions.
	ModePermissive
)

// SkippedTxn records one transaction recovery could not accept, in
// permissive mode.
type SkippedTxn struct {
	TxID uint64
	Code dberr.RejectionCode
}

// Report summarizes one recovery run.
type Report struct {
	CommittedTxIDs []uint64
	Skipped        []SkippedTxn
	Quarantined    bool
	QuarantinePath string
}

// txnRecord tracks one in-progress transaction's state-machine progress
// while scanning the WAL (spec.md §4.6's {Pending, Active, Terminal}
// machine; Pending is simply "absent from the map").
type txnRecord struct {
	active    bool
	terminal  bool
	committed bool
	sawMeta   bool
	meta      wal.Record
	pages     map[page.PageID]*page.Page
}

// Run scans walPath's frames, validates each transaction's record
// sequence, and replays every committed transaction's page writes into pg
// in commit order, then truncates the WAL back to its header (or, when any
// transaction was skipped, quarantines it and starts a fresh one). Run is
// idempotent: replaying the same WAL twice against
// the same pager state produces the same final header and page contents,
// since committed writes are plain overwrites and skipped/discarded
// transactions never touch the pager.
func Run(pg *pager.Pager, walPath string, mode Mode, logger *zap.Logger) (*Report, error) {
	log := logging.OrDefault(logger)

	reader, err := wal.NewReader(walPath, pg.Cipher())
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	txns := make(map[uint64]*txnRecord)
	rejected := make(map[uint64]bool)
	var committedOrder []uint64
	report := &Report{}

readLoop:
	for {
		lsn, rec, err := reader.Next()
		switch {
		case err == nil:
			// fall through to processing below
		case errors.Is(err, io.EOF):
			break readLoop
		case errors.Is(err, wal.ErrMidLogCorruption):
			if mode == ModeStrict {
				return nil, err
			}
			report.Skipped = append(report.Skipped, SkippedTxn{TxID: 0, Code: dberr.FrameIntegrity})
			break readLoop
		default:
			return nil, err
		}

		if rejected[rec.TxID] {
			continue
		}

		code, isRejection := applyRecord(txns, rec, lsn, &committedOrder)
		if isRejection {
			if mode == ModeStrict {
				return nil, &dberr.RecoveryRejectionError{TxID: rec.TxID, Code: code}
			}
			report.Skipped = append(report.Skipped, SkippedTxn{TxID: rec.TxID, Code: code})
			rejected[rec.TxID] = true
		}
	}

	if err := replay(pg, txns, committedOrder, report); err != nil {
		return nil, err
	}

	if len(report.Skipped) > 0 {
		qpath, err := quarantine(walPath, log)
		if err != nil {
			return nil, err
		}
		report.Quarantined = true
		report.QuarantinePath = qpath

		w, err := wal.NewWriter(walPath, pg.Cipher(), log)
		if err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	} else {
		w, err := wal.NewWriter(walPath, pg.Cipher(), log)
		if err != nil {
			return nil, err
		}
		if err := w.CheckpointTruncate(); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	for _, s := range report.Skipped {
		log.Warn("recovery skipped transaction", zap.Uint64("txid", s.TxID), zap.String("code", string(s.Code)))
	}
	log.Info("recovery complete",
		zap.Int("committed", len(report.CommittedTxIDs)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Bool("quarantined", report.Quarantined))

	return report, nil
}

// applyRecord advances the state machine for rec.TxID by one record,
// returning a rejection code if the transition is invalid.
func applyRecord(txns map[uint64]*txnRecord, rec wal.Record, lsn uint64, committedOrder *[]uint64) (dberr.RejectionCode, bool) {
	t := txns[rec.TxID]

	switch rec.Tag {
	case wal.TagBegin:
		switch {
		case t == nil:
			txns[rec.TxID] = &txnRecord{active: true, pages: make(map[page.PageID]*page.Page)}
		case t.terminal:
			return dberr.RecordAfterTerminal, true
		default:
			// A second Begin while still Active isn't reachable from a
			// well-formed writer; reject it rather than tolerate it as a
			// no-op.
			return dberr.DuplicateBegin, true
		}
		return "", false

	case wal.TagPagePut:
		if t == nil {
			return dberr.RecordBeforeBegin, true
		}
		if t.terminal {
			return dberr.RecordAfterTerminal, true
		}
		pg, err := page.FromBytes(rec.PageImage)
		if err != nil || pg.PageID() != rec.PageID {
			return dberr.PagePutIDMismatch, true
		}
		t.pages[rec.PageID] = pg
		return "", false

	case wal.TagMetaUpdate:
		if t == nil {
			return dberr.RecordBeforeBegin, true
		}
		if t.terminal {
			return dberr.RecordAfterTerminal, true
		}
		t.sawMeta = true
		t.meta = rec
		return "", false

	case wal.TagCommit:
		if t == nil {
			return dberr.RecordBeforeBegin, true
		}
		if t.terminal {
			return dberr.DuplicateTerminal, true
		}
		if !t.sawMeta {
			return dberr.CommitWithoutMetaUpdate, true
		}
		if rec.CommitLSN != lsn {
			return dberr.CommitLsnMismatch, true
		}
		t.active = false
		t.terminal = true
		t.committed = true
		*committedOrder = append(*committedOrder, rec.TxID)
		return "", false

	case wal.TagAbort:
		if t == nil {
			return dberr.RecordBeforeBegin, true
		}
		if t.terminal {
			return dberr.DuplicateTerminal, true
		}
		t.active = false
		t.terminal = true
		return "", false

	default:
		return dberr.FrameIntegrity, true
	}
}

// replay applies every committed transaction's pages to pg in commit
// order (later commits override earlier ones on the same page
// automatically, since WritePage is a plain overwrite), then sets the
// header wholesale from the commit-ordered last MetaUpdate. Transactions
// still Active at stream end are discarded silently (spec.md §4.6).
func replay(pg *pager.Pager, txns map[uint64]*txnRecord, committedOrder []uint64, report *Report) error {
	var maxTouched page.PageID
	var lastMeta *wal.Record
	var maxTxID uint64

	for txid := range txns {
		if txid > maxTxID {
			maxTxID = txid
		}
	}

	for _, txid := range committedOrder {
		t := txns[txid]
		for id, pg2 := range t.pages {
			if err := pg.WritePage(pg2); err != nil {
				return err
			}
			if id > maxTouched {
				maxTouched = id
			}
		}
		meta := t.meta
		lastMeta = &meta
		report.CommittedTxIDs = append(report.CommittedTxIDs, txid)
	}

	if lastMeta == nil {
		return nil
	}

	finalPageCount := pg.PageCount()
	if lastMeta.PageCount > finalPageCount {
		finalPageCount = lastMeta.PageCount
	}
	if uint64(maxTouched)+1 > finalPageCount {
		finalPageCount = uint64(maxTouched) + 1
	}

	nextTxID := pg.Header().NextTxID
	if maxTxID+1 > nextTxID {
		nextTxID = maxTxID + 1
	}

	pg.SetHeaderFields(lastMeta.CatalogRoot, finalPageCount, lastMeta.Epoch, lastMeta.FreelistHead, nextTxID)
	if err := pg.FlushHeaderOnly(); err != nil {
		return err
	}
	return pg.ReloadFreelistFromDisk()
}

// quarantine renames walPath out of the way so a fresh header-only WAL can
// take its place (spec.md §4.6).
func quarantine(walPath string, log *zap.Logger) (string, error) {
	dest := fmt.Sprintf("%s.quarantine.%d.%d", walPath, time.Now().Unix(), os.Getpid())
	if err := os.Rename(walPath, dest); err != nil {
		return "", fmt.Errorf("%w: quarantine wal: %v", dberr.ErrIO, err)
	}
	log.Warn("quarantined wal after recovery rejections", zap.String("path", dest))
	return dest, nil
}
