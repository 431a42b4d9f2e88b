package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/internal/logging"
)

// maxFrameLen is the plausibility bound the Reader enforces on a declared
// frame length (spec.md §4.5).
const maxFrameLen = pageSizePlausibilityBound

// pageSizePlausibilityBound mirrors PAGE_SIZE + 1024 without importing
// core/page just for one constant shared with the reader's plausibility
// check.
const pageSizePlausibilityBound = 4096 + 1024

// Writer appends frames to a WAL file and tracks the current LSN (spec.md
// §4.5). Not safe for concurrent use; the owning Session serializes access.
type Writer struct {
	path   string
	file   *os.File
	cipher *cipher.Cipher
	log    *zap.Logger
	pos    int64
}

// NewWriter opens path for appending, creating a fresh header-only WAL file
// if it doesn't exist, or validating and seeking to the end of an existing
// one.
func NewWriter(path string, c *cipher.Cipher, logger *zap.Logger) (*Writer, error) {
	log := logging.OrDefault(logger)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", dberr.ErrIO, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat wal: %v", dberr.ErrIO, err)
	}

	if info.Size() == 0 {
		h := encodeHeader()
		if _, err := f.WriteAt(h[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: write wal header: %v", dberr.ErrIO, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: sync wal header: %v", dberr.ErrIO, err)
		}
		return &Writer{path: path, file: f, cipher: c, log: log, pos: HeaderSize}, nil
	}

	hbuf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(hbuf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read wal header: %v", dberr.ErrIO, err)
	}
	if err := validateHeader(hbuf); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{path: path, file: f, cipher: c, log: log, pos: info.Size()}, nil
}

// CurrentLSN returns the offset the next Append'd frame will start at.
func (w *Writer) CurrentLSN() uint64 { return uint64(w.pos) }

// Append serializes, CRCs, and encrypts r, then writes it as a new frame.
// For a Commit record, CommitLSN is set to this frame's own starting
// offset before encoding, so recovery can detect a torn write that landed
// the frame at the wrong place (CommitLsnMismatch) even though the AEAD
// tag still authenticates.
func (w *Writer) Append(r Record) (lsn uint64, err error) {
	frameStart := w.pos
	if r.Tag == TagCommit {
		r.CommitLSN = uint64(frameStart)
	}

	body, err := Encode(r)
	if err != nil {
		return 0, err
	}
	sum := crc32.ChecksumIEEE(body)
	full := make([]byte, len(body)+4)
	copy(full, body)
	binary.LittleEndian.PutUint32(full[len(body):], sum)

	sealed, err := w.cipher.SealFrame(uint64(frameStart), full)
	if err != nil {
		return 0, fmt.Errorf("wal: seal frame at lsn %d: %w", frameStart, err)
	}
	if len(sealed) > maxFrameLen {
		return 0, fmt.Errorf("wal: frame at lsn %d exceeds plausibility bound (%d > %d)", frameStart, len(sealed), maxFrameLen)
	}

	frame := make([]byte, 4+len(sealed))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(sealed)))
	copy(frame[4:], sealed)

	if _, err := w.file.WriteAt(frame, frameStart); err != nil {
		return 0, fmt.Errorf("%w: write frame at lsn %d: %v", dberr.ErrIO, frameStart, err)
	}
	w.pos = frameStart + int64(len(frame))
	return uint64(frameStart), nil
}

// Sync fsyncs the WAL file, establishing the durability boundary a commit
// depends on.
func (w *Writer) Sync() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync wal: %v", dberr.ErrIO, err)
	}
	return nil
}

// CheckpointTruncate truncates the WAL back to header-only and fsyncs it,
// plus a best-effort fsync of the parent directory (so the truncation
// itself is durable on filesystems that require a directory fsync for
// metadata changes to survive a crash). Failures here are logged, never
// propagated to the commit path (spec.md §7: checkpoint_truncate is
// best-effort).
func (w *Writer) CheckpointTruncate() error {
	if err := w.file.Truncate(HeaderSize); err != nil {
		w.log.Error("checkpoint truncate failed", zap.Error(err))
		return fmt.Errorf("%w: truncate wal: %v", dberr.ErrIO, err)
	}
	w.pos = HeaderSize
	if err := w.file.Sync(); err != nil {
		w.log.Error("checkpoint sync failed", zap.Error(err))
		return fmt.Errorf("%w: sync wal after truncate: %v", dberr.ErrIO, err)
	}

	dir, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		w.log.Warn("checkpoint directory fsync unavailable", zap.Error(err))
		return nil
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		w.log.Warn("checkpoint directory fsync failed", zap.Error(err))
	}
	return nil
}

// Close releases the file handle.
func (w *Writer) Close() error { return w.file.Close() }
