package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/tokuhirom/murodb/core/cipher"
	"github.com/tokuhirom/murodb/core/dberr"
)

// ErrMidLogCorruption is returned by Reader.Next when a frame is
// structurally plausible (its declared length fits within the remaining
// file) but fails AEAD authentication, AND some later frame in the file
// does authenticate successfully — meaning this isn't trailing garbage
// from a torn write, it's genuine corruption in the middle of the log
// (spec.md §4.5).
var ErrMidLogCorruption = fmt.Errorf("%w: mid-log corruption", dberr.ErrCorruption)

// Reader iterates WAL frames from the header end, applying the tail-
// tolerant two-layer heuristic spec.md §4.5 requires. It snapshots the
// file size at construction: the WAL being recovered is not written to
// concurrently during recovery (the exclusive lock guarantees this), so a
// fixed snapshot is sufficient and avoids re-stat'ing on every frame.
type Reader struct {
	file     *os.File
	cipher   *cipher.Cipher
	fileSize int64
	pos      int64

	// TailTruncated is set once Next returns io.EOF if the end-of-log was
	// reached via the tail heuristic (garbage or unauthenticating tail)
	// rather than a clean zero-filled or exact end of file. murowalinspect
	// reports it; recovery does not read it.
	TailTruncated bool
}

// NewReader opens path for reading and validates its header.
func NewReader(path string, c *cipher.Cipher) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", dberr.ErrIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat wal: %v", dberr.ErrIO, err)
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
	return &Reader{file: f, cipher: c, fileSize: info.Size(), pos: HeaderSize}, nil
}

// Pos returns the reader's current offset into the file.
func (r *Reader) Pos() int64 { return r.pos }

// Close releases the file handle.
func (r *Reader) Close() error { return r.file.Close() }

// frameHeader reads and plausibility-checks the 4-byte length prefix at
// pos. ok is false for a clean end (zero-filled tail, or too few bytes
// remaining for even the length prefix) or for a declared length that
// overruns the remaining file (tail garbage); both are normal end-of-log
// conditions, not errors.
func (r *Reader) frameHeader(pos int64) (frameLen uint32, ok bool) {
	if pos+4 > r.fileSize {
		return 0, false
	}
	lenBuf := make([]byte, 4)
	if _, err := r.file.ReadAt(lenBuf, pos); err != nil {
		return 0, false
	}
	frameLen = binary.LittleEndian.Uint32(lenBuf)
	if frameLen == 0 {
		return 0, false
	}
	if frameLen > maxFrameLen {
		return 0, false
	}
	remaining := r.fileSize - (pos + 4)
	if int64(frameLen) > remaining {
		return 0, false
	}
	return frameLen, true
}

// tryAuthenticate reads and attempts to open the frame at pos, returning
// the decrypted payload on success.
func (r *Reader) tryAuthenticate(pos int64, frameLen uint32) ([]byte, bool) {
	sealed := make([]byte, frameLen)
	if _, err := r.file.ReadAt(sealed, pos+4); err != nil {
		return nil, false
	}
	full, err := r.cipher.OpenFrame(uint64(pos), sealed)
	if err != nil {
		return nil, false
	}
	return full, true
}

// anyLaterFrameAuthenticates scans forward from pos, stopping at the first
// frame that authenticates (true) or at the first point the log plausibly
// ends (false).
func (r *Reader) anyLaterFrameAuthenticates(pos int64) bool {
	for {
		frameLen, ok := r.frameHeader(pos)
		if !ok {
			return false
		}
		if _, ok := r.tryAuthenticate(pos, frameLen); ok {
			return true
		}
		pos += 4 + int64(frameLen)
	}
}

// Next returns the next (lsn, record) pair, or io.EOF when the log is
// exhausted (check TailTruncated to distinguish a clean end from a
// tolerated tail). ErrMidLogCorruption is returned (wrapping
// dberr.ErrCorruption) for a frame that cannot be explained as trailing
// garbage.
func (r *Reader) Next() (lsn uint64, rec Record, err error) {
	frameLen, ok := r.frameHeader(r.pos)
	if !ok {
		// some bytes existed but didn't form a valid frame; a zero length
		// prefix is a clean zero-filled end, not a truncated tail
		r.TailTruncated = false
		if r.pos+4 <= r.fileSize {
			lenBuf := make([]byte, 4)
			_, err := r.file.ReadAt(lenBuf, r.pos)
			r.TailTruncated = err != nil || binary.LittleEndian.Uint32(lenBuf) != 0
		}
		return 0, Record{}, io.EOF
	}

	frameStart := r.pos
	full, ok := r.tryAuthenticate(frameStart, frameLen)
	if !ok {
		if r.anyLaterFrameAuthenticates(frameStart + 4 + int64(frameLen)) {
			return 0, Record{}, fmt.Errorf("%w at lsn %d", ErrMidLogCorruption, frameStart)
		}
		r.TailTruncated = true
		return 0, Record{}, io.EOF
	}

	if len(full) < 4 {
		return 0, Record{}, fmt.Errorf("%w: frame at lsn %d too short for crc trailer", dberr.ErrCorruption, frameStart)
	}
	body := full[:len(full)-4]
	wantSum := binary.LittleEndian.Uint32(full[len(full)-4:])
	if crc32.ChecksumIEEE(body) != wantSum {
		return 0, Record{}, fmt.Errorf("%w: frame at lsn %d crc mismatch", dberr.ErrCorruption, frameStart)
	}

	record, err := Decode(body)
	if err != nil {
		return 0, Record{}, err
	}

	r.pos = frameStart + 4 + int64(frameLen)
	return uint64(frameStart), record, nil
}
