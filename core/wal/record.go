// Package wal implements the write-ahead log: header, frame writer, and a
// tail-tolerant frame reader (spec.md §4.5).
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
	"github.com/tokuhirom/murodb/core/page"
)

// Tag identifies a record's kind on the wire (spec.md §4.5).
type Tag byte

const (
	TagBegin      Tag = 1
	TagPagePut    Tag = 2
	TagCommit     Tag = 3
	TagAbort      Tag = 4
	TagMetaUpdate Tag = 5
)

func (t Tag) String() string {
	switch t {
	case TagBegin:
		return "Begin"
	case TagPagePut:
		return "PagePut"
	case TagCommit:
		return "Commit"
	case TagAbort:
		return "Abort"
	case TagMetaUpdate:
		return "MetaUpdate"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Record is a tagged union over the five WAL record kinds. Only the fields
// relevant to Tag are meaningful; this mirrors core/cipher.Cipher's
// tagged-union style (spec.md §9, Dynamic dispatch) rather than one
// interface type per record kind, since the set of record kinds is fixed
// by the wire format.
type Record struct {
	Tag  Tag
	TxID uint64

	// PagePut
	PageID    page.PageID
	PageImage []byte // plaintext, exactly page.Size bytes

	// Commit — LSN is the frame's own starting offset, embedded by the
	// Writer at append time and cross-checked by recovery against the
	// frame's actual position (CommitLsnMismatch).
	CommitLSN uint64

	// MetaUpdate
	CatalogRoot  page.PageID
	PageCount    uint64
	FreelistHead page.PageID
	Epoch        uint64
	// Legacy is set by Decode when a short (pre-freelist/epoch)
	// MetaUpdate was read; FreelistHead and Epoch are then zero by
	// construction, matching spec.md §4.5's backward-compatibility rule.
	Legacy bool
}

func BeginRecord(txid uint64) Record { return Record{Tag: TagBegin, TxID: txid} }

func AbortRecord(txid uint64) Record { return Record{Tag: TagAbort, TxID: txid} }

func PagePutRecord(txid uint64, pg *page.Page) Record {
	return Record{Tag: TagPagePut, TxID: txid, PageID: pg.PageID(), PageImage: pg.Bytes()}
}

func MetaUpdateRecord(txid uint64, catalogRoot page.PageID, pageCount uint64, freelistHead page.PageID, epoch uint64) Record {
	return Record{
		Tag: TagMetaUpdate, TxID: txid,
		CatalogRoot: catalogRoot, PageCount: pageCount,
		FreelistHead: freelistHead, Epoch: epoch,
	}
}

// Encode serializes a record body (without the trailing CRC32, which the
// Writer appends separately).
func Encode(r Record) ([]byte, error) {
	switch r.Tag {
	case TagBegin, TagAbort:
		buf := make([]byte, 9)
		buf[0] = byte(r.Tag)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		return buf, nil

	case TagPagePut:
		if len(r.PageImage) != page.Size {
			return nil, fmt.Errorf("wal: PagePut page image must be %d bytes, got %d", page.Size, len(r.PageImage))
		}
		buf := make([]byte, 1+8+8+page.Size)
		buf[0] = byte(TagPagePut)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], uint64(r.PageID))
		copy(buf[17:], r.PageImage)
		return buf, nil

	case TagCommit:
		buf := make([]byte, 17)
		buf[0] = byte(TagCommit)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], r.CommitLSN)
		return buf, nil

	case TagMetaUpdate:
		buf := make([]byte, 41)
		buf[0] = byte(TagMetaUpdate)
		binary.LittleEndian.PutUint64(buf[1:9], r.TxID)
		binary.LittleEndian.PutUint64(buf[9:17], uint64(r.CatalogRoot))
		binary.LittleEndian.PutUint64(buf[17:25], r.PageCount)
		binary.LittleEndian.PutUint64(buf[25:33], uint64(r.FreelistHead))
		binary.LittleEndian.PutUint64(buf[33:41], r.Epoch)
		return buf, nil

	default:
		return nil, fmt.Errorf("wal: unknown record tag %d", r.Tag)
	}
}

// Decode parses a record body (as produced by Encode) back into a Record.
func Decode(buf []byte) (Record, error) {
	if len(buf) < 1 {
		return Record{}, fmt.Errorf("%w: empty record", dberr.ErrCorruption)
	}
	tag := Tag(buf[0])
	switch tag {
	case TagBegin, TagAbort:
		if len(buf) != 9 {
			return Record{}, fmt.Errorf("%w: %s record wrong length %d", dberr.ErrCorruption, tag, len(buf))
		}
		return Record{Tag: tag, TxID: binary.LittleEndian.Uint64(buf[1:9])}, nil

	case TagPagePut:
		if len(buf) != 17+page.Size {
			return Record{}, fmt.Errorf("%w: PagePut record wrong length %d", dberr.ErrCorruption, len(buf))
		}
		img := make([]byte, page.Size)
		copy(img, buf[17:])
		return Record{
			Tag: tag, TxID: binary.LittleEndian.Uint64(buf[1:9]),
			PageID: page.PageID(binary.LittleEndian.Uint64(buf[9:17])), PageImage: img,
		}, nil

	case TagCommit:
		if len(buf) != 17 {
			return Record{}, fmt.Errorf("%w: Commit record wrong length %d", dberr.ErrCorruption, len(buf))
		}
		return Record{
			Tag: tag, TxID: binary.LittleEndian.Uint64(buf[1:9]),
			CommitLSN: binary.LittleEndian.Uint64(buf[9:17]),
		}, nil

	case TagMetaUpdate:
		switch len(buf) {
		case 41:
			return Record{
				Tag: tag, TxID: binary.LittleEndian.Uint64(buf[1:9]),
				CatalogRoot:  page.PageID(binary.LittleEndian.Uint64(buf[9:17])),
				PageCount:    binary.LittleEndian.Uint64(buf[17:25]),
				FreelistHead: page.PageID(binary.LittleEndian.Uint64(buf[25:33])),
				Epoch:        binary.LittleEndian.Uint64(buf[33:41]),
			}, nil
		case 25:
			// Legacy MetaUpdate (WAL format versions 1/2): no
			// freelist_head or epoch fields.
			return Record{
				Tag: tag, TxID: binary.LittleEndian.Uint64(buf[1:9]),
				CatalogRoot: page.PageID(binary.LittleEndian.Uint64(buf[9:17])),
				PageCount:   binary.LittleEndian.Uint64(buf[17:25]),
				Legacy:      true,
			}, nil
		default:
			return Record{}, fmt.Errorf("%w: MetaUpdate record wrong length %d", dberr.ErrCorruption, len(buf))
		}

	default:
		return Record{}, fmt.Errorf("%w: unknown record tag %d", dberr.ErrCorruption, tag)
	}
}
