package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/tokuhirom/murodb/core/dberr"
)

// HeaderSize is the size of the WAL file header: "MUROWAL1" || version_u32_le.
const HeaderSize = 12

const walMagic = "MUROWAL1"

// Version is the only WAL header version this build writes or accepts.
const Version uint32 = 1

func encodeHeader() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:8], walMagic)
	binary.LittleEndian.PutUint32(buf[8:12], Version)
	return buf
}

func validateHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: wal header truncated", dberr.ErrCorruption)
	}
	if string(buf[0:8]) != walMagic {
		return fmt.Errorf("%w: wal bad magic", dberr.ErrCorruption)
	}
	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != Version {
		return fmt.Errorf("%w: wal version %d, this build understands %d", dberr.ErrUnsupportedVersion, version, Version)
	}
	return nil
}
