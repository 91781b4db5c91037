package scsi

import (
	"fmt"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

// CDB wraps a raw Command Descriptor Block and exposes the length/LBA/
// transfer-length accessors the dispatch loop needs.
type CDB []byte

// Opcode returns the command's opcode byte.
func (c CDB) Opcode() byte { return c[0] }

// Len returns the CDB's length in bytes per SPC-4 4.2.5.1.
func (c CDB) Len() int {
	op := c[0]
	switch {
	case op <= 0x1f:
		return 6
	case op <= 0x5f:
		return 10
	case op == 0x7f:
		return int(c[7]) + 8
	case op >= 0x80 && op <= 0x9f:
		return 16
	case op >= 0xa0 && op <= 0xbf:
		return 12
	default:
		return 6
	}
}

// LBA returns the logical block address this command addresses.
func (c CDB) LBA() uint64 {
	switch c.Len() {
	case 6:
		v := uint32(c[1]&0x1f)<<16 | uint32(c[2])<<8 | uint32(c[3])
		return uint64(v)
	case 10, 12:
		return uint64(wire.GetBigEndian32(c[2:6]))
	case 16:
		return wire.GetBigEndian64(c[2:10])
	default:
		return 0
	}
}

// TransferBlocks returns the number of logical blocks requested.
func (c CDB) TransferBlocks() uint32 {
	switch c.Len() {
	case 6:
		return uint32(c[4])
	case 10:
		return uint32(wire.GetBigEndian16(c[7:9]))
	case 12:
		return wire.GetBigEndian32(c[6:10])
	case 16:
		return wire.GetBigEndian32(c[10:14])
	default:
		return 0
	}
}

// AllocationLength returns an INQUIRY/MODE SENSE-style allocation length
// field for the 6- or 10-byte command forms.
func (c CDB) AllocationLength() int {
	switch c.Len() {
	case 6:
		return int(c[4])
	case 10:
		return int(wire.GetBigEndian16(c[7:9]))
	default:
		return 0
	}
}

// FUA reports whether the Force Unit Access bit is set. Writes accept the
// bit without honoring it; SYNCHRONIZE CACHE is what orders prior writes.
func (c CDB) FUA() bool {
	if len(c) < 2 {
		return false
	}
	return c[1]&0x08 != 0
}

func (c CDB) String() string {
	return fmt.Sprintf("cdb[op=%#02x len=%d]", c.Opcode(), c.Len())
}
