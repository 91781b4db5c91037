package scsi

import (
	"io"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

// inquiry implements standard and EVPD INQUIRY, aware of the
// LUN-defined/undefined/out-of-range trichotomy so initiators can probe
// the whole LUN space.
func (d *Dispatcher) inquiry(ctx Context, lun uint64, cdb CDB, out io.Writer) Response {
	if len(cdb) > 1 && cdb[1]&0x01 != 0 {
		return d.evpdInquiry(ctx, lun, cdb, out)
	}
	return d.standardInquiry(ctx, lun, cdb, out)
}

func (d *Dispatcher) standardInquiry(ctx Context, lun uint64, cdb CDB, out io.Writer) Response {
	slot := d.Slots[lun]
	defined := slot != nil && slot.Export() != nil
	authorized := ctx.AuthorizedLUNs[lun]

	var peripheralByte byte
	switch {
	case defined && authorized:
		peripheralByte = PeripheralDirectAccess
	case lun == 0 || lun == 1:
		peripheralByte = PeripheralWellKnownLU
	case lun >= MaxLuns:
		peripheralByte = PeripheralUnknown | PeripheralQualifierNotCapable
	default:
		peripheralByte = PeripheralUnknown | PeripheralQualifierCapable
	}

	buf := make([]byte, 96)
	buf[0] = peripheralByte
	buf[2] = 0x05 // SPC-3
	buf[3] = 0x02 // response format 2
	buf[4] = 0    // additional length, patched below
	buf[5] = 0x80 // AERC (legacy)
	buf[6] = 0x10 // MultipleP
	buf[7] = 0x02 // CmdQue
	copy(buf[8:16], []byte(VendorID))
	copy(buf[16:32], []byte(ProductID))
	copy(buf[32:36], []byte(ProductRev))

	n := 36
	n += copy(buf[n:], []byte{0x00, 0x00}) // iSCSI, no version claimed
	n += copy(buf[n:], []byte{0x09, 0x60}) // SPC-3 T10/1416-D r23
	n += copy(buf[n:], []byte{0x03, 0x00}) // SPC-3 ANSI
	if defined {
		n += copy(buf[n:], []byte{0x03, 0x20}) // SBC T10/0999-D r08b
	}
	buf[4] = byte(n - 5)

	allocLen := cdb.AllocationLength()
	if allocLen > 0 && allocLen < n {
		n = allocLen
	}
	_, _ = out.Write(buf[:n])
	return ok()
}

func (d *Dispatcher) evpdInquiry(ctx Context, lun uint64, cdb CDB, out io.Writer) Response {
	page := byte(0)
	if len(cdb) > 2 {
		page = cdb[2]
	}
	slot := d.Slots[lun]
	var exportUUID wire.UUID
	if slot != nil && slot.Export() != nil {
		exportUUID = slot.Export().UUID()
	}

	var payload []byte
	switch page {
	case 0x00:
		payload = []byte{0x00, 0x80, 0x83, 0xb0}
	case 0x80:
		payload = []byte(exportUUID.String())
	case 0x83:
		payload = d.page83(exportUUID)
	case 0xb0:
		payload = make([]byte, 16)
		wire.SetBigEndian16(4096/512, payload[0:2])
		wire.SetBigEndian32(TargetBufferSize/sectorSize, payload[4:8])
		wire.SetBigEndian32(TargetBufferSize/sectorSize, payload[8:12])
	default:
		return illegalRequest
	}

	buf := make([]byte, 4+len(payload))
	buf[0] = PeripheralDirectAccess
	buf[1] = page
	wire.SetBigEndian16(uint16(len(payload)), buf[2:4])
	copy(buf[4:], payload)

	allocLen := cdb.AllocationLength()
	if allocLen > 0 && allocLen < len(buf) {
		buf = buf[:allocLen]
	}
	_, _ = out.Write(buf)
	return ok()
}

// page83 builds the device identification page: a vendor-specific
// identifier from the UUID string, a T10 "Seanodes"+serial identifier, and
// a NAA IEEE Extended identifier derived from the UUID's first two words
// (all of the first word and the top 28 bits of the second).
func (d *Dispatcher) page83(id wire.UUID) []byte {
	serial := id.String()
	var out []byte

	vendorSpecific := []byte(serial)
	out = append(out, 0x00, 0x00, byte(len(vendorSpecific)))
	out = append(out, vendorSpecific...)

	t10 := append([]byte("Seanodes"), serial...)
	out = append(out, 0x02, 0x01, byte(len(t10)))
	out = append(out, t10...)

	naa := make([]byte, 8)
	naa[0] = 0x50 | byte((id[0]>>28)&0x0f)
	naa[1] = byte(id[0] >> 20)
	naa[2] = byte(id[0] >> 12)
	naa[3] = byte(id[0] >> 4)
	naa[4] = byte(id[0]<<4) | byte((id[1]>>28)&0x0f)
	naa[5] = byte(id[1] >> 20)
	naa[6] = byte(id[1] >> 12)
	naa[7] = byte(id[1] >> 4)
	out = append(out, 0x01, 0x03, byte(len(naa)))
	out = append(out, naa...)

	return out
}
