package scsi

import (
	"io"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/metrics"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

const sectorSize = 512

// BlockDevice is the minimal surface the command layer needs from an open
// volume to service READ/WRITE/SYNCHRONIZE CACHE.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

// PREngine is the boundary to the cluster Persistent-Reservation engine.
// The scsi package only consumes this interface; internal/pr provides the
// concrete implementation, so the two packages don't import each other.
type PREngine interface {
	// CheckRights is a pure inspection: false means the command must fail
	// with RESERVATION_CONFLICT.
	CheckRights(lun uint64, cdb CDB, globalSessionID int) bool
	// ReserveOut submits a PERSISTENT_RESERVE_OUT/RESERVE_6/RELEASE_6 CDB to
	// the cluster ordering algorithm and blocks for the ordered completion.
	// params is the command's Data-Out parameter list (empty for the
	// 6-byte RESERVE/RELEASE forms, which carry none).
	ReserveOut(lun uint64, cdb CDB, params []byte, globalSessionID int) Response
	// ReserveIn answers PERSISTENT_RESERVE_IN locally under the PR lock.
	ReserveIn(lun uint64, cdb CDB) (data []byte, resp Response)
	// ResetLun clears any SPC-2/PR reservation on lun.
	ResetLun(lun uint64)
}

// Context carries the per-command session state the dispatcher needs:
// which LUNs this initiator may use, and identity for INQUIRY/PR.
type Context struct {
	SessionID       int
	GlobalSessionID int
	Initiator       wire.IQN
	AuthorizedLUNs  map[uint64]bool

	// DataOut carries the command's collected Data-Out payload for the
	// opcodes whose parameters arrive that way (PERSISTENT_RESERVE_OUT);
	// the block-data path of ordinary writes never flows through here.
	DataOut []byte
}

// Dispatcher holds the live LUN table and the collaborators the command
// layer dispatches into.
type Dispatcher struct {
	Slots   map[uint64]*LunSlot
	Devices map[uint64]BlockDevice
	PR      PREngine

	// Metrics records one observation per dispatched command when set; a
	// nil Metrics (the zero Dispatcher, as used by package tests) just
	// skips the observation.
	Metrics *metrics.Registry
}

// NewDispatcher returns an empty dispatcher over MaxLuns slots.
func NewDispatcher(pr PREngine) *Dispatcher {
	d := &Dispatcher{
		Slots:   make(map[uint64]*LunSlot),
		Devices: make(map[uint64]BlockDevice),
		PR:      pr,
	}
	for l := uint64(0); l < MaxLuns; l++ {
		d.Slots[l] = NewLunSlot()
	}
	return d
}

func senseCheckCondition(key byte, asc uint16) Response {
	buf := make([]byte, 18)
	buf[0] = 0x70
	buf[2] = key
	buf[7] = 0xa
	wire.SetBigEndian16(asc, buf[12:14])
	return Response{Status: SamStatCheckCondition, Sense: buf}
}

var (
	illegalRequest           = senseCheckCondition(SenseIllegalRequest, AscInvalidFieldInCdb)
	invalidOpcode            = senseCheckCondition(SenseIllegalRequest, AscInvalidCommandOperationCode)
	logicalUnitNotSupported  = senseCheckCondition(SenseIllegalRequest, 0x2500)
	targetFailure            = senseCheckCondition(SenseHardwareError, AscInternalTargetFailure)
	mediumErrorResp          = senseCheckCondition(SenseMediumError, AscReadError)
	addressOutOfRange        = senseCheckCondition(SenseIllegalRequest, AscLogicalAddressOutOfRange)
)

// outOfRange reports whether a transfer of nblocks sectors starting at lba
// runs past the LUN's sector count.
func outOfRange(slot *LunSlot, lba uint64, nblocks uint32) bool {
	sectors := slot.SectorCount()
	if nblocks == 0 {
		return lba >= uint64(sectors)
	}
	return lba+uint64(nblocks) > uint64(sectors)
}

func ok() Response { return Response{Status: SamStatGood} }

// Dispatch evaluates one CDB and returns the resulting response,
// synchronously; the caller is responsible for running this off the
// session's own goroutine so a slow device read doesn't stall PDU
// processing for other sessions.
func (d *Dispatcher) Dispatch(ctx Context, lun uint64, cdb CDB, out io.Writer) Response {
	op := cdb.Opcode()
	resp := d.dispatch(ctx, lun, op, cdb, out)
	if d.Metrics != nil {
		d.Metrics.ObserveCommand(op, resp.Status)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx Context, lun uint64, op byte, cdb CDB, out io.Writer) Response {
	if op == OpInquiry {
		return d.inquiry(ctx, lun, cdb, out)
	}
	if op == OpReportLuns && lun == 0 {
		return d.reportLuns(ctx, cdb, out)
	}

	slot, authorized := d.Slots[lun], ctx.AuthorizedLUNs[lun]
	if slot == nil || slot.Export() == nil || !authorized {
		return logicalUnitNotSupported
	}

	if d.PR != nil && !d.PR.CheckRights(lun, cdb, ctx.GlobalSessionID) {
		return Response{Status: SamStatReservationConflict}
	}

	switch op {
	case OpTestUnitReady, OpVerify10, OpVerify12, OpVerify16:
		return ok()
	case OpReadCapacity:
		return d.readCapacity10(slot, out)
	case OpServiceActionIn16:
		if len(cdb) > 1 && cdb[1]&0x1f == SaiReadCapacity16 {
			return d.readCapacity16(slot, out)
		}
		return invalidOpcode
	case OpRead6, OpRead10, OpRead12, OpRead16:
		return d.read(lun, slot, cdb, out)
	case OpWrite6, OpWrite10, OpWrite12, OpWrite16:
		return d.write(lun, slot, cdb, out)
	case OpSynchronizeCache10, OpSynchronizeCache16:
		return d.synchronizeCache(lun)
	case OpModeSense, OpModeSense10:
		return d.modeSense(slot, cdb, out)
	case OpPersistentReserveOut, OpReserve6, OpRelease6:
		if d.PR == nil {
			return targetFailure
		}
		return d.PR.ReserveOut(lun, cdb, ctx.DataOut, ctx.GlobalSessionID)
	case OpPersistentReserveIn:
		if d.PR == nil {
			return targetFailure
		}
		data, resp := d.PR.ReserveIn(lun, cdb)
		if resp.Status == SamStatGood && data != nil {
			_, _ = out.Write(data)
		}
		return resp
	case OpRequestSense, OpModeSelect, OpModeSelect10, OpReserve10, OpRelease10:
		return invalidOpcode
	default:
		return invalidOpcode
	}
}

func (d *Dispatcher) readCapacity10(slot *LunSlot, out io.Writer) Response {
	sectors := slot.SectorCount()
	last := sectors - 1
	if last > 0xFFFFFFFF {
		last = 0xFFFFFFFF
	}
	buf := make([]byte, 8)
	wire.SetBigEndian32(uint32(last), buf[0:4])
	wire.SetBigEndian32(sectorSize, buf[4:8])
	_, _ = out.Write(buf)
	return ok()
}

func (d *Dispatcher) readCapacity16(slot *LunSlot, out io.Writer) Response {
	sectors := slot.SectorCount()
	buf := make([]byte, 32)
	last := sectors - 1
	wire.SetBigEndian64(last, buf[0:8])
	wire.SetBigEndian32(sectorSize, buf[8:12])
	_, _ = out.Write(buf)
	return ok()
}

func (d *Dispatcher) read(lun uint64, slot *LunSlot, cdb CDB, out io.Writer) Response {
	if outOfRange(slot, cdb.LBA(), cdb.TransferBlocks()) {
		return addressOutOfRange
	}
	dev := d.Devices[lun]
	if dev == nil {
		return mediumErrorResp
	}
	off := int64(cdb.LBA()) * sectorSize
	length := int(cdb.TransferBlocks()) * sectorSize
	buf := make([]byte, length)
	if _, err := dev.ReadAt(buf, off); err != nil && err != io.EOF {
		return mediumErrorResp
	}
	_, _ = out.Write(buf)
	return ok()
}

// write only validates the CDB's addressed range; the actual payload bytes
// are written to the device by the iscsi package via WriteAt once all
// Data-Out PDUs have arrived, since by the time Dispatch runs here the
// write's data is not yet collected.
func (d *Dispatcher) write(lun uint64, slot *LunSlot, cdb CDB, in io.Writer) Response {
	if outOfRange(slot, cdb.LBA(), cdb.TransferBlocks()) {
		return addressOutOfRange
	}
	return ok()
}

func (d *Dispatcher) synchronizeCache(lun uint64) Response {
	dev := d.Devices[lun]
	if dev == nil {
		return mediumErrorResp
	}
	if err := dev.Sync(); err != nil {
		return mediumErrorResp
	}
	return ok()
}

func (d *Dispatcher) reportLuns(ctx Context, cdb CDB, out io.Writer) Response {
	selectReport := byte(0)
	allocLen := 0
	if len(cdb) >= 10 {
		selectReport = cdb[2]
		allocLen = int(wire.GetBigEndian32(cdb[6:10]))
	}
	if allocLen < 16 {
		return illegalRequest
	}
	var luns []uint64
	if selectReport == 0x01 {
		// Only LUN 0 is reported for well-known LUs, matching the
		// historical behavior even though LUN 1 is also well-known.
		luns = []uint64{0}
	} else {
		luns = append(luns, 0, 1)
		for l := uint64(2); l < MaxLuns; l++ {
			slot := d.Slots[l]
			if slot != nil && slot.Export() != nil && ctx.AuthorizedLUNs[l] {
				luns = append(luns, l)
			}
		}
	}
	body := make([]byte, 8+8*len(luns))
	wire.SetBigEndian32(uint32(8*len(luns)), body[0:4])
	for i, l := range luns {
		off := 8 + i*8
		wire.LUNSetBigEndian(l, body[off:off+8])
	}
	if allocLen < len(body) {
		body = body[:allocLen]
	}
	_, _ = out.Write(body)
	return ok()
}

// AuthorizedLUNs recomputes the set of LUNs initiator may use: for iSCSI
// exports, authorized iff PolicyForIqn(initiator) == Accept. Bdev exports
// never participate.
func AuthorizedLUNs(table []*export.Export, lunOf func(*export.Export) uint64, initiator wire.IQN) map[uint64]bool {
	out := make(map[uint64]bool)
	for _, e := range table {
		if e.Type() != export.Iscsi {
			continue
		}
		if e.PolicyForIqn(initiator) == wire.FilterAccept {
			out[lunOf(e)] = true
		}
	}
	return out
}
