package scsi

import (
	"bytes"
	"testing"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

func TestCDBLenAndLBA(t *testing.T) {
	cdb6 := CDB{OpRead6, 0x00, 0x00, 0x05, 0x01, 0x00}
	if cdb6.Len() != 6 {
		t.Fatalf("expected 6-byte cdb, got %d", cdb6.Len())
	}
	if cdb6.LBA() != 5 {
		t.Fatalf("expected lba 5, got %d", cdb6.LBA())
	}

	cdb10 := make(CDB, 10)
	cdb10[0] = OpRead10
	wireSetBE32(cdb10[2:6], 1000)
	if cdb10.Len() != 10 {
		t.Fatalf("expected 10-byte cdb, got %d", cdb10.Len())
	}
	if cdb10.LBA() != 1000 {
		t.Fatalf("expected lba 1000, got %d", cdb10.LBA())
	}
}

func wireSetBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func TestLunSlotBeginEndCommand(t *testing.T) {
	slot := NewLunSlot()
	cmd := NewTargetCmd(1, 0, 0, CDB{OpTestUnitReady})
	slot.BeginCommand(cmd)
	if slot.OutstandingCount() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", slot.OutstandingCount())
	}
	slot.EndCommand(cmd)
	if slot.OutstandingCount() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", slot.OutstandingCount())
	}
}

func TestLunSlotResetAbortsAbortableCommands(t *testing.T) {
	slot := NewLunSlot()
	cmd := NewTargetCmd(2, 0, 0, CDB{OpReserve6})
	slot.BeginCommand(cmd)

	resetCalled := false
	notifyCalled := false
	slot.ResetLocalUnit(func() { resetCalled = true }, func() { notifyCalled = true })

	select {
	case <-cmd.Done:
	default:
		t.Fatal("expected abortable command to complete during reset")
	}
	if cmd.Response.Status != SamStatTaskAborted {
		t.Fatalf("expected TASK ABORTED, got %#x", cmd.Response.Status)
	}
	if !resetCalled || !notifyCalled {
		t.Fatal("expected both reset callbacks to run")
	}
}

func TestDispatchReportLunsAndInquiry(t *testing.T) {
	d := NewDispatcher(nil)
	e, _ := export.NewIscsi(wire.UUID{1, 2, 3, 4}, 2, wire.FilterAccept)
	d.Slots[2].Bind(e, 2048)

	ctx := Context{AuthorizedLUNs: map[uint64]bool{2: true}}

	reportLuns := make(CDB, 12)
	reportLuns[0] = OpReportLuns
	wireSetBE32(reportLuns[6:10], 4096)

	var buf bytes.Buffer
	resp := d.Dispatch(ctx, 0, reportLuns, &buf)
	if resp.Status != SamStatGood {
		t.Fatalf("expected GOOD, got %#x", resp.Status)
	}
	if buf.Len() < 8+8*3 {
		t.Fatalf("expected at least 3 luns reported, got %d bytes", buf.Len())
	}

	short := make(CDB, 12)
	short[0] = OpReportLuns
	wireSetBE32(short[6:10], 8)
	buf.Reset()
	resp = d.Dispatch(ctx, 0, short, &buf)
	if resp.Status != SamStatCheckCondition {
		t.Fatalf("expected CHECK CONDITION for allocation length < 16, got %#x", resp.Status)
	}

	buf.Reset()
	resp = d.Dispatch(ctx, 5, CDB{OpInquiry, 0, 0, 0, 96, 0}, &buf)
	if resp.Status != SamStatGood {
		t.Fatalf("expected INQUIRY to always succeed, got %#x", resp.Status)
	}
}

// memDevice is a minimal BlockDevice backed by an in-memory buffer, used to
// exercise READ/WRITE/SYNCHRONIZE CACHE dispatch without a real volume.
type memDevice struct{ buf []byte }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	return n, nil
}
func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}
func (m *memDevice) Sync() error { return nil }

func TestDispatchReadWithinAndOutOfRange(t *testing.T) {
	d := NewDispatcher(nil)
	e, _ := export.NewIscsi(wire.UUID{7, 7, 7, 7}, 3, wire.FilterAccept)
	d.Slots[3].Bind(e, 2048)
	d.Devices[3] = &memDevice{buf: make([]byte, 2048*512)}
	ctx := Context{AuthorizedLUNs: map[uint64]bool{3: true}}

	cdbIn := make(CDB, 10)
	cdbIn[0] = OpRead10
	wireSetBE32(cdbIn[2:6], 0)
	cdbIn[8] = 8 // transfer length 8 blocks

	var buf bytes.Buffer
	resp := d.Dispatch(ctx, 3, cdbIn, &buf)
	if resp.Status != SamStatGood {
		t.Fatalf("expected GOOD for in-range read, got %#x", resp.Status)
	}
	if buf.Len() != 8*sectorSize {
		t.Fatalf("expected %d bytes, got %d", 8*sectorSize, buf.Len())
	}

	cdbOut := make(CDB, 10)
	cdbOut[0] = OpRead10
	wireSetBE32(cdbOut[2:6], 2040)
	cdbOut[8] = 16

	buf.Reset()
	resp = d.Dispatch(ctx, 3, cdbOut, &buf)
	if resp.Status != SamStatCheckCondition {
		t.Fatalf("expected CHECK CONDITION for out-of-range read, got %#x", resp.Status)
	}
	if len(resp.Sense) < 13 || resp.Sense[2] != SenseIllegalRequest {
		t.Fatalf("expected ILLEGAL_REQUEST sense key, got %+v", resp.Sense)
	}
	if asc := uint16(resp.Sense[12])<<8 | uint16(resp.Sense[13]); asc != AscLogicalAddressOutOfRange {
		t.Fatalf("expected LOGICAL_ADDRESS_OUT_OF_RANGE asc, got %#x", asc)
	}
}

func TestDispatchUnauthorizedLunRejected(t *testing.T) {
	d := NewDispatcher(nil)
	e, _ := export.NewIscsi(wire.UUID{5, 5, 5, 5}, 3, wire.FilterReject)
	d.Slots[3].Bind(e, 100)
	ctx := Context{AuthorizedLUNs: map[uint64]bool{}}

	var buf bytes.Buffer
	resp := d.Dispatch(ctx, 3, CDB{OpTestUnitReady, 0, 0, 0, 0, 0}, &buf)
	if resp.Status != SamStatCheckCondition {
		t.Fatalf("expected CHECK CONDITION for unauthorized lun, got %#x", resp.Status)
	}
}

func TestModeSenseReadonlySetsWP(t *testing.T) {
	d := NewDispatcher(nil)
	e, _ := export.NewIscsi(wire.UUID{9, 9, 9, 9}, 4, wire.FilterAccept)
	e.SetReadonly(true)
	d.Slots[4].Bind(e, 100)
	ctx := Context{AuthorizedLUNs: map[uint64]bool{4: true}}

	var buf bytes.Buffer
	resp := d.Dispatch(ctx, 4, CDB{OpModeSense, 0x08, 0x3f, 0, 0xff, 0}, &buf)
	if resp.Status != SamStatGood {
		t.Fatalf("expected GOOD, got %#x", resp.Status)
	}
	out := buf.Bytes()
	if len(out) < 4 {
		t.Fatalf("short mode sense response: %d bytes", len(out))
	}
	if out[2]&0x80 == 0 {
		t.Fatal("expected WP bit set for readonly export")
	}
	if out[3] != 0 {
		t.Fatalf("expected zero block descriptor length, got %d", out[3])
	}

	buf.Reset()
	resp = d.Dispatch(ctx, 4, CDB{OpModeSense, 0x08, 0x08, 0, 0xff, 0}, &buf)
	if resp.Status != SamStatGood {
		t.Fatalf("expected GOOD for caching page, got %#x", resp.Status)
	}
	if got := buf.Bytes()[4]; got != 0x08 {
		t.Fatalf("expected caching page code, got %#x", got)
	}

	buf.Reset()
	resp = d.Dispatch(ctx, 4, CDB{OpModeSense, 0x08, 0x2b, 0, 0xff, 0}, &buf)
	if resp.Status != SamStatCheckCondition {
		t.Fatalf("expected CHECK CONDITION for unknown page, got %#x", resp.Status)
	}
}

func TestEndCommandAfterResetAbortDoesNotUnderflow(t *testing.T) {
	slot := NewLunSlot()
	abortable := NewTargetCmd(10, 0, 0, CDB{OpPersistentReserveOut})
	ordinary := NewTargetCmd(11, 0, 0, CDB{OpTestUnitReady})
	slot.BeginCommand(abortable)

	done := make(chan struct{})
	go func() {
		slot.ResetLocalUnit(nil, nil)
		close(done)
	}()
	<-done

	// The dispatch path still runs its deferred EndCommand for the aborted
	// command; the reset already took the in_progress decrement.
	slot.EndCommand(abortable)

	slot.BeginCommand(ordinary)
	if slot.OutstandingCount() != 1 {
		t.Fatalf("expected 1 outstanding after abort cleanup, got %d", slot.OutstandingCount())
	}
	slot.EndCommand(ordinary)
	if slot.OutstandingCount() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", slot.OutstandingCount())
	}
}
