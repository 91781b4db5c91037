package pr

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/OznOg/exanodes-lum/internal/cluster"
	"github.com/OznOg/exanodes-lum/internal/scsi"
)

func TestCheckRightsUnreservedAllowsAnySession(t *testing.T) {
	c := NewContext()
	if !c.CheckRights(scsi.CDB{scsi.OpRead10}, 7) {
		t.Fatal("expected unreserved LUN to permit any session")
	}
}

func TestReserveExcludesOtherSessions(t *testing.T) {
	c := NewContext()
	c.AddSession(1)
	resp := c.applyReserveOut(1, ActionRegister, 0xaabb, 0)
	if resp.Status != scsi.SamStatGood {
		t.Fatalf("register failed: %#x", resp.Status)
	}
	resp = c.applyReserveOut(1, ActionReserve, 0xaabb, TypeExclusiveAccess)
	if resp.Status != scsi.SamStatGood {
		t.Fatalf("reserve failed: %#x", resp.Status)
	}
	if c.CheckRights(scsi.CDB{scsi.OpWrite10}, 2) {
		t.Fatal("expected non-holder to be denied under ExclusiveAccess")
	}
	if !c.CheckRights(scsi.CDB{scsi.OpWrite10}, 1) {
		t.Fatal("expected holder to retain rights")
	}
}

func TestSpc2ReservationBlocksOthers(t *testing.T) {
	c := NewContext()
	if resp := c.applySpc2(1, true); resp.Status != scsi.SamStatGood {
		t.Fatalf("reserve6 failed: %#x", resp.Status)
	}
	if resp := c.applySpc2(2, true); resp.Status != scsi.SamStatReservationConflict {
		t.Fatalf("expected conflict for second reserver, got %#x", resp.Status)
	}
	if !c.CheckRights(scsi.CDB{scsi.OpRead10}, 1) {
		t.Fatal("expected holder to keep rights")
	}
	if c.CheckRights(scsi.CDB{scsi.OpRead10}, 2) {
		t.Fatal("expected non-holder denied under spc2 reservation")
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	c := NewContext()
	c.AddSession(3)
	_ = c.applyReserveOut(3, ActionRegister, 0x1234, 0)
	_ = c.applyReserveOut(3, ActionReserve, 0x1234, TypeWriteExclusive)

	buf := make([]byte, PackedSize())
	n, err := c.Pack(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != PackedSize() {
		t.Fatalf("expected exactly PackedSize() bytes, got %d", n)
	}
	got, err := Unpack(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.holderValid || got.holder != 3 || got.resType != TypeWriteExclusive {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if diff := cmp.Diff(c.registrations, got.registrations); diff != "" {
		t.Fatalf("registrations mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineNewSessionAndReserveOut(t *testing.T) {
	colls := cluster.NewMockCluster(1)
	e := NewEngine(colls[0])

	if err := e.NewSession(context.Background(), 42); err != nil {
		t.Fatal(err)
	}

	registerCDB := make(scsi.CDB, 10)
	registerCDB[0] = scsi.OpPersistentReserveOut
	registerCDB[1] = ActionRegister
	registerParams := make([]byte, 24)
	putBE64(registerParams[8:16], 0xdeadbeef) // service action reservation key
	resp := e.ReserveOut(5, registerCDB, registerParams, 42)
	if resp.Status != scsi.SamStatGood {
		t.Fatalf("register failed: %#x", resp.Status)
	}

	reserveCDB := make(scsi.CDB, 10)
	reserveCDB[0] = scsi.OpPersistentReserveOut
	reserveCDB[1] = ActionReserve
	reserveCDB[2] = byte(TypeExclusiveAccess)
	reserveParams := make([]byte, 24)
	putBE64(reserveParams[0:8], 0xdeadbeef)
	resp = e.ReserveOut(5, reserveCDB, reserveParams, 42)
	if resp.Status != scsi.SamStatGood {
		t.Fatalf("reserve failed: %#x", resp.Status)
	}

	if !e.CheckRights(5, scsi.CDB{scsi.OpRead10}, 42) {
		t.Fatal("expected holder to have rights")
	}
	if e.CheckRights(5, scsi.CDB{scsi.OpRead10}, 99) {
		t.Fatal("expected other session to be denied")
	}
}

func TestWriteExclusiveAllowsReadsFromOthers(t *testing.T) {
	c := NewContext()
	c.AddSession(1)
	_ = c.applyReserveOut(1, ActionRegister, 0x1, 0)
	if resp := c.applyReserveOut(1, ActionReserve, 0x1, TypeWriteExclusive); resp.Status != scsi.SamStatGood {
		t.Fatalf("reserve failed: %#x", resp.Status)
	}
	if !c.CheckRights(scsi.CDB{scsi.OpRead10}, 2) {
		t.Fatal("expected non-holder read permitted under WriteExclusive")
	}
	if c.CheckRights(scsi.CDB{scsi.OpWrite10}, 2) {
		t.Fatal("expected non-holder write denied under WriteExclusive")
	}
}

func TestReadInCarriesGenerationAndLength(t *testing.T) {
	c := NewContext()
	c.AddSession(1)
	_ = c.applyReserveOut(1, ActionRegister, 0xabcd, 0)
	data, resp := c.ReadIn(scsi.CDB{scsi.OpPersistentReserveIn, 0x00})
	if resp.Status != scsi.SamStatGood {
		t.Fatalf("read keys failed: %#x", resp.Status)
	}
	addLen := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	if addLen != 8 {
		t.Fatalf("expected additional length 8, got %d", addLen)
	}
	if getBE64(data[8:16]) != 0xabcd {
		t.Fatalf("expected registered key in payload, got %#x", getBE64(data[8:16]))
	}
}

func TestConnectedSessionIsNotARegistrant(t *testing.T) {
	c := NewContext()
	c.AddSession(1)
	c.AddSession(2) // logged in, never issued a REGISTER
	_ = c.applyReserveOut(1, ActionRegister, 0xa1, 0)
	if resp := c.applyReserveOut(1, ActionReserve, 0xa1, TypeExclusiveAccessRegistrantsOnly); resp.Status != scsi.SamStatGood {
		t.Fatalf("reserve failed: %#x", resp.Status)
	}
	if c.CheckRights(scsi.CDB{scsi.OpRead10}, 2) {
		t.Fatal("expected merely-connected session denied under registrants-only type")
	}
	if resp := c.applyReserveOut(2, ActionRegister, 0xbeef, 0); resp.Status != scsi.SamStatGood {
		t.Fatalf("register for session 2 failed: %#x", resp.Status)
	}
	if !c.CheckRights(scsi.CDB{scsi.OpRead10}, 2) {
		t.Fatal("expected session 2 permitted once actually registered")
	}
}
