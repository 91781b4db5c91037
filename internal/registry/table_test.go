package registry

import (
	"errors"
	"testing"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

func testUUID(n uint32) wire.UUID { return wire.UUID{n, n, n, n} }

func TestInsertRejectsDuplicateAndOverCapacity(t *testing.T) {
	tbl := New()
	e, _ := export.NewBdev(testUUID(1), "/dev/sda")
	if err := tbl.Insert(&AdmExport{Export: e}); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(&AdmExport{Export: e}); err != ErrDuplicateUUID {
		t.Fatalf("expected ErrDuplicateUUID, got %v", err)
	}
	if v := tbl.GetVersion(); v != 2 {
		t.Fatalf("expected version 2 after one insert, got %d", v)
	}

	for i := uint32(2); tbl.GetNumber() < MaxExports; i++ {
		b, _ := export.NewBdev(testUUID(i), "/dev/sda")
		if err := tbl.Insert(&AdmExport{Export: b}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	over, _ := export.NewBdev(testUUID(0), "/dev/sda")
	if err := tbl.Insert(&AdmExport{Export: over}); err != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace at capacity, got %v", err)
	}
}

func TestGetNewLUNSkipsUsed(t *testing.T) {
	tbl := New()
	e, _ := export.NewIscsi(testUUID(2), 0, wire.FilterAccept)
	_ = tbl.Insert(&AdmExport{Export: e})
	lun, err := tbl.GetNewLUN()
	if err != nil {
		t.Fatal(err)
	}
	if lun != 1 {
		t.Fatalf("expected lun 1, got %d", lun)
	}
	if tbl.LunIsAvailable(0) {
		t.Fatal("expected lun 0 to be unavailable")
	}
}

func TestMutatorsBumpVersionAndPersist(t *testing.T) {
	tbl := New()
	e, _ := export.NewIscsi(testUUID(3), 0, wire.FilterAccept)
	_ = tbl.Insert(&AdmExport{Export: e})

	persisted := 0
	tbl.SetPersister(func(data []byte) error {
		if len(data) == 0 {
			t.Fatal("expected rendered document bytes")
		}
		persisted++
		return nil
	})

	before := tbl.GetVersion()
	if err := tbl.SetLUN(testUUID(3), 5); err != nil {
		t.Fatal(err)
	}
	if tbl.GetVersion() != before+1 {
		t.Fatalf("expected version bump, got %d -> %d", before, tbl.GetVersion())
	}
	if persisted != 1 {
		t.Fatalf("expected persister called once, got %d", persisted)
	}
	if got := tbl.GetByUUID(testUUID(3)).Export.IscsiLUN(); got != 5 {
		t.Fatalf("expected lun 5, got %d", got)
	}
}

func TestMutateUnknownUUID(t *testing.T) {
	tbl := New()
	if err := tbl.SetLUN(testUUID(99), 1); err == nil {
		t.Fatal("expected error for unknown uuid")
	}
}

func TestRemoveByUUID(t *testing.T) {
	tbl := New()
	e, _ := export.NewBdev(testUUID(4), "/dev/sdb")
	_ = tbl.Insert(&AdmExport{Export: e})
	tbl.RemoveByUUID(testUUID(4))
	if tbl.GetNumber() != 0 {
		t.Fatalf("expected empty table, got %d entries", tbl.GetNumber())
	}
	// Removing again is a warn-and-no-op, not an error surface.
	tbl.RemoveByUUID(testUUID(4))
}

func TestXMLRoundTrip(t *testing.T) {
	tbl := New()
	e, _ := export.NewIscsi(testUUID(5), 2, wire.FilterAccept)
	_ = e.AddIqnFilter(wire.MustFromString("iqn.2020-01.example:*"), wire.FilterReject)
	_ = tbl.Insert(&AdmExport{Export: e})
	b, _ := export.NewBdev(testUUID(6), "/dev/sdc")
	_ = tbl.Insert(&AdmExport{Export: b})

	data, err := tbl.SerializeToXML()
	if err != nil {
		t.Fatal(err)
	}

	other := New()
	if err := other.ParseFromXML(data); err != nil {
		t.Fatal(err)
	}
	if other.GetNumber() != 2 {
		t.Fatalf("expected 2 exports, got %d", other.GetNumber())
	}
	if other.GetVersion() != tbl.GetVersion() {
		t.Fatalf("expected version %d, got %d", tbl.GetVersion(), other.GetVersion())
	}
	got := other.GetByUUID(testUUID(5))
	if got == nil || !got.Export.IsEqual(e) {
		t.Fatalf("round trip mismatch for iscsi export")
	}
}

func TestDeserializeFromDiskMissingFileIsEmptyTable(t *testing.T) {
	tbl := New()
	if err := tbl.DeserializeFromDisk("/nonexistent/path/registry.xml"); err != nil {
		t.Fatal(err)
	}
	if tbl.GetNumber() != 0 {
		t.Fatalf("expected empty table, got %d", tbl.GetNumber())
	}
}

func TestParseFromXMLSkipsOneBrokenExportAndKeepsRest(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<exportlist format_version="1" version="4">
  <export uuid="00000001:00000001:00000001:00000001" type="bdev" path="/dev/sda"/>
  <export uuid="not-a-uuid" type="bdev" path="/dev/sdb"/>
  <export uuid="00000002:00000002:00000002:00000002" type="iscsi" lun="3" filter_policy="ACCEPT"/>
</exportlist>`
	tbl := New()
	if err := tbl.ParseFromXML([]byte(doc)); err != nil {
		t.Fatalf("expected tolerant parse to succeed overall, got %v", err)
	}
	if tbl.GetNumber() != 2 {
		t.Fatalf("expected 2 surviving exports, got %d", tbl.GetNumber())
	}
	if tbl.GetVersion() != 4 {
		t.Fatalf("expected version 4 from document, got %d", tbl.GetVersion())
	}
}

func TestParseFromXMLMissingFormatVersionIsLegacy(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<exportlist version="1">
  <export uuid="00000001:00000001:00000001:00000001" type="bdev" path="/dev/sda"/>
</exportlist>`
	tbl := New()
	if err := tbl.ParseFromXML([]byte(doc)); err != nil {
		t.Fatalf("expected missing format_version to be treated as legacy v1, got %v", err)
	}
	if tbl.GetNumber() != 1 {
		t.Fatalf("expected 1 export, got %d", tbl.GetNumber())
	}
}

func TestParseFromXMLRejectsUnknownFormatVersion(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<exportlist format_version="2" version="1">
</exportlist>`
	tbl := New()
	if err := tbl.ParseFromXML([]byte(doc)); !errors.Is(err, ErrUnknownFormatVersion) {
		t.Fatalf("expected ErrUnknownFormatVersion, got %v", err)
	}
}
