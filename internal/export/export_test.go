package export

import (
	"testing"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

func testUUID(n uint32) wire.UUID {
	return wire.UUID{n, n, n, n}
}

func TestIscsiFilterLifecycle(t *testing.T) {
	e, err := NewIscsi(testUUID(1), 3, wire.FilterAccept)
	if err != nil {
		t.Fatal(err)
	}
	star := wire.MustFromString("iqn.2020-01.example:*")
	if err := e.AddIqnFilter(star, wire.FilterReject); err != nil {
		t.Fatal(err)
	}
	if err := e.AddIqnFilter(star, wire.FilterReject); err != ErrDuplicateFilter {
		t.Fatalf("expected ErrDuplicateFilter, got %v", err)
	}

	host1 := wire.MustFromString("iqn.2020-01.example:host1")
	other := wire.MustFromString("iqn.2020-02.example:host1")
	if got := e.PolicyForIqn(host1); got != wire.FilterReject {
		t.Fatalf("expected REJECT for matching filter, got %v", got)
	}
	if got := e.PolicyForIqn(other); got != wire.FilterAccept {
		t.Fatalf("expected default ACCEPT for non-matching iqn, got %v", got)
	}

	if err := e.RemoveIqnFilter(star); err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveIqnFilter(star); err != ErrFilterNotFound {
		t.Fatalf("expected ErrFilterNotFound, got %v", err)
	}
}

func TestAddIqnFilterCapacity(t *testing.T) {
	e, _ := NewIscsi(testUUID(2), 0, wire.FilterAccept)
	for i := 0; i < MaxFilters; i++ {
		p := wire.MustFromString("iqn.2020-01.example:" + string(rune('a'+i%26)) + string(rune('0'+i/26)))
		if err := e.AddIqnFilter(p, wire.FilterAccept); err != nil {
			t.Fatalf("unexpected error at filter %d: %v", i, err)
		}
	}
	overflow := wire.MustFromString("iqn.2020-01.example:overflow")
	if err := e.AddIqnFilter(overflow, wire.FilterAccept); err != ErrTooManyFilters {
		t.Fatalf("expected ErrTooManyFilters, got %v", err)
	}
}

func TestIsEqual(t *testing.T) {
	u := testUUID(7)
	a, _ := NewIscsi(u, 3, wire.FilterAccept)
	b, _ := NewIscsi(u, 3, wire.FilterAccept)
	if !a.IsEqual(b) {
		t.Fatal("expected equal exports")
	}
	_ = b.SetLUN(4)
	if a.IsEqual(b) {
		t.Fatal("expected unequal exports after LUN change")
	}
}

func TestSerializeDeserializeRoundTripIscsi(t *testing.T) {
	e, _ := NewIscsi(testUUID(42), 5, wire.FilterAccept)
	_ = e.AddIqnFilter(wire.MustFromString("iqn.2020-01.example:*"), wire.FilterReject)
	e.SetReadonly(true)

	buf := make([]byte, SerializedSize())
	n, err := e.Serialize(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != SerializedSize() {
		t.Fatalf("expected exactly SerializedSize() bytes, got %d", n)
	}
	got, err := Deserialize(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsEqual(got) {
		t.Fatalf("round trip mismatch: %+v != %+v", e, got)
	}
}

func TestSerializeDeserializeRoundTripBdev(t *testing.T) {
	e, _ := NewBdev(testUUID(43), "/dev/sda")
	buf := make([]byte, SerializedSize())
	if _, err := e.Serialize(buf); err != nil {
		t.Fatal(err)
	}
	got, err := Deserialize(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsEqual(got) {
		t.Fatalf("round trip mismatch: %+v != %+v", e, got)
	}
}

func TestSerializeRejectsShortBuffer(t *testing.T) {
	e, _ := NewBdev(testUUID(1), "/dev/sda")
	buf := make([]byte, 4)
	if _, err := e.Serialize(buf); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	if _, err := Deserialize(buf); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}
