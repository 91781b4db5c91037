package wire

import "testing"

func TestUUIDRoundTripString(t *testing.T) {
	u := UUID{0xdeadbeef, 0x00000001, 0xcafebabe, 0x0badf00d}
	s := u.String()
	got, err := ParseUUID(s)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("got %v want %v", got, u)
	}
}

func TestUUIDRoundTripBinary(t *testing.T) {
	u := UUID{1, 2, 3, 4}
	buf := u.MarshalBinary()
	if len(buf) != 16 {
		t.Fatalf("expected 16-byte buffer, got %d", len(buf))
	}
	got, err := UnmarshalUUID(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != u {
		t.Fatalf("got %v want %v", got, u)
	}
}

func TestUUIDParseRejectsGarbage(t *testing.T) {
	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected error")
	}
}
