package wire

import "testing"

func TestBigEndianRoundTrip16(t *testing.T) {
	buf := make([]byte, 2)
	SetBigEndian16(0xBEEF, buf)
	if got := GetBigEndian16(buf); got != 0xBEEF {
		t.Fatalf("got %x, want %x", got, 0xBEEF)
	}
}

func TestBigEndianRoundTrip32(t *testing.T) {
	buf := make([]byte, 4)
	SetBigEndian32(0xDEADBEEF, buf)
	if got := GetBigEndian32(buf); got != 0xDEADBEEF {
		t.Fatalf("got %x, want %x", got, 0xDEADBEEF)
	}
}

func TestBigEndianRoundTrip64(t *testing.T) {
	buf := make([]byte, 8)
	SetBigEndian64(0x0102030405060708, buf)
	if got := GetBigEndian64(buf); got != 0x0102030405060708 {
		t.Fatalf("got %x, want %x", got, 0x0102030405060708)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	for i, b := range want {
		if buf[i] != b {
			t.Fatalf("byte %d: got %x want %x", i, buf[i], b)
		}
	}
}
