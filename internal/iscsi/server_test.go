package iscsi

import (
	"net"
	"testing"
)

func TestPaddingFor(t *testing.T) {
	cases := map[int]int{0: 0, 1: 3, 2: 2, 3: 1, 4: 0, 5: 3}
	for n, want := range cases {
		if got := paddingFor(n); got != want {
			t.Errorf("paddingFor(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestAtoiDefault(t *testing.T) {
	if got := atoiDefault("123", 7); got != 123 {
		t.Errorf("atoiDefault(123) = %d, want 123", got)
	}
	if got := atoiDefault("", 7); got != 7 {
		t.Errorf("atoiDefault(\"\") = %d, want 7", got)
	}
	if got := atoiDefault("not-a-number", 7); got != 7 {
		t.Errorf("atoiDefault(garbage) = %d, want 7", got)
	}
}

func TestEncodeTextKeysRoundTrips(t *testing.T) {
	kv := map[string]string{"InitialR2T": "Yes", "MaxBurstLength": "65536"}
	got := ParseTextKeys(encodeTextKeys(kv))
	if len(got) != len(kv) {
		t.Fatalf("round trip lost keys: got %v, want %v", got, kv)
	}
	for k, v := range kv {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestWritePDUThenReadPDURoundTrips(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	buf := make([]byte, HeaderLen+3) // odd-sized data segment exercises padding
	buf[0] = byte(OpNopIn)
	buf[1] = 0x80
	copy(buf[HeaderLen:], []byte{1, 2, 3})
	// wire.SetBigEndian32 avoided here to keep this test import-light; the
	// AHSLength/DataSegmentLength word is the same four bytes ParseHeader
	// reads back.
	buf[4], buf[5], buf[6], buf[7] = 0, 0, 0, 3

	done := make(chan error, 1)
	go func() { done <- writePDU(a, buf) }()

	h, data, err := readPDU(b)
	if err != nil {
		t.Fatalf("readPDU: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writePDU: %v", err)
	}
	if h.Opcode != OpNopIn {
		t.Errorf("opcode = %#x, want OpNopIn", h.Opcode)
	}
	if string(data) != "\x01\x02\x03" {
		t.Errorf("data = %v, want [1 2 3]", data)
	}
}
