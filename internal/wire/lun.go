package wire

import (
	"strconv"
)

// MaxLUNs is the exclusive upper bound on valid LUN numbers (lun.h).
const MaxLUNs = 256

// NoLUN is the sentinel for "no LUN" / "invalid LUN" (LUN_NONE = MAX_LUNS+5).
const NoLUN uint64 = MaxLUNs + 5

// ResetAllLUNs is the sentinel lun.go#RESET_ALL_LUNS used by TARGET WARM/COLD
// RESET to mean "every LUN", distinct from NoLUN.
const ResetAllLUNs uint64 = MaxLUNs + 1

// LUNIsValid reports whether lun is in [0, MaxLUNs).
func LUNIsValid(lun uint64) bool {
	return lun < MaxLUNs
}

// LUNFromString parses a base-10 LUN, returning NoLUN if the string is
// malformed or out of range. Use LUNIsValid on the result to check success.
func LUNFromString(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || !LUNIsValid(v) {
		return NoLUN
	}
	return v
}

// LUNToString renders lun in base 10. Returns "" for an out-of-range LUN.
func LUNToString(lun uint64) string {
	if !LUNIsValid(lun) {
		return ""
	}
	return strconv.FormatUint(lun, 10)
}

// LUNSetBigEndian writes the on-wire LUN field: 8 bytes, LUN value in the
// first two bytes big-endian, the rest zero.
func LUNSetBigEndian(lun uint64, buffer []byte) {
	for i := range buffer[:8] {
		buffer[i] = 0
	}
	SetBigEndian16(uint16(lun), buffer[0:2])
}

// LUNGetBigEndian extracts the LUN value from the first two bytes of
// buffer; bytes 2..7 are ignored, matching the wire format's tolerance.
func LUNGetBigEndian(buffer []byte) uint64 {
	return uint64(GetBigEndian16(buffer[0:2]))
}
