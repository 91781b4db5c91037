package iscsi

// DataPlan describes how much of a SCSI Command PDU's output data arrives
// as immediate data, and whether the target must solicit the remainder
// with R2Ts before the command can be dispatched.
type DataPlan struct {
	ImmediateLen int
	NeedR2T      bool
}

// PlanDataOut decides the immediate-data/R2T split for an incoming write
// command: totalLen is the EDTL (expected data transfer length) from the
// CDB, immediateAvailable is how many bytes of immediate data actually
// rode along on the command PDU.
//
// If ImmediateData was negotiated, read min(length,
// FirstBurstLength) bytes of immediate data; if the command is not
// complete and we are not in InitialR2T mode and FirstBurstLength has not
// been reached, wait for more unsolicited data; otherwise emit R2Ts for
// the remainder.
func PlanDataOut(totalLen, immediateAvailable, firstBurstLength int, immediateData, initialR2T bool) DataPlan {
	var taken int
	if immediateData {
		taken = immediateAvailable
		if taken > firstBurstLength {
			taken = firstBurstLength
		}
		if taken > totalLen {
			taken = totalLen
		}
	}
	remaining := totalLen - taken
	if remaining <= 0 {
		return DataPlan{ImmediateLen: taken, NeedR2T: false}
	}
	if !initialR2T && taken < firstBurstLength {
		// Still room in the first burst for more unsolicited data; the
		// caller keeps reading Data-Out PDUs without an R2T.
		return DataPlan{ImmediateLen: taken, NeedR2T: false}
	}
	return DataPlan{ImmediateLen: taken, NeedR2T: true}
}

// R2T is one Ready-To-Transfer request: a distinct R2TSN and the exact
// (offset, length) window the initiator should send next.
type R2T struct {
	R2TSN  uint32
	Offset uint32
	Length uint32
}

// PlanR2Ts splits the remaining [alreadyTransferred, totalLen) range into
// one R2T per MaxBurstLength-sized chunk, allocating R2TSNs from session.
func PlanR2Ts(session *Session, alreadyTransferred, totalLen, maxBurstLength int) []R2T {
	var r2ts []R2T
	off := alreadyTransferred
	for off < totalLen {
		length := totalLen - off
		if length > maxBurstLength {
			length = maxBurstLength
		}
		r2ts = append(r2ts, R2T{
			R2TSN:  session.AllocR2TSN(),
			Offset: uint32(off),
			Length: uint32(length),
		})
		off += length
	}
	return r2ts
}

// PlanReadData splits a totalLen-byte read response into one or more Read
// Data PDU sizes bounded by maxRecvDataSegmentLength.
func PlanReadData(totalLen, maxRecvDataSegmentLength int) []int {
	if totalLen == 0 {
		return []int{0}
	}
	var sizes []int
	for off := 0; off < totalLen; off += maxRecvDataSegmentLength {
		n := totalLen - off
		if n > maxRecvDataSegmentLength {
			n = maxRecvDataSegmentLength
		}
		sizes = append(sizes, n)
	}
	return sizes
}
