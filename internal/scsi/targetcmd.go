package scsi

import "sync"

// TargetCmd is one in-flight SCSI command against a LUN, tracked from
// dispatch through completion as a per-LUN map entry plus a state field.
type TargetCmd struct {
	Tag       uint64
	SessionID int
	LUN       uint64
	CDB       CDB
	State     CmdState

	// Abortable marks commands logical_unit_reset is allowed to cut short:
	// PERSISTENT_RESERVE_OUT, RESERVE_6, RELEASE_6.
	Abortable bool

	// Done is closed exactly once, when the command's response has been
	// produced (including the Abort short-circuit from a concurrent reset).
	Done chan struct{}
	// Response carries the completed status; only valid after Done closes.
	Response Response

	once sync.Once
}

// Response is the outcome of a dispatched command.
type Response struct {
	Status byte
	Sense  []byte
}

// isAbortableOpcode reports whether opcode is one a logical-unit reset is
// permitted to abort mid-flight.
func isAbortableOpcode(op byte) bool {
	switch op {
	case OpPersistentReserveOut, OpReserve6, OpRelease6:
		return true
	default:
		return false
	}
}

// NewTargetCmd builds a TargetCmd for cdb, marking it abortable per its
// opcode.
func NewTargetCmd(tag uint64, sessionID int, lun uint64, cdb CDB) *TargetCmd {
	return &TargetCmd{
		Tag:       tag,
		SessionID: sessionID,
		LUN:       lun,
		CDB:       cdb,
		State:     CmdStateNew,
		Abortable: isAbortableOpcode(cdb.Opcode()),
		Done:      make(chan struct{}),
	}
}

// Complete records resp and signals Done. A concurrent logical-unit reset
// and the command's own dispatch path can both race to complete the same
// command; only the first call wins.
func (c *TargetCmd) Complete(resp Response) {
	c.once.Do(func() {
		c.Response = resp
		c.State = CmdStateCompleted
		close(c.Done)
	})
}
