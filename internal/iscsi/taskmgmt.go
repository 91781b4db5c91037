package iscsi

// TaskFunction is the Task Management Function Code, BHS byte 1 low 7 bits.
type TaskFunction byte

const (
	FnAbortTask        TaskFunction = 1
	FnAbortTaskSet     TaskFunction = 2
	FnClearACA         TaskFunction = 3
	FnClearTaskSet     TaskFunction = 4
	FnLogicalUnitReset TaskFunction = 5
	FnTargetWarmReset  TaskFunction = 6
	FnTargetColdReset  TaskFunction = 7
	FnTaskReassign     TaskFunction = 8
)

// TaskResponse is the Response field of a Task Management Function Response.
type TaskResponse byte

const (
	RespFunctionComplete     TaskResponse = 0x00
	RespNoSuchTask           TaskResponse = 0x01
	RespLUNNotSupported      TaskResponse = 0x02
	RespTaskMgmtNotSupported TaskResponse = 0x05
	RespFunctionRejected     TaskResponse = 0xff
)

// Hooks is the glue a Task Management handler needs from the SCSI command
// layer: resetting a LUN (or every LUN, for warm/cold target reset).
type Hooks struct {
	ResetLUN    func(lun uint64, notifyReset func())
	ResetAllLUNs func()
}

// HandleTaskManagement implements the supported functions. ABORT TASK
// waits for the referenced command to finish naturally (it is the
// session's own BeginTask/EndTask bookkeeping that makes "finish
// naturally" observable; this function only decides the response code);
// when the tag is absent, the command has already completed and been
// reaped, so NO_SUCH_TASK is the reply. LOGICAL UNIT RESET and TARGET
// WARM/COLD RESET delegate to the command layer's LunSlot.ResetLocalUnit
// via hooks. Everything else is answered NO_SUPPORT.
func HandleTaskManagement(session *Session, hooks Hooks, fn TaskFunction, lun uint64, refTag uint32) TaskResponse {
	switch fn {
	case FnAbortTask:
		cmd := session.TaskByTag(refTag)
		if cmd == nil {
			return RespNoSuchTask
		}
		<-cmd.Done
		return RespFunctionComplete
	case FnLogicalUnitReset:
		if hooks.ResetLUN != nil {
			hooks.ResetLUN(lun, nil)
		}
		return RespFunctionComplete
	case FnTargetWarmReset, FnTargetColdReset:
		if hooks.ResetAllLUNs != nil {
			hooks.ResetAllLUNs()
		}
		return RespFunctionComplete
	default:
		return RespTaskMgmtNotSupported
	}
}
