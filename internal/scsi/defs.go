// Package scsi implements the SCSI command layer: per-LUN command
// serialization, CDB dispatch, INQUIRY/REPORT LUNS/MODE SENSE emulation,
// and the boundary to the cluster PR engine.
package scsi

// Opcodes actually dispatched on. Values and naming follow the SCSI opcode
// table used throughout the command-emulation layer.
const (
	OpTestUnitReady         = 0x00
	OpRequestSense          = 0x03
	OpRead6                 = 0x08
	OpWrite6                = 0x0a
	OpInquiry               = 0x12
	OpModeSelect            = 0x15
	OpReserve6              = 0x16
	OpRelease6              = 0x17
	OpModeSense             = 0x1a
	OpReadCapacity          = 0x25
	OpRead10                = 0x28
	OpWrite10               = 0x2a
	OpVerify10              = 0x2f
	OpSynchronizeCache10    = 0x35
	OpRead12                = 0xa8
	OpWrite12               = 0xaa
	OpVerify12              = 0xaf
	OpModeSelect10          = 0x55
	OpReserve10             = 0x56
	OpRelease10             = 0x57
	OpModeSense10           = 0x5a
	OpPersistentReserveIn   = 0x5e
	OpPersistentReserveOut  = 0x5f
	OpReportLuns            = 0xa0
	OpRead16                = 0x88
	OpWrite16               = 0x8a
	OpVerify16              = 0x8f
	OpSynchronizeCache16    = 0x91
	OpServiceActionIn16     = 0x9e
	SaiReadCapacity16       = 0x10
)

// SAM status codes (SAM-3 T10/1561-D).
const (
	SamStatGood                = 0x00
	SamStatCheckCondition       = 0x02
	SamStatReservationConflict  = 0x18
	SamStatTaskAborted          = 0x40
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
)

// Additional sense codes (ASC/ASCQ packed into one 16-bit value, ASC in
// the high byte).
const (
	AscReadError                     = 0x1100
	AscInvalidFieldInCdb             = 0x2400
	AscInvalidCommandOperationCode   = 0x2000
	AscInternalTargetFailure         = 0x4400
	AscReportedLunsDataHasChanged    = 0x3f0e
	AscCapacityDataHasChanged        = 0x2a09
	AscInquiryDataHasChanged         = 0x3f03
	AscBusDeviceResetFunctionOccured = 0x2902
	AscLogicalAddressOutOfRange      = 0x2100
)

// Peripheral device type / qualifier codes used by INQUIRY.
const (
	PeripheralDirectAccess = 0x00
	PeripheralWellKnownLU  = 0x0d
	PeripheralUnknown      = 0x1f

	PeripheralQualifierConnected   = 0x00
	PeripheralQualifierNotCapable  = 0x20
	PeripheralQualifierCapable     = 0x60
)

// CmdState tracks an outstanding TargetCmd as it moves through the
// per-LUN pipeline.
type CmdState int

const (
	CmdStateNew CmdState = iota
	CmdStateWaitingData
	CmdStateReadyToSend
	CmdStateSubmitted
	CmdStatePendingPR
	CmdStateCompleted
	CmdStateAbort
	CmdStateDone
)

// MaxLuns bounds the LUN address space, matching internal/wire.MaxLUNs.
const MaxLuns = 256

// TargetBufferSize is the per-command data buffer bound, advertised in the
// Block Limits VPD page and matching the target's negotiated burst limits.
const TargetBufferSize = 262144

// VendorID/ProductID/ProductRev are the compile-time constants copied into
// standard INQUIRY responses.
const (
	VendorID  = "Exanodes"
	ProductID = "LUM Virtual LUN"
	ProductRev = "1.0 "
)
