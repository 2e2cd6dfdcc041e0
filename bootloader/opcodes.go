package bootloader

import "time"

// ProtocolVersion is the value returned by GET_DEVICE sub-arg 1.
const ProtocolVersion = 7

// Opcodes.
const (
	opGetSync            = 0x21
	opGetDevice          = 0x22
	opChipErase          = 0x23
	opProgMulti          = 0x27
	opGetCRC             = 0x29
	opGetOTP             = 0x2A
	opGetSN              = 0x2B
	opGetChip            = 0x2C
	opSetDelay           = 0x2D
	opGetChipDes         = 0x2E
	opBoot               = 0x30
	opDebug              = 0x31
	opSetIV              = 0x36
	opProgMultiEncrypted = 0x37
	opCheckCRC           = 0x38
	opCheckKey           = 0x39
)

// GET_DEVICE sub-arguments.
const (
	deviceProtocolVersion = 1
	deviceBoardID         = 2
	deviceBoardRev        = 3
	deviceFWSize          = 4
	deviceVectorTable     = 5
)

// Timeout table, in wall-clock time per command phase.
const (
	timeoutIdle          = 0
	timeoutGetDeviceArg  = 1000 * time.Millisecond
	timeoutEOCSimple     = 2 * time.Millisecond
	timeoutEOCProgMulti  = 200 * time.Millisecond
	timeoutEOCBoot       = 1000 * time.Millisecond
	timeoutProgMultiLen  = 50 * time.Millisecond
	timeoutProgMultiByte = 1000 * time.Millisecond
	timeoutSetDelayArg   = 100 * time.Millisecond
	timeoutAddrWord      = 100 * time.Millisecond
)

// BootDelayMax bounds the SET_DELAY argument.
const BootDelayMax = 30
