package riscv

// Linux/riscv64 syscall numbers. This numbering is the ABI contract with the
// guest and must match what riscv64 glibc/musl compile against.
const (
	SysIoctl            = 29
	SysFcntl            = 25
	SysClose            = 57
	SysRead             = 63
	SysWrite            = 64
	SysWritev           = 66
	SysReadlinkat       = 78
	SysFstat            = 80
	SysExit             = 93
	SysExitGroup        = 94
	SysSetTidAddress    = 96
	SysFutex            = 98
	SysSetRobustList    = 99
	SysClockGettime     = 113
	SysSchedGetaffinity = 123
	SysTgkill           = 131
	SysRtSigaction      = 134
	SysRtSigprocmask    = 135
	SysUname            = 160
	SysGetrlimit        = 163
	SysGetpid           = 172
	SysGettid           = 178
	SysBrk              = 214
	SysMunmap           = 215
	SysMmap             = 222
	SysMprotect         = 226
	SysMadvise          = 233
	SysRiscvHwprobe     = 258
	SysPrlimit64        = 261
	SysGetrandom        = 278
	SysRseq             = 293
)

// Guest-visible errno values, returned negated in a0.
const (
	ErrnoENOENT = 2
	ErrnoEBADF  = 9
	ErrnoEAGAIN = 11
	ErrnoENOMEM = 12
	ErrnoEACCES = 13
	ErrnoEINVAL = 22
	ErrnoENOTTY = 25
	ErrnoENOSYS = 38
)

const (
	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2
)

// Auxiliary vector keys placed on the initial stack for the guest C runtime.
const (
	AuxNull   = 0
	AuxPhdr   = 3
	AuxPhent  = 4
	AuxPhnum  = 5
	AuxPagesz = 6
	AuxEntry  = 9
	AuxRandom = 25
	AuxExecfn = 31
)

// Memory permission bits, kept equal to Linux PROT_* so the words a guest
// passes to mmap/mprotect can be used directly.
const (
	PermRead  = 1
	PermWrite = 2
	PermExec  = 4
)

// Floating point CSR addresses and fields.
const (
	CSRFflags = 0x001
	CSRFrm    = 0x002
	CSRFcsr   = 0x003

	CSRCycle   = 0xC00
	CSRTime    = 0xC01
	CSRInstret = 0xC02

	FflagsNX   = 1 << 0 // inexact
	FflagsUF   = 1 << 1 // underflow
	FflagsOF   = 1 << 2 // overflow
	FflagsDZ   = 1 << 3 // divide by zero
	FflagsNV   = 1 << 4 // invalid operation
	FflagsMask = 0x1f

	FrmRNE  = 0 // round to nearest, ties to even
	FrmRTZ  = 1 // round towards zero
	FrmRDN  = 2 // round down
	FrmRUP  = 3 // round up
	FrmRMM  = 4 // round to nearest, ties to max magnitude
	FrmDYN  = 7 // use frm CSR
	FrmMask = 0x7
)

// Host exit codes reserved for abnormal guest termination. Guest programs
// requesting these codes via exit() are indistinguishable; anything needing
// a strict channel should inspect the run error instead.
const (
	ExitWatchdog      = 121
	ExitBadSyscall    = 122
	ExitMemFault      = 123
	ExitIllegalInsn   = 124
	ExitInternalError = 125
)
