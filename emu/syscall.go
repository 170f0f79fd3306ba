package emu

import (
	"bytes"
	"fmt"
	"io"

	"github.com/rivulet-emu/rivulet/riscv"
)

// SyscallEnv is the host side of the syscall layer: where guest stdio goes
// and what the guest sees when it asks about itself.
type SyscallEnv struct {
	StdOut io.Writer
	StdErr io.Writer
	Stdin  io.Reader

	// ExecPath is reported for readlinkat("/proc/self/exe").
	ExecPath string
}

// SyscallFn handles one syscall. args holds a0-a5; the return value lands in
// a0, negative errno values included. Handlers that terminate the program set
// Exited/ExitCode on the state instead.
type SyscallFn func(s *VMState, env *SyscallEnv, args [6]U64) U64

// SyscallTable maps Linux syscall numbers to handlers. It is an open map:
// callers may add or replace entries before running.
type SyscallTable map[U64]SyscallFn

// Invoke dispatches the syscall selected by a7. Unknown numbers are a hard
// error: inventing a result would corrupt the guest in ways that only show
// up much later.
func (t SyscallTable) Invoke(s *VMState, env *SyscallEnv) error {
	nr := s.loadRegister(17)
	fn, ok := t[nr]
	if !ok {
		return &UnsupportedSyscall{Number: nr}
	}
	args := [6]U64{
		s.loadRegister(10),
		s.loadRegister(11),
		s.loadRegister(12),
		s.loadRegister(13),
		s.loadRegister(14),
		s.loadRegister(15),
	}
	ret := fn(s, env, args)
	if s.Exited {
		return nil
	}
	s.writeRegister(10, ret)
	return nil
}

func errnoRet(errno U64) U64 {
	return sub64(0, errno)
}

// DefaultSyscalls builds the standard handler set: enough of the riscv64
// Linux ABI for static musl/glibc binaries to start up, do stdio, manage
// memory, and exit.
func DefaultSyscalls() SyscallTable {
	t := SyscallTable{}

	t[riscv.SysExit] = sysExit
	t[riscv.SysExitGroup] = sysExit
	t[riscv.SysTgkill] = sysTgkill

	t[riscv.SysWrite] = sysWrite
	t[riscv.SysWritev] = sysWritev
	t[riscv.SysRead] = sysRead
	t[riscv.SysFstat] = sysFstat
	t[riscv.SysFcntl] = sysFcntl
	t[riscv.SysIoctl] = func(s *VMState, env *SyscallEnv, args [6]U64) U64 {
		return errnoRet(riscv.ErrnoENOTTY)
	}
	t[riscv.SysReadlinkat] = sysReadlinkat

	t[riscv.SysBrk] = sysBrk
	t[riscv.SysMmap] = sysMmap
	t[riscv.SysMprotect] = sysMprotect

	t[riscv.SysUname] = sysUname
	t[riscv.SysClockGettime] = sysClockGettime
	t[riscv.SysGetrandom] = sysGetrandom
	t[riscv.SysPrlimit64] = sysPrlimit64
	t[riscv.SysGetrlimit] = sysGetrlimit
	t[riscv.SysFutex] = sysFutex
	t[riscv.SysSchedGetaffinity] = sysSchedGetaffinity

	// single-threaded stubs: success with nothing to do
	for _, nr := range []U64{
		riscv.SysClose,
		riscv.SysMunmap,
		riscv.SysMadvise,
		riscv.SysSetRobustList,
		riscv.SysRtSigaction,
		riscv.SysRtSigprocmask,
	} {
		t[nr] = sysReturnZero
	}

	// fake single process/thread identity
	t[riscv.SysSetTidAddress] = sysReturnOne
	t[riscv.SysGetpid] = sysReturnOne
	t[riscv.SysGettid] = sysReturnOne

	// probed-for interfaces we deliberately do not have
	t[riscv.SysRseq] = sysReturnENOSYS
	t[riscv.SysRiscvHwprobe] = sysReturnENOSYS

	return t
}

func sysReturnZero(s *VMState, env *SyscallEnv, args [6]U64) U64 { return 0 }

func sysReturnOne(s *VMState, env *SyscallEnv, args [6]U64) U64 { return 1 }

func sysReturnENOSYS(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	return errnoRet(riscv.ErrnoENOSYS)
}

func sysExit(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	s.Exited = true
	s.ExitCode = uint8(args[0])
	return 0
}

// tgkill: the only delivery a single-threaded guest does is abort(), which
// raises SIGABRT against itself. Terminate the way the kernel would report
// it: 128 + signal number.
func sysTgkill(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	const sigabrt = 6
	if args[2] == sigabrt {
		s.Exited = true
		s.ExitCode = 128 + sigabrt
		return 0
	}
	return 0
}

func sysWrite(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	fd, addr, count := args[0], args[1], args[2]
	return writeFd(s, env, fd, addr, count)
}

func writeFd(s *VMState, env *SyscallEnv, fd, addr, count U64) U64 {
	var w io.Writer
	switch fd {
	case riscv.FdStdout:
		w = env.StdOut
	case riscv.FdStderr:
		w = env.StdErr
	default:
		return errnoRet(riscv.ErrnoEBADF)
	}
	if count == 0 {
		return 0
	}
	s.Memory.checkRange(addr, count, permRead)
	if _, err := io.Copy(w, s.Memory.ReadMemoryRange(addr, count)); err != nil {
		panic(fmt.Errorf("fd %d writing err: %w", fd, err))
	}
	// the write completes fully in a single step
	return count
}

// writev: each guest iovec is 16 bytes, u64 base + u64 len.
func sysWritev(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	fd, iov, iovcnt := args[0], args[1], args[2]
	total := U64(0)
	for i := U64(0); i < iovcnt; i++ {
		entry := add64(iov, mul64(i, toU64(16)))
		base := s.loadMem(entry, 8, false)
		length := s.loadMem(add64(entry, toU64(8)), 8, false)
		if length == 0 {
			continue
		}
		n := writeFd(s, env, fd, base, length)
		if slt64(n, 0) != 0 {
			return n
		}
		total = add64(total, n)
	}
	return total
}

func sysRead(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	fd, addr, count := args[0], args[1], args[2]
	if fd != riscv.FdStdin {
		return errnoRet(riscv.ErrnoEBADF)
	}
	if env.Stdin == nil || count == 0 {
		return 0 // EOF
	}
	s.Memory.checkRange(addr, count, permWrite)
	buf := make([]byte, count)
	n, err := env.Stdin.Read(buf)
	if n > 0 {
		if err := s.Memory.SetMemoryRange(addr, bytes.NewReader(buf[:n])); err != nil {
			panic(fmt.Errorf("stdin copy err: %w", err))
		}
		return U64(n)
	}
	if err != nil && err != io.EOF {
		panic(fmt.Errorf("stdin reading err: %w", err))
	}
	return 0
}

// fstat: stdio fds present as a character device; nothing else is open.
// The riscv64 struct stat is 128 bytes, st_mode at offset 16.
func sysFstat(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	fd, buf := args[0], args[1]
	if fd > riscv.FdStderr {
		return errnoRet(riscv.ErrnoEBADF)
	}
	zeroMem(s, buf, 128)
	const charDevMode = 0o020666 // S_IFCHR | rw-rw-rw-
	s.storeMem(add64(buf, toU64(16)), 4, charDevMode)
	return 0
}

func sysFcntl(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	fd, cmd := args[0], args[1]
	const fGetfl = 3
	if cmd != fGetfl {
		// don't allow changing flags, duplicating fds, etc.
		return errnoRet(riscv.ErrnoEINVAL)
	}
	switch fd {
	case riscv.FdStdin:
		return 0 // O_RDONLY
	case riscv.FdStdout, riscv.FdStderr:
		return 1 // O_WRONLY
	default:
		return errnoRet(riscv.ErrnoEBADF)
	}
}

func sysReadlinkat(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	path := readCString(s, args[1])
	if path != "/proc/self/exe" {
		return errnoRet(riscv.ErrnoENOENT)
	}
	buf, bufsiz := args[2], args[3]
	out := []byte(env.ExecPath)
	if U64(len(out)) > bufsiz {
		out = out[:bufsiz]
	}
	if len(out) > 0 {
		s.Memory.checkRange(buf, U64(len(out)), permWrite)
		if err := s.Memory.SetMemoryRange(buf, bytes.NewReader(out)); err != nil {
			panic(fmt.Errorf("readlinkat copy err: %w", err))
		}
	}
	return U64(len(out))
}

// brk only ever grows. Shrinking requests report the current break, matching
// what a kernel does when it refuses.
func sysBrk(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	addr := args[0]
	if addr == 0 || lt64(addr, s.Brk) != 0 {
		return s.Brk
	}
	oldAligned := pageAlignUp(s.Brk)
	newAligned := pageAlignUp(addr)
	if newAligned > oldAligned {
		if err := s.Memory.Mmap(oldAligned, newAligned-oldAligned, permRead|permWrite); err != nil {
			return errnoRet(riscv.ErrnoENOMEM)
		}
	}
	s.Brk = addr
	return addr
}

func sysMmap(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	addr, length, prot := args[0], args[1], args[2]
	// flags, fd, offset ignored: anonymous private mappings only
	if length == 0 {
		return errnoRet(riscv.ErrnoEINVAL)
	}
	alignedLen := pageAlignUp(length)
	if addr == 0 {
		// no hint: hand out from the mmap cursor
		addr = s.Heap
		s.Heap = add64(s.Heap, alignedLen)
	}
	if err := s.Memory.Mmap(addr, alignedLen, and64(prot, toU64(7))); err != nil {
		return errnoRet(riscv.ErrnoENOMEM)
	}
	return addr
}

func sysMprotect(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	addr, length, prot := args[0], args[1], args[2]
	if err := s.Memory.Protect(addr, length, and64(prot, toU64(7))); err != nil {
		return errnoRet(riscv.ErrnoEINVAL)
	}
	return 0
}

// uname: new_utsname, six NUL-padded 65-byte fields.
func sysUname(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	buf := args[0]
	zeroMem(s, buf, 6*65)
	fields := []string{
		"Linux",   // sysname
		"rivulet", // nodename
		"6.1.0",   // release
		"#1 SMP",  // version
		"riscv64", // machine
		"(none)",  // domainname
	}
	for i, f := range fields {
		if len(f) > 64 {
			f = f[:64]
		}
		addr := add64(buf, mul64(U64(i), toU64(65)))
		s.Memory.checkRange(addr, U64(len(f)), permWrite)
		if err := s.Memory.SetMemoryRange(addr, bytes.NewReader([]byte(f))); err != nil {
			panic(fmt.Errorf("uname copy err: %w", err))
		}
	}
	return 0
}

// clock_gettime answers from the instruction counter, so runs are
// reproducible and time still moves forward.
func sysClockGettime(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	const nsPerSec = 1_000_000_000
	tp := args[1]
	ns := 1337*U64(nsPerSec) + mul64(s.StepCount, shortToU64(100))
	s.storeMem(tp, 8, div64(ns, nsPerSec))                    // seconds
	s.storeMem(add64(tp, toU64(8)), 8, mod64(ns, nsPerSec))   // nanoseconds
	return 0
}

// getrandom fills with zeroes: deterministic, and what guests seed hash maps
// with is not this emulator's problem.
func sysGetrandom(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	buf, count := args[0], args[1]
	zeroMem(s, buf, count)
	return count
}

const (
	rlimitStack  = 3
	rlimitNofile = 7
	rlimInfinity = ^U64(0)
)

func writeRlimit(s *VMState, addr, cur, max U64) {
	s.storeMem(addr, 8, cur)
	s.storeMem(add64(addr, toU64(8)), 8, max)
}

func sysPrlimit64(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	resource, oldRlim := args[1], args[3]
	if oldRlim != 0 {
		switch resource {
		case rlimitStack:
			writeRlimit(s, oldRlim, stackSize, rlimInfinity)
		case rlimitNofile:
			writeRlimit(s, oldRlim, 1024, 1024)
		default:
			writeRlimit(s, oldRlim, rlimInfinity, rlimInfinity)
		}
	}
	// new limits are accepted and ignored
	return 0
}

func sysGetrlimit(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	resource, addr := args[0], args[1]
	switch resource {
	case rlimitStack:
		writeRlimit(s, addr, stackSize, rlimInfinity)
	case rlimitNofile:
		writeRlimit(s, addr, 1024, 1024)
	default:
		writeRlimit(s, addr, rlimInfinity, rlimInfinity)
	}
	return 0
}

// futex: with one thread there is nobody to wait for and nobody to wake.
func sysFutex(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	const (
		futexCmdMask = 0x7f
		futexWait    = 0
		futexWake    = 1
	)
	s.Memory.checkRange(args[0], 4, permRead)
	switch and64(args[1], toU64(futexCmdMask)) {
	case futexWait:
		return errnoRet(riscv.ErrnoEAGAIN)
	case futexWake:
		return 0
	default:
		return errnoRet(riscv.ErrnoENOSYS)
	}
}

// sched_getaffinity: one cpu, always.
func sysSchedGetaffinity(s *VMState, env *SyscallEnv, args [6]U64) U64 {
	length, mask := args[1], args[2]
	if lt64(length, toU64(8)) != 0 {
		return errnoRet(riscv.ErrnoEINVAL)
	}
	zeroMem(s, mask, length)
	s.storeMem(mask, 8, 1)
	return 8
}

func zeroMem(s *VMState, addr, count U64) {
	if count == 0 {
		return
	}
	s.Memory.checkRange(addr, count, permWrite)
	for i := U64(0); i < count; i += 8 {
		n := min64(8, sub64(count, i))
		s.Memory.setUnaligned(add64(addr, i), make([]byte, n))
	}
}

// readCString reads a NUL-terminated guest string, capped at a page.
func readCString(s *VMState, addr U64) string {
	var out []byte
	for i := U64(0); i < PageSize; i++ {
		b := s.loadMem(add64(addr, i), 1, false)
		if b == 0 {
			break
		}
		out = append(out, byte(b))
	}
	return string(out)
}

func pageAlignUp(v U64) U64 {
	return (v + PageAddrMask) &^ U64(PageAddrMask)
}
