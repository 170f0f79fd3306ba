package emu

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rivulet-emu/rivulet/riscv"
)

const progEntry = uint64(0x10000)

// loadProgram assembles code words at the entry point, appends data at
// entry+dataOff, and boots the image through the ELF loader.
func loadProgram(t *testing.T, code []U64, dataOff uint64, data []byte, argv []string) *VMState {
	t.Helper()
	raw := make([]byte, dataOff+uint64(len(data)))
	for i, w := range code {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(w))
	}
	copy(raw[dataOff:], data)

	f := parseELF(t, elfImage(progEntry, raw, uint64(len(raw))+0x100))
	s, err := LoadELF(f, "/bin/prog", argv, nil)
	require.NoError(t, err)
	return s
}

func TestMachineHelloWorld(t *testing.T) {
	msg := "Hello, World!\n"
	const msgOff = 0x40
	code := []U64{
		encodeUType(0x37, 11, progEntry),                         // lui a1, <entry>
		encodeIType(0x13, 11, 0, 11, msgOff),                     // addi a1, a1, msgOff
		encodeIType(0x13, 10, 0, 0, 1),                           // li a0, 1 (stdout)
		encodeIType(0x13, 12, 0, 0, U64(len(msg))),               // li a2, len
		encodeIType(0x13, 17, 0, 0, riscv.SysWrite),              // li a7, SYS_write
		encodeIType(0x73, 0, 0, 0, 0),                            // ecall
		encodeIType(0x13, 10, 0, 0, 0),                           // li a0, 0
		encodeIType(0x13, 17, 0, 0, riscv.SysExitGroup),          // li a7, SYS_exit_group
		encodeIType(0x73, 0, 0, 0, 0),                            // ecall
	}
	s := loadProgram(t, code, msgOff, []byte(msg), []string{"prog"})

	var stdout bytes.Buffer
	m := NewMachine(s, DefaultSyscalls(), &SyscallEnv{StdOut: &stdout})
	require.NoError(t, m.Run(context.Background(), 1000))

	require.True(t, s.Exited)
	require.Equal(t, uint8(0), s.ExitCode)
	require.Equal(t, msg, stdout.String())
}

func TestMachineArgcExit(t *testing.T) {
	code := []U64{
		encodeIType(0x03, 10, 3, 2, 0),                  // ld a0, 0(sp) = argc
		encodeIType(0x13, 17, 0, 0, riscv.SysExitGroup), // li a7, SYS_exit_group
		encodeIType(0x73, 0, 0, 0, 0),                   // ecall
	}
	s := loadProgram(t, code, 0x40, nil, []string{"prog", "a", "b"})

	m := NewMachine(s, DefaultSyscalls(), &SyscallEnv{})
	require.NoError(t, m.Run(context.Background(), 1000))
	require.Equal(t, uint8(3), s.ExitCode, "exit code echoes argc")
}

func TestMachineWatchdog(t *testing.T) {
	code := []U64{
		encodeJType(0x6F, 0, 0), // jal x0, 0: spin forever
	}
	s := loadProgram(t, code, 0x40, nil, []string{"prog"})

	m := NewMachine(s, DefaultSyscalls(), &SyscallEnv{})
	err := m.Run(context.Background(), 100)
	require.ErrorIs(t, err, ErrStepLimit)
	require.False(t, s.Exited)
	require.Equal(t, uint64(100), s.StepCount)
}

func TestMachineContextCancel(t *testing.T) {
	code := []U64{
		encodeJType(0x6F, 0, 0),
	}
	s := loadProgram(t, code, 0x40, nil, []string{"prog"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMachine(s, DefaultSyscalls(), &SyscallEnv{})
	require.ErrorIs(t, m.Run(ctx, 0), context.Canceled)
}

func TestMachineTrapSurfacesAsError(t *testing.T) {
	code := []U64{
		encodeIType(0x13, 17, 0, 0, 0xFFF), // li a7, 4095: no such syscall
		encodeIType(0x73, 0, 0, 0, 0),      // ecall
	}
	s := loadProgram(t, code, 0x40, nil, []string{"prog"})

	m := NewMachine(s, DefaultSyscalls(), &SyscallEnv{})
	err := m.Run(context.Background(), 1000)
	badSyscall := &UnsupportedSyscall{}
	require.ErrorAs(t, err, &badSyscall)
	require.Equal(t, uint64(0xFFF), badSyscall.Number)
}
