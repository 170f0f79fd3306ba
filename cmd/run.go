package cmd

import (
	"debug/elf"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/rivulet-emu/rivulet/emu"
	"github.com/rivulet-emu/rivulet/riscv"
)

var (
	RunMaxStepsFlag = &cli.Uint64Flag{
		Name:  "max-steps",
		Usage: "Watchdog: terminate after executing this many instructions (0 = no limit)",
		Value: 0,
	}
	RunInfoAtFlag = &cli.Uint64Flag{
		Name:  "info-at",
		Usage: "Log execution progress every N steps (0 = never)",
		Value: 0,
	}
	RunEnvFlag = &cli.StringSliceFlag{
		Name:  "env",
		Usage: "KEY=VALUE entry for the guest environment, may be repeated",
	}
	RunLogLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level: trace, debug, info, warn, error, crit",
		Value: "info",
	}
	RunLogGuestIOFlag = &cli.BoolFlag{
		Name:  "log.guest-io",
		Usage: "Route guest stdout/stderr through the logger instead of the host streams",
	}
	RunSnapshotOutFlag = &cli.PathFlag{
		Name:  "snapshot-out",
		Usage: "Write the final VM state as JSON to this path",
	}
	RunPProfCPU = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "Profile the CPU usage of the emulator itself",
	}
)

var OutFilePerm = os.FileMode(0o644)

func writeJSON(path string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, OutFilePerm)
}

// trapExitCode maps a run error onto the reserved host exit codes, so a
// wrapping harness can tell a guest exit(121) request apart from nothing,
// but a trap apart from a clean exit.
func trapExitCode(err error) int {
	var (
		segFault    *emu.SegFault
		illegalInsn *emu.IllegalInstruction
		breakpoint  *emu.Breakpoint
		badSyscall  *emu.UnsupportedSyscall
	)
	switch {
	case errors.Is(err, emu.ErrStepLimit):
		return riscv.ExitWatchdog
	case errors.As(err, &badSyscall):
		return riscv.ExitBadSyscall
	case errors.As(err, &segFault):
		return riscv.ExitMemFault
	case errors.As(err, &illegalInsn), errors.As(err, &breakpoint):
		return riscv.ExitIllegalInsn
	default:
		return riscv.ExitInternalError
	}
}

func Run(ctx *cli.Context) error {
	if ctx.Bool(RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	lvl, err := ParseLogLevel(ctx.String(RunLogLevelFlag.Name))
	if err != nil {
		return err
	}
	l := Logger(os.Stderr, lvl)

	args := ctx.Args().Slice()
	if len(args) == 0 {
		return errors.New("missing guest program path")
	}
	elfPath := args[0]
	guestArgs := append([]string{elfPath}, args[1:]...)

	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open ELF file %q: %v", elfPath, err), riscv.ExitInternalError)
	}
	defer elfProgram.Close()

	state, err := emu.LoadELF(elfProgram, elfPath, guestArgs, ctx.StringSlice(RunEnvFlag.Name))
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load ELF into VM state: %v", err), riscv.ExitInternalError)
	}
	l.Debug("loaded program",
		"entry", HexU32(uint32(state.PC)),
		"sp", HexU32(uint32(state.Registers[2])),
		"brk", HexU32(uint32(state.Brk)),
		"pages", state.Memory.PageCount(),
	)

	env := &emu.SyscallEnv{
		StdOut:   os.Stdout,
		StdErr:   os.Stderr,
		Stdin:    os.Stdin,
		ExecPath: elfPath,
	}
	if ctx.Bool(RunLogGuestIOFlag.Name) {
		env.StdOut = &LoggingWriter{Name: "program std-out", Log: l}
		env.StdErr = &LoggingWriter{Name: "program std-err", Log: l}
	}

	m := emu.NewMachine(state, emu.DefaultSyscalls(), env)

	maxSteps := ctx.Uint64(RunMaxStepsFlag.Name)
	infoAt := ctx.Uint64(RunInfoAtFlag.Name)

	start := time.Now()
	startStep := state.StepCount

	for !state.Exited {
		step := state.StepCount
		if step%100 == 0 { // don't do the ctx err check (includes lock) too often
			if err := ctx.Context.Err(); err != nil {
				return err
			}
		}
		if maxSteps != 0 && step >= maxSteps {
			l.Error("watchdog fired", "steps", step, "pc", HexU32(uint32(state.PC)))
			return cli.Exit("", riscv.ExitWatchdog)
		}

		if infoAt != 0 && step%infoAt == 0 {
			delta := time.Since(start)
			l.Info("processing",
				"step", step,
				"pc", HexU32(uint32(state.PC)),
				"insn", HexU32(state.Instr()),
				"ips", float64(step-startStep)/(float64(delta)/float64(time.Second)),
				"pages", state.Memory.PageCount(),
				"mem", state.Memory.Usage(),
			)
		}

		if err := m.Step(); err != nil {
			l.Error("guest trapped", "step", step, "pc", HexU32(uint32(state.PC)), "err", err)
			return cli.Exit("", trapExitCode(err))
		}
	}

	if out := ctx.Path(RunSnapshotOutFlag.Name); out != "" {
		if err := writeJSON(out, state); err != nil {
			return fmt.Errorf("failed to write state snapshot: %w", err)
		}
	}

	l.Info("guest exited",
		"code", state.ExitCode,
		"steps", state.StepCount,
		"pages", state.Memory.PageCount(),
		"mem", state.Memory.Usage(),
	)
	if state.ExitCode != 0 {
		return cli.Exit("", int(state.ExitCode))
	}
	return nil
}

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Run a riscv64 Linux program to completion",
	Description: "Run a static riscv64 Linux ELF binary under emulation. Arguments after the program path are passed to the guest.",
	Action:      Run,
	Flags: []cli.Flag{
		RunMaxStepsFlag,
		RunInfoAtFlag,
		RunEnvFlag,
		RunLogLevelFlag,
		RunLogGuestIOFlag,
		RunSnapshotOutFlag,
		RunPProfCPU,
	},
}
