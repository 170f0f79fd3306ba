package emu

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrStepLimit is returned by Run when the watchdog step budget runs out
// before the guest exits.
var ErrStepLimit = errors.New("step limit reached")

// Machine drives a loaded guest program: the fetch-decode-execute loop plus
// the host environment its syscalls talk to.
type Machine struct {
	state *VMState

	syscalls SyscallTable
	env      *SyscallEnv
}

func NewMachine(state *VMState, syscalls SyscallTable, env *SyscallEnv) *Machine {
	if env.StdOut == nil {
		env.StdOut = io.Discard
	}
	if env.StdErr == nil {
		env.StdErr = io.Discard
	}
	return &Machine{
		state:    state,
		syscalls: syscalls,
		env:      env,
	}
}

func (m *Machine) State() *VMState { return m.state }

// Step executes a single instruction and advances the step counter.
func (m *Machine) Step() error {
	if err := Step(m.state, m.syscalls, m.env); err != nil {
		return err
	}
	m.state.StepCount++
	return nil
}

// Run executes until the guest exits, the context is cancelled, or maxSteps
// instructions have retired (0 disables the watchdog). The guest's own exit
// code is left on the state; errors are traps and host-side failures only.
func (m *Machine) Run(ctx context.Context, maxSteps uint64) error {
	for !m.state.Exited {
		if m.state.StepCount%100 == 0 { // don't do the ctx err check (includes lock) too often
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if maxSteps != 0 && m.state.StepCount >= maxSteps {
			return fmt.Errorf("%w after %d steps (pc=0x%x)", ErrStepLimit, m.state.StepCount, m.state.PC)
		}
		if err := m.Step(); err != nil {
			return fmt.Errorf("failed at step %d (pc=0x%x): %w", m.state.StepCount, m.state.PC, err)
		}
	}
	return nil
}
