package subsystem

import (
	"github.com/librescoot/librefsm"
)

// Actions receives state entry notifications from the lifecycle machine.
// Machine implements it to keep its runtime bookkeeping in sync.
type Actions interface {
	EnterRunning(c *librefsm.Context) error
	EnterReady(c *librefsm.Context) error
	EnterError(c *librefsm.Context) error
	EnterRecovering(c *librefsm.Context) error
	EnterShutdown(c *librefsm.Context) error
}

// NewDefinition creates the lifecycle FSM shared by all subsystems.
// There is deliberately no Init -> Ready edge: a subsystem always proves
// itself in Running before it may report Ready.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateInit).
		State(StateRunning,
			librefsm.WithOnEnter(actions.EnterRunning),
		).
		State(StateReady,
			librefsm.WithOnEnter(actions.EnterReady),
		).
		State(StateError,
			librefsm.WithOnEnter(actions.EnterError),
		).
		State(StateRecovering,
			librefsm.WithOnEnter(actions.EnterRecovering),
		).
		State(StateShutdown,
			librefsm.WithOnEnter(actions.EnterShutdown),
		).

		// Bring-up
		Transition(StateInit, EvInitSucceeded, StateRunning).
		Transition(StateInit, EvInitFailed, StateError).

		// Readiness is only reachable from Running
		Transition(StateRunning, EvBecameReady, StateReady).
		Transition(StateRunning, EvHealthCheckFail, StateError).
		Transition(StateRunning, EvConnectionLost, StateError).

		// Loss of service
		Transition(StateReady, EvConnectionLost, StateError).
		Transition(StateReady, EvHealthCheckFail, StateError).

		// Recovery, driven by the health monitor
		Transition(StateError, EvRecoveryStarted, StateRecovering).
		Transition(StateRecovering, EvRecoverySucceeded, StateReady).
		Transition(StateRecovering, EvInitSucceeded, StateRunning).
		Transition(StateRecovering, EvRecoveryFailed, StateError).

		// Shutdown is reachable from everywhere
		Transition(StateInit, EvShutdownRequested, StateShutdown).
		Transition(StateRunning, EvShutdownRequested, StateShutdown).
		Transition(StateReady, EvShutdownRequested, StateShutdown).
		Transition(StateError, EvShutdownRequested, StateShutdown).
		Transition(StateRecovering, EvShutdownRequested, StateShutdown).
		Initial(StateInit)
}
