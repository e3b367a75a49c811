package subsystem

import "github.com/librescoot/librefsm"

// Lifecycle states shared by every subsystem.
const (
	StateInit       librefsm.StateID = "init"
	StateRunning    librefsm.StateID = "running"
	StateReady      librefsm.StateID = "ready"
	StateError      librefsm.StateID = "error"
	StateRecovering librefsm.StateID = "recovering"
	StateShutdown   librefsm.StateID = "shutdown"
)

// Lifecycle events.
const (
	// Init outcomes
	EvInitSucceeded librefsm.EventID = "init-succeeded"
	EvInitFailed    librefsm.EventID = "init-failed"

	// Health transitions
	EvBecameReady     librefsm.EventID = "became-ready"
	EvConnectionLost  librefsm.EventID = "connection-lost"
	EvHealthCheckFail librefsm.EventID = "health-check-fail"

	// Recovery flow, driven by the health monitor
	EvRecoveryStarted   librefsm.EventID = "recovery-started"
	EvRecoverySucceeded librefsm.EventID = "recovery-succeeded"
	EvRecoveryFailed    librefsm.EventID = "recovery-failed"

	// Shutdown
	EvShutdownRequested librefsm.EventID = "shutdown-requested"
)
