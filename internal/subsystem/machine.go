// Package subsystem implements the lifecycle state machine that every
// managed subsystem (cellular, gps, publisher, battery) runs on top of
// its driver. The machine owns the subsystem's runtime bookkeeping, its
// command queue and its heartbeat; the health monitor in core drives
// recovery through it.
package subsystem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/librescoot/librefsm"

	"tracker-service/internal/logger"
	"tracker-service/internal/queue"
	"tracker-service/internal/types"
)

// Hooks binds a machine to its driver. Only Init is mandatory.
type Hooks struct {
	// Init brings the driver up. Called from Init state ticks and from
	// the full restart recovery path.
	Init func(ctx context.Context) error

	// Probe reports whether the subsystem currently provides service.
	// Polled in Running state to reach Ready.
	Probe func(ctx context.Context) bool

	// Gate, when non-nil, must return true before any init attempt is
	// made. Used to hold the publisher back until cellular is up.
	Gate func() bool

	// OnCommand executes one queued command.
	OnCommand func(ctx context.Context, msg types.CommandMessage) error

	// Shutdown releases driver resources. Called once, on shutdown.
	Shutdown func()
}

// Signals receives readiness edges, typically bound to the shared event
// flag group. May be nil.
type Signals interface {
	Ready()
	Lost()
}

// Config sizes one machine.
type Config struct {
	Name           types.Subsystem
	Placement      string // scheduling class label, for logs only
	MaxInitRetries int
	// InitRetryInterval spaces automatic init attempts while in Init.
	InitRetryInterval time.Duration
	TickInterval      time.Duration
	QueueCapacity     int
}

// Machine is one subsystem's lifecycle engine.
type Machine struct {
	cfg     Config
	hooks   Hooks
	signals Signals
	log     *logger.Logger
	now     func() time.Time

	machine *librefsm.Machine
	queue   *queue.Queue

	mu           sync.Mutex
	rt           types.SubsystemRuntime
	shutdownOnce sync.Once
}

// New builds a machine. The now function injects time for tests; pass
// time.Now in production.
func New(cfg Config, hooks Hooks, signals Signals, log *logger.Logger, now func() time.Time) (*Machine, error) {
	if hooks.Init == nil {
		return nil, fmt.Errorf("subsystem %s: init hook is required", cfg.Name)
	}
	if cfg.MaxInitRetries < 1 {
		cfg.MaxInitRetries = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	if now == nil {
		now = time.Now
	}

	m := &Machine{
		cfg:     cfg,
		hooks:   hooks,
		signals: signals,
		log:     log.WithTag(string(cfg.Name)),
		now:     now,
		queue:   queue.New(cfg.QueueCapacity),
	}
	m.rt = types.SubsystemRuntime{
		Subsystem:  cfg.Name,
		State:      types.SubsystemInit,
		Connection: types.ConnectionDisconnected,
	}

	machine, err := NewDefinition(m).Build()
	if err != nil {
		return nil, fmt.Errorf("subsystem %s: building fsm: %w", cfg.Name, err)
	}
	m.machine = machine
	return m, nil
}

// StartFSM brings the lifecycle machine up without the tick loop.
// Callers that drive Tick themselves use this directly.
func (m *Machine) StartFSM(ctx context.Context) error {
	if err := m.machine.Start(ctx); err != nil {
		return fmt.Errorf("subsystem %s: starting fsm: %w", m.cfg.Name, err)
	}
	return nil
}

// Start launches the FSM and the tick loop.
func (m *Machine) Start(ctx context.Context) error {
	if err := m.StartFSM(ctx); err != nil {
		return err
	}
	m.log.Infof("started, placement=%s tick=%v", m.cfg.Placement, m.cfg.TickInterval)

	go func() {
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.RequestShutdown()
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
	return nil
}

// Tick runs one scheduling slice: stamp the heartbeat, drain the
// command queue, then advance the lifecycle.
func (m *Machine) Tick(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	m.rt.LastHeartbeat = now
	m.mu.Unlock()

	m.drainCommands(ctx)

	switch m.machine.CurrentState() {
	case StateInit:
		m.tickInit(ctx, now)
	case StateRunning:
		if m.hooks.Probe != nil && m.hooks.Probe(ctx) {
			m.markSuccess(now)
			m.send(EvBecameReady)
		}
	}
}

func (m *Machine) tickInit(ctx context.Context, now time.Time) {
	if m.hooks.Gate != nil && !m.hooks.Gate() {
		return
	}

	m.mu.Lock()
	if !m.rt.LastInitAttempt.IsZero() && now.Sub(m.rt.LastInitAttempt) < m.cfg.InitRetryInterval {
		m.mu.Unlock()
		return
	}
	m.rt.LastInitAttempt = now
	m.rt.Connection = types.ConnectionConnecting
	m.mu.Unlock()

	if err := m.hooks.Init(ctx); err != nil {
		m.mu.Lock()
		m.rt.RetryCount++
		m.rt.ConsecutiveFails++
		retries := m.rt.RetryCount
		m.mu.Unlock()

		m.log.Warnf("init attempt %d/%d failed: %v", retries, m.cfg.MaxInitRetries, err)
		if retries >= m.cfg.MaxInitRetries {
			m.mu.Lock()
			m.rt.RetryCount = 0
			m.mu.Unlock()
			m.send(EvInitFailed)
		}
		return
	}

	m.markSuccess(now)
	m.mu.Lock()
	m.rt.EverInitialized = true
	m.mu.Unlock()
	m.send(EvInitSucceeded)
}

func (m *Machine) drainCommands(ctx context.Context) {
	if m.hooks.OnCommand == nil {
		return
	}
	m.queue.Drain(func(msg types.CommandMessage) {
		err := m.hooks.OnCommand(ctx, msg)
		if err != nil {
			m.log.Warnf("command %s failed: %v", msg.Kind, err)
		}
		msg.Complete(err)
	})
}

// Submit enqueues a command for the next tick.
func (m *Machine) Submit(msg types.CommandMessage) error {
	if err := m.queue.Submit(msg); err != nil {
		return err
	}
	m.log.Debugf("queued %s (depth %d)", msg.Kind, m.queue.Len())
	return nil
}

// MarkConnectionLost pushes a Ready or Running machine into Error. Safe
// to call in any state; invalid transitions are ignored.
func (m *Machine) MarkConnectionLost() {
	m.send(EvConnectionLost)
}

// BeginRecovery moves Error to Recovering. Returns an error when the
// machine is not in a recoverable state.
func (m *Machine) BeginRecovery() error {
	return m.machine.SendSync(librefsm.Event{ID: EvRecoveryStarted})
}

// RecoveredToRunning reports a successful full restart: the driver is
// initialized again but service is not yet proven.
func (m *Machine) RecoveredToRunning(now time.Time) {
	m.markSuccess(now)
	m.mu.Lock()
	m.rt.EverInitialized = true
	m.mu.Unlock()
	m.send(EvInitSucceeded)
}

// CompleteRecovery finishes a recovery cycle.
func (m *Machine) CompleteRecovery(ok bool, now time.Time) {
	if ok {
		m.markSuccess(now)
		m.send(EvRecoverySucceeded)
		return
	}
	m.mu.Lock()
	m.rt.ConsecutiveFails++
	m.mu.Unlock()
	m.send(EvRecoveryFailed)
}

// RequestShutdown moves the machine to Shutdown and fails any queued
// commands. Idempotent.
func (m *Machine) RequestShutdown() {
	m.shutdownOnce.Do(func() {
		m.send(EvShutdownRequested)
		m.queue.Close()
	})
}

// Runtime returns a snapshot of the bookkeeping.
func (m *Machine) Runtime() types.SubsystemRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt
}

// State returns the current lifecycle state.
func (m *Machine) State() types.SubsystemState {
	return stateIDToSubsystemState(m.machine.CurrentState())
}

// Name returns the subsystem identity.
func (m *Machine) Name() types.Subsystem {
	return m.cfg.Name
}

func (m *Machine) markSuccess(now time.Time) {
	m.mu.Lock()
	m.rt.LastSuccess = now
	m.rt.RetryCount = 0
	m.rt.ConsecutiveFails = 0
	m.mu.Unlock()
}

func (m *Machine) send(event librefsm.EventID) {
	if err := m.machine.SendSync(librefsm.Event{ID: event}); err != nil {
		m.log.Debugf("event %s ignored: %v", event, err)
	}
}

// ===== Actions (state entry bookkeeping) =====

var _ Actions = (*Machine)(nil)

func (m *Machine) EnterRunning(c *librefsm.Context) error {
	m.setState(types.SubsystemRunning, types.ConnectionConnecting)
	return nil
}

func (m *Machine) EnterReady(c *librefsm.Context) error {
	m.setState(types.SubsystemReady, types.ConnectionConnected)
	m.log.Infof("ready")
	if m.signals != nil {
		m.signals.Ready()
	}
	return nil
}

func (m *Machine) EnterError(c *librefsm.Context) error {
	m.setState(types.SubsystemError, types.ConnectionError)
	m.log.Warnf("entered error state")
	if m.signals != nil {
		m.signals.Lost()
	}
	return nil
}

func (m *Machine) EnterRecovering(c *librefsm.Context) error {
	m.setState(types.SubsystemRecovering, types.ConnectionRecovering)
	return nil
}

func (m *Machine) EnterShutdown(c *librefsm.Context) error {
	m.setState(types.SubsystemShutdown, types.ConnectionDisconnected)
	if m.hooks.Shutdown != nil {
		m.hooks.Shutdown()
	}
	return nil
}

func (m *Machine) setState(state types.SubsystemState, conn types.ConnectionState) {
	m.mu.Lock()
	m.rt.State = state
	m.rt.Connection = conn
	m.mu.Unlock()
}

func stateIDToSubsystemState(id librefsm.StateID) types.SubsystemState {
	switch id {
	case StateInit:
		return types.SubsystemInit
	case StateRunning:
		return types.SubsystemRunning
	case StateReady:
		return types.SubsystemReady
	case StateError:
		return types.SubsystemError
	case StateRecovering:
		return types.SubsystemRecovering
	case StateShutdown:
		return types.SubsystemShutdown
	default:
		return types.SubsystemState(string(id))
	}
}
