// Package core orchestrates the tracker's subsystems: dependency
// ordered startup, health monitoring, tiered recovery and telemetry.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tracker-service/internal/config"
	"tracker-service/internal/events"
	"tracker-service/internal/logger"
	"tracker-service/internal/subsystem"
	"tracker-service/internal/types"
)

var (
	// ErrDependencyUnmet is returned when an operation requires another
	// subsystem that is not healthy.
	ErrDependencyUnmet = errors.New("core: dependency not ready")

	// ErrStartupFailed is returned when a critical startup phase did not
	// complete within its timeout.
	ErrStartupFailed = errors.New("core: startup failed")

	// ErrUnknownSubsystem is returned for commands addressed to a
	// subsystem that does not exist.
	ErrUnknownSubsystem = errors.New("core: unknown subsystem")
)

// Deps bundles the injected dependencies of TrackerSystem.
type Deps struct {
	Cellular  CellularDriver
	Gnss      GnssDriver
	Publisher PublisherDriver
	Gauge     PowerGaugeDriver
	Redis     MessagingClient
	Hardware  HardwareControl

	// Now injects time for tests. Defaults to time.Now.
	Now func() time.Time
}

// TrackerSystem is the orchestrator. It owns no business logic of its
// own subsystems; it sequences them, watches them and recovers them.
type TrackerSystem struct {
	cfg    *config.Config
	logger *logger.Logger

	cellular  CellularDriver
	gnss      GnssDriver
	publisher PublisherDriver
	gauge     PowerGaugeDriver
	redis     MessagingClient
	hw        HardwareControl

	flags    *events.Flags
	machines map[types.Subsystem]*subsystem.Machine

	now          func() time.Time
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	systemReady bool
	faults      map[types.Subsystem]bool
	lastCheck   map[types.Subsystem]time.Time
}

// NewTrackerSystem wires the machines to the drivers. Nothing is
// started yet.
func NewTrackerSystem(cfg *config.Config, deps Deps, log *logger.Logger) (*TrackerSystem, error) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	s := &TrackerSystem{
		cfg:          cfg,
		logger:       log.WithTag("SYSTEM"),
		cellular:     deps.Cellular,
		gnss:         deps.Gnss,
		publisher:    deps.Publisher,
		gauge:        deps.Gauge,
		redis:        deps.Redis,
		hw:           deps.Hardware,
		flags:        events.New(),
		machines:     make(map[types.Subsystem]*subsystem.Machine),
		now:          now,
		pollInterval: time.Second,
		faults:       make(map[types.Subsystem]bool),
		lastCheck:    make(map[types.Subsystem]time.Time),
	}

	builders := []struct {
		name    types.Subsystem
		rc      config.RecoveryConfig
		place   string
		hooks   subsystem.Hooks
		signals subsystem.Signals
	}{
		{
			name:  types.SubsystemCellular,
			rc:    cfg.Recovery.Cellular,
			place: "protocol",
			hooks: subsystem.Hooks{
				Init:      s.cellularInit,
				Probe:     s.cellularProbe,
				OnCommand: s.cellularCommand,
			},
			signals: s.signalsFor(types.SubsystemCellular, events.CellularReady, events.CellularLost),
		},
		{
			name:  types.SubsystemGnss,
			rc:    cfg.Recovery.GPS,
			place: "data",
			hooks: subsystem.Hooks{
				Init:      s.gnss.Init,
				Probe:     s.gnssProbe,
				OnCommand: s.gnssCommand,
			},
			// fix flags are driven by noteFix, not by lifecycle edges
			signals: s.signalsFor(types.SubsystemGnss, 0, 0),
		},
		{
			name:  types.SubsystemPublisher,
			rc:    cfg.Recovery.Publisher,
			place: "data",
			hooks: subsystem.Hooks{
				Init:      s.publisherInit,
				Probe:     s.publisherProbe,
				Gate:      s.cellularHealthy,
				OnCommand: s.publisherCommand,
				Shutdown:  s.publisher.Disconnect,
			},
			signals: s.signalsFor(types.SubsystemPublisher, events.PublisherReady, events.PublisherLost),
		},
		{
			name:  types.SubsystemBattery,
			rc:    cfg.Recovery.Battery,
			place: "data",
			hooks: subsystem.Hooks{
				Init:      s.gauge.Init,
				Probe:     s.batteryProbe,
				OnCommand: s.batteryCommand,
			},
			signals: s.signalsFor(types.SubsystemBattery, events.BatteryDataReady, 0),
		},
	}

	for _, b := range builders {
		m, err := subsystem.New(subsystem.Config{
			Name:              b.name,
			Placement:         b.place,
			MaxInitRetries:    b.rc.MaxRetries,
			InitRetryInterval: initRetrySpacing(b.name, b.rc),
			TickInterval:      time.Second,
			QueueCapacity:     16,
		}, b.hooks, b.signals, log, now)
		if err != nil {
			return nil, err
		}
		s.machines[b.name] = m
	}
	return s, nil
}

// initRetrySpacing returns how far apart automatic init attempts are.
// The GNSS engine retries once per monitoring cycle; everything else
// retries on a short fixed backoff.
func initRetrySpacing(name types.Subsystem, rc config.RecoveryConfig) time.Duration {
	if name == types.SubsystemGnss {
		return rc.CheckInterval()
	}
	return 5 * time.Second
}

// Start connects messaging, launches the subsystems, runs the startup
// sequence and then enables command handling, monitoring and telemetry.
func (s *TrackerSystem) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.redis.Connect(); err != nil {
		return err
	}

	for _, name := range types.Subsystems {
		if err := s.machines[name].Start(s.ctx); err != nil {
			return err
		}
	}

	if err := s.runStartup(s.ctx); err != nil {
		s.cancel()
		return err
	}

	if err := s.redis.StartListening(); err != nil {
		s.logger.Warnf("Failed to start command listeners: %v", err)
	}

	go s.monitorLoop(s.ctx)
	go s.telemetryLoop(s.ctx)

	s.setSystemReady(true)
	s.logger.Infof("System startup complete")
	return nil
}

// Shutdown stops everything in reverse dependency order.
func (s *TrackerSystem) Shutdown() {
	s.logger.Infof("Shutting down")
	s.setSystemReady(false)

	if s.cancel != nil {
		s.cancel()
	}

	// publisher first so the broker sees a clean disconnect
	for _, name := range []types.Subsystem{
		types.SubsystemPublisher, types.SubsystemBattery,
		types.SubsystemGnss, types.SubsystemCellular,
	} {
		s.machines[name].RequestShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.gnss.Stop(ctx); err != nil {
		s.logger.Debugf("GNSS stop: %v", err)
	}
	if err := s.cellular.Disconnect(ctx); err != nil {
		s.logger.Debugf("Cellular disconnect: %v", err)
	}

	if err := s.redis.Close(); err != nil {
		s.logger.Warnf("Redis close: %v", err)
	}
	if s.hw != nil {
		s.hw.SetStatusLED(false)
		s.hw.Close()
	}
	s.flags.Set(events.SystemShutdown)
	s.logger.Infof("Shutdown complete")
}

// Submit queues a command for a subsystem. The command runs on that
// subsystem's next tick.
func (s *TrackerSystem) Submit(name types.Subsystem, msg types.CommandMessage) error {
	m, ok := s.machines[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubsystem, name)
	}
	return m.Submit(msg)
}

// Status returns a snapshot of every subsystem's runtime bookkeeping.
func (s *TrackerSystem) Status() map[types.Subsystem]types.SubsystemRuntime {
	out := make(map[types.Subsystem]types.SubsystemRuntime, len(s.machines))
	for name, m := range s.machines {
		out[name] = m.Runtime()
	}
	return out
}

// WaitForSystemReady blocks until cellular and the publisher are both
// ready, or timeout elapses. A GNSS fix is deliberately not part of the
// condition: the tracker is useful without one.
func (s *TrackerSystem) WaitForSystemReady(timeout time.Duration) bool {
	_, ok := s.flags.WaitAll(events.CellularReady|events.PublisherReady, timeout)
	return ok
}

// Flags exposes the event flag group for observers.
func (s *TrackerSystem) Flags() *events.Flags {
	return s.flags
}

func (s *TrackerSystem) setSystemReady(ready bool) {
	s.mu.Lock()
	s.systemReady = ready
	s.mu.Unlock()

	if s.hw != nil {
		if err := s.hw.SetStatusLED(ready); err != nil {
			s.logger.Debugf("status LED: %v", err)
		}
	}
	if err := s.redis.PublishSystemReady(ready); err != nil {
		s.logger.Warnf("Failed to publish system ready: %v", err)
	}
}

// ===== Driver glue =====

func (s *TrackerSystem) cellularInit(ctx context.Context) error {
	if err := s.cellular.Init(ctx); err != nil {
		return err
	}
	return s.cellular.Connect(ctx)
}

func (s *TrackerSystem) cellularProbe(ctx context.Context) bool {
	up, err := s.cellular.Refresh(ctx)
	return err == nil && up
}

func (s *TrackerSystem) cellularHealthy() bool {
	return s.machines[types.SubsystemCellular].State() == types.SubsystemReady
}

// gnssProbe reports ready only on a usable satellite fix. A live NMEA
// stream without a solution keeps the machine in Running, polling.
func (s *TrackerSystem) gnssProbe(ctx context.Context) bool {
	fix, err := s.gnss.ReadFix(ctx)
	if err != nil {
		return false
	}
	s.noteFix(fix)
	return fix.Valid && fix.Satellites >= s.cfg.Tracker.MinSatellites
}

func (s *TrackerSystem) publisherInit(ctx context.Context) error {
	if !s.cellularHealthy() {
		return fmt.Errorf("%w: cellular", ErrDependencyUnmet)
	}
	if err := s.publisher.Init(ctx); err != nil {
		return err
	}
	return s.publisher.Connect(ctx)
}

func (s *TrackerSystem) publisherProbe(ctx context.Context) bool {
	return s.publisher.IsConnected()
}

func (s *TrackerSystem) batteryProbe(ctx context.Context) bool {
	reading, err := s.gauge.Read(ctx)
	if err != nil {
		return false
	}
	if err := s.redis.PublishBattery(reading); err != nil {
		s.logger.Debugf("battery publish: %v", err)
	}
	return true
}

// noteFix updates the fix flags and mirrors valid positions to Redis.
func (s *TrackerSystem) noteFix(fix types.FixData) {
	if fix.Valid && fix.Satellites >= s.cfg.Tracker.MinSatellites {
		s.flags.Set(events.GpsFixAcquired | events.GpsDataFresh)
		if err := s.redis.PublishLocation(fix); err != nil {
			s.logger.Debugf("location publish: %v", err)
		}
		return
	}
	s.flags.Clear(events.GpsDataFresh)
	if s.flags.IsSet(events.GpsFixAcquired) {
		s.flags.Set(events.GpsFixLost)
	}
}

// ===== Signals =====

// flagSignals binds a machine's readiness edges to the event flag group
// and mirrors state changes into Redis.
type flagSignals struct {
	s     *TrackerSystem
	name  types.Subsystem
	ready events.Flag
	lost  events.Flag
}

func (s *TrackerSystem) signalsFor(name types.Subsystem, ready, lost events.Flag) subsystem.Signals {
	return &flagSignals{s: s, name: name, ready: ready, lost: lost}
}

func (f *flagSignals) Ready() {
	if f.ready != 0 {
		f.s.flags.Set(f.ready)
	}
	f.s.publishState(f.name)
}

func (f *flagSignals) Lost() {
	if f.lost != 0 {
		f.s.flags.Set(f.lost)
	} else if f.ready != 0 {
		f.s.flags.Clear(f.ready)
	}
	f.s.publishState(f.name)
}

func (s *TrackerSystem) publishState(name types.Subsystem) {
	rt := s.machines[name].Runtime()
	if err := s.redis.PublishSubsystemState(rt); err != nil {
		s.logger.Debugf("state publish for %s: %v", name, err)
	}
}
