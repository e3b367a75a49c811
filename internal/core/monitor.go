package core

import (
	"context"
	"time"

	"tracker-service/internal/config"
	"tracker-service/internal/types"
)

// Fault codes reported to the fault set when a subsystem's heartbeat
// goes stale.
const (
	faultCellularStale  = 101
	faultGnssStale      = 102
	faultPublisherStale = 103
	faultBatteryStale   = 104
)

// heartbeatStaleAfter is how long a subsystem may miss ticks before the
// watchdog raises a fault.
const heartbeatStaleAfter = 10 * time.Second

func faultCode(name types.Subsystem) int {
	switch name {
	case types.SubsystemCellular:
		return faultCellularStale
	case types.SubsystemGnss:
		return faultGnssStale
	case types.SubsystemPublisher:
		return faultPublisherStale
	default:
		return faultBatteryStale
	}
}

// monitorLoop wakes at the shortest configured check interval; each
// subsystem is actually examined at its own cadence.
func (s *TrackerSystem) monitorLoop(ctx context.Context) {
	interval := s.cfg.Recovery.Publisher.CheckInterval()
	for _, rc := range []config.RecoveryConfig{
		s.cfg.Recovery.Cellular, s.cfg.Recovery.GPS, s.cfg.Recovery.Battery,
	} {
		if rc.CheckInterval() < interval {
			interval = rc.CheckInterval()
		}
	}

	s.logger.Infof("Health monitor started, base interval %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Health monitor stopped")
			return
		case <-ticker.C:
			s.monitorPass(ctx)
		}
	}
}

// monitorPass runs the checks whose interval has elapsed. Idempotent on
// healthy subsystems: a pass over a healthy system changes nothing.
func (s *TrackerSystem) monitorPass(ctx context.Context) {
	now := s.now()
	s.watchHeartbeats(now)

	if s.due(types.SubsystemCellular, s.cfg.Recovery.Cellular.CheckInterval(), now) {
		s.checkCellular(ctx)
	}
	if s.due(types.SubsystemGnss, s.cfg.Recovery.GPS.CheckInterval(), now) {
		s.checkGnss(ctx)
	}
	if s.due(types.SubsystemPublisher, s.cfg.Recovery.Publisher.CheckInterval(), now) {
		s.checkPublisher(ctx)
	}
	if s.due(types.SubsystemBattery, s.cfg.Recovery.Battery.CheckInterval(), now) {
		s.checkBattery(ctx)
	}
}

// due reports whether a subsystem's check interval has elapsed and
// stamps the check time when it has.
func (s *TrackerSystem) due(name types.Subsystem, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastCheck[name]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastCheck[name] = now
	return true
}

// ===== Per-subsystem checks =====

func (s *TrackerSystem) checkCellular(ctx context.Context) {
	m := s.machines[types.SubsystemCellular]
	switch m.State() {
	case types.SubsystemReady:
		up, err := s.cellular.Refresh(ctx)
		if err == nil && up {
			return
		}
		s.logger.Warnf("Cellular link lost (up=%v err=%v)", up, err)
		m.MarkConnectionLost()
	case types.SubsystemError:
	default:
		return
	}
	if s.cfg.Recovery.AutoRecovery {
		s.recoverCellular(ctx)
	}
}

func (s *TrackerSystem) checkGnss(ctx context.Context) {
	m := s.machines[types.SubsystemGnss]
	switch m.State() {
	case types.SubsystemReady:
		fix, err := s.gnss.ReadFix(ctx)
		if err != nil {
			s.logger.Debugf("GNSS poll failed: %v", err)
			return
		}
		s.noteFix(fix)
	case types.SubsystemError:
		if s.cfg.Recovery.AutoRecovery {
			s.recoverGnss(ctx)
		}
	}
}

func (s *TrackerSystem) checkPublisher(ctx context.Context) {
	m := s.machines[types.SubsystemPublisher]
	switch m.State() {
	case types.SubsystemReady:
		if s.publisher.IsConnected() {
			return
		}
		s.logger.Warnf("Publisher connection lost")
		m.MarkConnectionLost()
	case types.SubsystemError:
	default:
		return
	}
	if s.cfg.Recovery.AutoRecovery {
		s.recoverPublisher(ctx)
	}
}

func (s *TrackerSystem) checkBattery(ctx context.Context) {
	m := s.machines[types.SubsystemBattery]
	switch m.State() {
	case types.SubsystemReady:
		reading, err := s.gauge.Read(ctx)
		if err != nil {
			s.logger.Warnf("Battery read failed: %v", err)
			m.MarkConnectionLost()
			if s.cfg.Recovery.AutoRecovery {
				s.recoverBattery(ctx)
			}
			return
		}
		if err := s.redis.PublishBattery(reading); err != nil {
			s.logger.Debugf("battery publish: %v", err)
		}
	case types.SubsystemError:
		if s.cfg.Recovery.AutoRecovery {
			s.recoverBattery(ctx)
		}
	}
}

// ===== Recovery =====

// needsFullRestart decides the recovery tier: a subsystem that never
// came up, or whose last success is at or past the staleness threshold,
// gets the full restart path. The boundary case counts as stale.
func (s *TrackerSystem) needsFullRestart(rt types.SubsystemRuntime, now time.Time) bool {
	if !rt.EverInitialized {
		return true
	}
	return now.Sub(rt.LastSuccess) >= s.cfg.Recovery.StalenessThreshold()
}

// recoverCellular returns true when the link is usable again.
func (s *TrackerSystem) recoverCellular(ctx context.Context) bool {
	m := s.machines[types.SubsystemCellular]
	rt := m.Runtime()
	now := s.now()

	if err := m.BeginRecovery(); err != nil {
		return m.State() == types.SubsystemReady
	}

	if s.needsFullRestart(rt, now) {
		s.logger.Infof("Cellular full restart (everInit=%v, lastSuccess=%v)",
			rt.EverInitialized, rt.LastSuccess)
		if err := s.cellular.Reset(); err != nil {
			s.logger.Warnf("Modem reset failed: %v", err)
		}
		if err := s.cellularInit(ctx); err != nil {
			s.logger.Warnf("Cellular full restart failed: %v", err)
			m.CompleteRecovery(false, s.now())
			return false
		}
		if up, _ := s.cellular.Refresh(ctx); up {
			m.CompleteRecovery(true, s.now())
			return true
		}
		// initialized but link not proven yet, keep probing from Running
		m.RecoveredToRunning(s.now())
		return false
	}

	s.logger.Infof("Cellular lightweight recovery")
	err := s.cellular.Connect(ctx)
	up := false
	if err == nil {
		up, _ = s.cellular.Refresh(ctx)
	}
	m.CompleteRecovery(err == nil && up, s.now())
	return err == nil && up
}

// recoverGnss never restarts an engine that has once initialized; a
// cold engine gets exactly one init attempt per monitoring cycle.
func (s *TrackerSystem) recoverGnss(ctx context.Context) {
	m := s.machines[types.SubsystemGnss]
	rt := m.Runtime()

	if rt.EverInitialized {
		s.logger.Debugf("GNSS previously initialized, leaving engine alone")
		return
	}
	if err := m.BeginRecovery(); err != nil {
		return
	}
	if err := s.gnss.Init(ctx); err != nil {
		s.logger.Warnf("GNSS init attempt failed: %v", err)
		m.CompleteRecovery(false, s.now())
		return
	}
	m.RecoveredToRunning(s.now())
}

// recoverPublisher drives cellular back to health first: a broker
// reconnect without a data link is wasted work.
func (s *TrackerSystem) recoverPublisher(ctx context.Context) bool {
	if !s.cellularHealthy() {
		s.logger.Infof("Publisher recovery: cellular first")
		if !s.recoverCellular(ctx) {
			s.logger.Warnf("Publisher recovery blocked: cellular still down")
			return false
		}
	}

	m := s.machines[types.SubsystemPublisher]
	rt := m.Runtime()
	now := s.now()

	if err := m.BeginRecovery(); err != nil {
		return m.State() == types.SubsystemReady
	}

	if s.needsFullRestart(rt, now) {
		s.logger.Infof("Publisher full restart")
		s.publisher.Reset()
		if err := s.publisherInit(ctx); err != nil {
			s.logger.Warnf("Publisher full restart failed: %v", err)
			m.CompleteRecovery(false, s.now())
			return false
		}
	} else {
		s.logger.Infof("Publisher lightweight reconnect")
		if err := s.publisher.Connect(ctx); err != nil {
			s.logger.Warnf("Publisher reconnect failed: %v", err)
			m.CompleteRecovery(false, s.now())
			return false
		}
	}

	ok := s.publisher.IsConnected()
	m.CompleteRecovery(ok, s.now())
	return ok
}

func (s *TrackerSystem) recoverBattery(ctx context.Context) {
	m := s.machines[types.SubsystemBattery]
	rt := m.Runtime()

	if err := m.BeginRecovery(); err != nil {
		return
	}
	if s.needsFullRestart(rt, s.now()) {
		if err := s.gauge.Init(ctx); err != nil {
			m.CompleteRecovery(false, s.now())
			return
		}
	}
	_, err := s.gauge.Read(ctx)
	m.CompleteRecovery(err == nil, s.now())
}

// recoverAll is the manual, whole-system recovery path.
func (s *TrackerSystem) recoverAll(ctx context.Context) {
	s.logger.Infof("Running full system recovery")
	if ok := s.recoverCellular(ctx); !ok {
		s.logger.Warnf("System recovery: cellular still down")
	}
	s.recoverGnss(ctx)
	s.recoverPublisher(ctx)
	s.recoverBattery(ctx)
}

// ===== Heartbeat watchdog =====

func (s *TrackerSystem) watchHeartbeats(now time.Time) {
	for _, name := range types.Subsystems {
		rt := s.machines[name].Runtime()
		if rt.LastHeartbeat.IsZero() || rt.State == types.SubsystemShutdown {
			continue
		}
		stale := now.Sub(rt.LastHeartbeat) > heartbeatStaleAfter

		s.mu.Lock()
		wasStale := s.faults[name]
		s.faults[name] = stale
		s.mu.Unlock()

		if stale && !wasStale {
			s.logger.Errorf("Subsystem %s heartbeat stale (last %v)", name, rt.LastHeartbeat)
			if err := s.redis.ReportFaultPresent(faultCode(name),
				string(name)+" heartbeat stale", now.Unix(), ""); err != nil {
				s.logger.Warnf("fault report: %v", err)
			}
		}
		if !stale && wasStale {
			s.logger.Infof("Subsystem %s heartbeat recovered", name)
			if err := s.redis.ReportFaultAbsent(faultCode(name)); err != nil {
				s.logger.Warnf("fault clear: %v", err)
			}
		}
	}
}
