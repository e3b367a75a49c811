package core

import (
	"context"
	"fmt"
	"time"

	"tracker-service/internal/events"
	"tracker-service/internal/types"
)

// runStartup executes the dependency ordered bring-up:
//
//	phase 0  battery gauge, best effort, no waiting
//	phase 1  cellular, critical, aborts startup on timeout
//	phase 2  gnss, best effort within its timeout
//	phase 3  publisher, critical, re-verifies cellular first
//
// The subsystem machines do the actual work on their ticks; startup
// only waits on the conditions.
func (s *TrackerSystem) runStartup(ctx context.Context) error {
	s.logger.Infof("=== Startup phase 0: battery gauge (best effort) ===")
	// nothing to wait for; the battery machine initializes on its own

	s.logger.Infof("=== Startup phase 1: cellular ===")
	if !s.waitForCondition(ctx, "cellular ready", s.cellularHealthy, s.cfg.Recovery.Cellular.Timeout()) {
		return fmt.Errorf("%w: cellular did not come up within %v",
			ErrStartupFailed, s.cfg.Recovery.Cellular.Timeout())
	}

	s.logger.Infof("=== Startup phase 2: gnss (best effort) ===")
	gpsUp := func() bool {
		return s.machines[types.SubsystemGnss].Runtime().EverInitialized
	}
	if !s.waitForCondition(ctx, "gnss initialized", gpsUp, s.cfg.Recovery.GPS.Timeout()) {
		s.logger.Warnf("GNSS did not initialize in time, continuing without it")
	}

	s.logger.Infof("=== Startup phase 3: publisher ===")
	if !s.cellularHealthy() {
		return fmt.Errorf("%w: cellular lost before publisher startup", ErrStartupFailed)
	}
	publisherUp := func() bool {
		return s.machines[types.SubsystemPublisher].State() == types.SubsystemReady
	}
	if !s.waitForCondition(ctx, "publisher ready", publisherUp, s.cfg.Recovery.Publisher.Timeout()) {
		return fmt.Errorf("%w: publisher did not connect within %v",
			ErrStartupFailed, s.cfg.Recovery.Publisher.Timeout())
	}

	// a first fix is nice to have at boot but never blocks readiness
	fixUp := func() bool { return s.flags.IsSet(events.GpsFixAcquired) }
	if !s.waitForCondition(ctx, "gnss fix", fixUp, 30*time.Second) {
		s.logger.Infof("No GNSS fix yet, telemetry starts without position")
	}

	return nil
}

// waitForCondition polls cond once per poll interval until it holds or
// timeout elapses, logging progress every ten seconds.
func (s *TrackerSystem) waitForCondition(ctx context.Context, name string, cond func() bool, timeout time.Duration) bool {
	start := s.now()
	lastLog := start
	for {
		if cond() {
			s.logger.Infof("Condition %q met after %v", name, s.now().Sub(start).Round(time.Second))
			return true
		}
		now := s.now()
		if now.Sub(start) >= timeout {
			s.logger.Warnf("Condition %q not met after %v", name, timeout)
			return false
		}
		if now.Sub(lastLog) >= 10*time.Second {
			s.logger.Infof("Still waiting for %q (%v elapsed)", name, now.Sub(start).Round(time.Second))
			lastLog = now
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.pollInterval):
		}
	}
}
