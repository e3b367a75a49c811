package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracker-service/internal/types"
)

// pass advances past every check interval and runs one monitor pass.
func (h *harness) pass(ctx context.Context) {
	h.clk.Advance(200 * time.Millisecond)
	h.s.monitorPass(ctx)
}

// ===== Monitoring =====

func TestMonitorPassIdempotentOnHealthySystem(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	initBefore, connectBefore, resetBefore := h.cell.counts()
	pubInitBefore := h.pub.inits()

	h.pass(ctx)
	h.pass(ctx)

	for _, name := range []types.Subsystem{
		types.SubsystemCellular, types.SubsystemPublisher, types.SubsystemBattery,
	} {
		if got := h.s.machines[name].State(); got != types.SubsystemReady {
			t.Errorf("%s = %s after monitor pass, want ready", name, got)
		}
	}
	init, connect, reset := h.cell.counts()
	if init != initBefore || connect != connectBefore || reset != resetBefore {
		t.Errorf("healthy pass touched the modem: init %d->%d connect %d->%d reset %d->%d",
			initBefore, init, connectBefore, connect, resetBefore, reset)
	}
	if h.pub.inits() != pubInitBefore {
		t.Error("healthy pass reinitialized the publisher")
	}
}

func TestMonitorRespectsPerSubsystemCadence(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.pass(ctx)
	h.cell.mu.Lock()
	refreshAfterFirst := h.cell.refreshCalls
	h.cell.mu.Unlock()

	// second pass without advancing the clock: nothing is due
	h.s.monitorPass(ctx)

	h.cell.mu.Lock()
	refreshAfterSecond := h.cell.refreshCalls
	h.cell.mu.Unlock()
	if refreshAfterSecond != refreshAfterFirst {
		t.Errorf("cellular checked again before its interval elapsed (%d -> %d)",
			refreshAfterFirst, refreshAfterSecond)
	}
}

// ===== Recovery tiers =====

func TestNeedsFullRestart(t *testing.T) {
	h := newHarness(t)
	now := h.clk.Now()
	threshold := h.s.cfg.Recovery.StalenessThreshold()

	cases := []struct {
		name string
		rt   types.SubsystemRuntime
		want bool
	}{
		{"never initialized", types.SubsystemRuntime{}, true},
		{"fresh", types.SubsystemRuntime{EverInitialized: true, LastSuccess: now.Add(-time.Second)}, false},
		{"just under threshold", types.SubsystemRuntime{EverInitialized: true, LastSuccess: now.Add(-threshold + time.Second)}, false},
		{"exactly at threshold", types.SubsystemRuntime{EverInitialized: true, LastSuccess: now.Add(-threshold)}, true},
		{"long stale", types.SubsystemRuntime{EverInitialized: true, LastSuccess: now.Add(-2 * threshold)}, true},
	}
	for _, tc := range cases {
		if got := h.s.needsFullRestart(tc.rt, now); got != tc.want {
			t.Errorf("%s: needsFullRestart = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCellularLightweightRecovery(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.cell.setLink(false)
	connectBefore := func() int { _, c, _ := h.cell.counts(); return c }()

	h.pass(ctx)

	if got := h.s.machines[types.SubsystemCellular].State(); got != types.SubsystemReady {
		t.Fatalf("cellular = %s after recovery, want ready", got)
	}
	_, connect, reset := h.cell.counts()
	if reset != 0 {
		t.Errorf("recent outage took the full restart path (%d resets)", reset)
	}
	if connect <= connectBefore {
		t.Error("lightweight recovery did not reconnect")
	}
}

func TestCellularFullRestartWhenStale(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.clk.Advance(h.s.cfg.Recovery.StalenessThreshold())
	h.cell.setLink(false)

	h.pass(ctx)

	if got := h.s.machines[types.SubsystemCellular].State(); got != types.SubsystemReady {
		t.Fatalf("cellular = %s after recovery, want ready", got)
	}
	init, _, reset := h.cell.counts()
	if reset != 1 {
		t.Errorf("stale outage must take the full restart path, got %d resets", reset)
	}
	if init < 2 {
		t.Errorf("full restart must reinitialize the modem, got %d inits", init)
	}
}

func TestCellularRecoveryFailureLandsInError(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.cell.setLink(false)
	h.cell.connectErr = errors.New("no carrier")

	h.pass(ctx)

	if got := h.s.machines[types.SubsystemCellular].State(); got != types.SubsystemError {
		t.Fatalf("cellular = %s after failed recovery, want error", got)
	}
}

// ===== GNSS recovery policy =====

func TestGnssOneInitAttemptPerCycleWhenNeverUp(t *testing.T) {
	h := newHarness(t)
	h.gnss.initErr = errors.New("no response")
	h.bringUp(t)
	ctx := context.Background()

	if got := h.s.machines[types.SubsystemGnss].State(); got != types.SubsystemError {
		t.Fatalf("gnss = %s, want error before recovery", got)
	}
	before := h.gnss.inits()

	h.pass(ctx)
	if got := h.gnss.inits(); got != before+1 {
		t.Errorf("first cycle: %d init attempts, want exactly 1", got-before)
	}
	h.pass(ctx)
	if got := h.gnss.inits(); got != before+2 {
		t.Errorf("second cycle: %d init attempts, want exactly 1", got-before-1)
	}

	h.gnss.mu.Lock()
	h.gnss.initErr = nil
	h.gnss.mu.Unlock()
	h.pass(ctx)
	if got := h.s.machines[types.SubsystemGnss].State(); got != types.SubsystemRunning {
		t.Errorf("gnss = %s after successful init, want running", got)
	}
}

func TestGnssNeverRestartedOnceInitialized(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.s.machines[types.SubsystemGnss].MarkConnectionLost()
	before := h.gnss.inits()

	h.pass(ctx)
	h.pass(ctx)
	h.pass(ctx)

	if got := h.gnss.inits(); got != before {
		t.Errorf("recovery touched a once-initialized engine (%d extra inits)", got-before)
	}
	if got := h.s.machines[types.SubsystemGnss].State(); got != types.SubsystemError {
		t.Errorf("gnss = %s, want error left as-is", got)
	}
}

// ===== Publisher recovery =====

func TestPublisherRecoveryDrivesCellularFirst(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	h.cell.setLink(false)
	h.s.machines[types.SubsystemCellular].MarkConnectionLost()
	h.pub.drop()
	h.s.machines[types.SubsystemPublisher].MarkConnectionLost()

	// cellular cannot come back: publisher must stay untouched
	h.cell.mu.Lock()
	h.cell.connectErr = errors.New("still down")
	h.cell.mu.Unlock()
	pubConnects := func() int {
		h.pub.mu.Lock()
		defer h.pub.mu.Unlock()
		return h.pub.connectCalls
	}
	before := pubConnects()

	if ok := h.s.recoverPublisher(ctx); ok {
		t.Fatal("publisher recovery reported success with cellular down")
	}
	if got := pubConnects(); got != before {
		t.Errorf("publisher reconnect attempted before cellular was back (%d connects)", got-before)
	}

	// cellular recovers, then the publisher follows
	h.cell.mu.Lock()
	h.cell.connectErr = nil
	h.cell.mu.Unlock()

	if ok := h.s.recoverPublisher(ctx); !ok {
		t.Fatal("publisher recovery failed with cellular available")
	}
	if got := h.s.machines[types.SubsystemCellular].State(); got != types.SubsystemReady {
		t.Errorf("cellular = %s, want ready", got)
	}
	if got := h.s.machines[types.SubsystemPublisher].State(); got != types.SubsystemReady {
		t.Errorf("publisher = %s, want ready", got)
	}
}

// ===== Battery recovery =====

func TestBatteryRecoversAfterReadFailure(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)
	ctx := context.Background()

	// battery may still be mid bring-up after bringUp returns
	for i := 0; i < 5 && h.s.machines[types.SubsystemBattery].State() != types.SubsystemReady; i++ {
		h.tick(ctx, time.Second)
	}

	h.gauge.mu.Lock()
	h.gauge.readErr = errors.New("i2c nak")
	h.gauge.mu.Unlock()
	h.pass(ctx)
	if got := h.s.machines[types.SubsystemBattery].State(); got != types.SubsystemError {
		t.Fatalf("battery = %s after read failure, want error", got)
	}

	h.gauge.mu.Lock()
	h.gauge.readErr = nil
	h.gauge.mu.Unlock()
	h.pass(ctx)
	if got := h.s.machines[types.SubsystemBattery].State(); got != types.SubsystemReady {
		t.Fatalf("battery = %s after recovery, want ready", got)
	}
}

// ===== Heartbeat watchdog =====

func TestHeartbeatWatchdogEdgeTriggered(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)

	h.clk.Advance(heartbeatStaleAfter + time.Second)
	h.s.watchHeartbeats(h.clk.Now())

	present := h.redis.presentCodes()
	if len(present) != len(types.Subsystems) {
		t.Fatalf("got %d stale faults, want %d", len(present), len(types.Subsystems))
	}

	// stale condition persists: no duplicate reports
	h.s.watchHeartbeats(h.clk.Now())
	if got := h.redis.presentCodes(); len(got) != len(present) {
		t.Errorf("repeated watchdog pass duplicated faults: %d -> %d", len(present), len(got))
	}

	// ticks refresh the heartbeats, faults clear once
	h.tick(context.Background(), time.Second)
	h.s.watchHeartbeats(h.clk.Now())
	h.redis.mu.Lock()
	absent := len(h.redis.faultsAbsent)
	h.redis.mu.Unlock()
	if absent != len(types.Subsystems) {
		t.Errorf("got %d cleared faults, want %d", absent, len(types.Subsystems))
	}
}
