package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"tracker-service/internal/types"
)

// ===== Telemetry assembly =====

func TestBuildTelemetryCombinesCachedState(t *testing.T) {
	h := newHarness(t)
	h.cell.signal = types.SignalInfo{RSSI: -63, Quality: 25}

	payload, ok := h.s.buildTelemetry()
	if !ok {
		t.Fatal("buildTelemetry returned nothing despite a valid fix")
	}
	if payload.DeviceID != h.s.cfg.Tracker.DeviceID {
		t.Errorf("device_id = %q", payload.DeviceID)
	}
	if payload.Location == nil || payload.Location.Latitude != h.gnss.fix.Latitude {
		t.Errorf("location = %+v", payload.Location)
	}
	if payload.Battery == nil || payload.Battery.VoltageMV != 3900 {
		t.Errorf("battery = %+v", payload.Battery)
	}
	if payload.Signal == nil || payload.Signal.RSSI != -63 {
		t.Errorf("signal = %+v", payload.Signal)
	}
}

func TestBuildTelemetryOmitsUnknownSignal(t *testing.T) {
	h := newHarness(t)
	h.cell.signal = types.SignalInfo{RSSI: 0, Quality: 99}

	payload, ok := h.s.buildTelemetry()
	if !ok {
		t.Fatal("buildTelemetry returned nothing")
	}
	if payload.Signal != nil {
		t.Errorf("unknown signal quality must be omitted, got %+v", payload.Signal)
	}
}

func TestBuildTelemetryWithoutFix(t *testing.T) {
	h := newHarness(t)
	h.gnss.fix = types.FixData{}

	h.s.cfg.Tracker.PublishWithoutFix = false
	if _, ok := h.s.buildTelemetry(); ok {
		t.Error("payload produced without a fix while publish_without_fix is off")
	}

	h.s.cfg.Tracker.PublishWithoutFix = true
	payload, ok := h.s.buildTelemetry()
	if !ok {
		t.Fatal("publish_without_fix must allow a positionless payload")
	}
	if payload.Location != nil {
		t.Errorf("location = %+v, want omitted", payload.Location)
	}
}

// ===== Publishing =====

func TestPublishTelemetrySkippedUntilPublisherReady(t *testing.T) {
	h := newHarness(t)
	h.s.publishTelemetry(context.Background())
	if got := h.pub.publishedCount(); got != 0 {
		t.Fatalf("published %d messages before the publisher was ready", got)
	}
}

func TestPublishTelemetryRoundTrips(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)

	h.s.publishTelemetry(context.Background())
	if got := h.pub.publishedCount(); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}

	var payload telemetryPayload
	h.pub.mu.Lock()
	data := h.pub.published[0]
	h.pub.mu.Unlock()
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal published payload: %v", err)
	}
	if payload.Location == nil {
		t.Error("published payload carries no location")
	}
}

func TestPublishTelemetryFailureMarksPublisherLost(t *testing.T) {
	h := newHarness(t)
	h.bringUp(t)

	h.pub.mu.Lock()
	h.pub.publishErr = errors.New("broker gone")
	h.pub.mu.Unlock()

	h.s.publishTelemetry(context.Background())
	if got := h.s.machines[types.SubsystemPublisher].State(); got != types.SubsystemError {
		t.Fatalf("publisher = %s after failed publish, want error", got)
	}
}
