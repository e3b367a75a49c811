package core

import (
	"context"
	"encoding/json"
	"time"

	"tracker-service/internal/events"
	"tracker-service/internal/types"
)

// telemetryPayload is the JSON document published to the broker on
// every update interval.
type telemetryPayload struct {
	DeviceID  string           `json:"device_id"`
	Timestamp string           `json:"timestamp"`
	Location  *locationPayload `json:"location,omitempty"`
	Battery   *batteryPayload  `json:"battery,omitempty"`
	Signal    *signalPayload   `json:"signal,omitempty"`
}

type locationPayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Speed      float64 `json:"speed_kmh"`
	Course     float64 `json:"course"`
	Satellites int     `json:"satellites"`
}

type batteryPayload struct {
	VoltageMV int     `json:"voltage_mv"`
	Percent   float64 `json:"percent"`
	Charging  bool    `json:"charging"`
}

type signalPayload struct {
	RSSI    int `json:"rssi_dbm"`
	Quality int `json:"quality"`
}

// telemetryLoop publishes one document per update interval while the
// publisher is ready. A failed publish pushes the publisher into Error
// so the monitor picks it up.
func (s *TrackerSystem) telemetryLoop(ctx context.Context) {
	interval := s.cfg.Tracker.UpdateInterval()
	s.logger.Infof("Telemetry loop started, interval %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("Telemetry loop stopped")
			return
		case <-ticker.C:
			s.publishTelemetry(ctx)
		}
	}
}

func (s *TrackerSystem) publishTelemetry(ctx context.Context) {
	if !s.flags.IsSet(events.PublisherReady) {
		s.logger.Debugf("Telemetry skipped, publisher not ready")
		return
	}

	payload, ok := s.buildTelemetry()
	if !ok {
		s.logger.Debugf("Telemetry skipped, no fix and publish_without_fix disabled")
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Errorf("Telemetry marshal: %v", err)
		return
	}
	if err := s.publisher.Publish(ctx, s.cfg.MQTT.Topic, data); err != nil {
		s.logger.Warnf("Telemetry publish failed: %v", err)
		s.machines[types.SubsystemPublisher].MarkConnectionLost()
		return
	}
	s.logger.Debugf("Telemetry published (%d bytes)", len(data))
}

// buildTelemetry assembles the payload from the cached driver state.
// Returns false when there is nothing worth sending.
func (s *TrackerSystem) buildTelemetry() (telemetryPayload, bool) {
	payload := telemetryPayload{
		DeviceID:  s.cfg.Tracker.DeviceID,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}

	fix := s.gnss.LastFix()
	if fix.Valid {
		payload.Location = &locationPayload{
			Latitude:   fix.Latitude,
			Longitude:  fix.Longitude,
			Altitude:   fix.Altitude,
			Speed:      fix.Speed,
			Course:     fix.Course,
			Satellites: fix.Satellites,
		}
	} else if !s.cfg.Tracker.PublishWithoutFix {
		return telemetryPayload{}, false
	}

	if reading := s.gauge.LastReading(); !reading.Timestamp.IsZero() {
		payload.Battery = &batteryPayload{
			VoltageMV: reading.VoltageMV,
			Percent:   reading.Percent,
			Charging:  reading.Charging,
		}
	}

	// cached signal data rides along when cellular has it
	if info := s.cellular.LastSignal(); info.Quality != 0 && info.Quality != 99 {
		payload.Signal = &signalPayload{RSSI: info.RSSI, Quality: info.Quality}
	}

	return payload, true
}
