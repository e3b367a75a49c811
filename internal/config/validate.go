package config

import "fmt"

// Validate checks configuration correctness. It does not mutate the
// configuration.
func Validate(cfg *Config) error {
	if cfg.Serial.Device == "" {
		return fmt.Errorf("serial: device is required")
	}
	if cfg.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial: baud_rate must be positive")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2")
	}
	if cfg.Tracker.UpdateIntervalMs <= 0 {
		return fmt.Errorf("tracker: update_interval_ms must be positive")
	}
	if cfg.Recovery.StalenessThresholdMs <= 0 {
		return fmt.Errorf("recovery: staleness_threshold_ms must be positive")
	}

	checks := []struct {
		name string
		rc   RecoveryConfig
	}{
		{"cellular", cfg.Recovery.Cellular},
		{"gps", cfg.Recovery.GPS},
		{"publisher", cfg.Recovery.Publisher},
		{"battery", cfg.Recovery.Battery},
	}
	for _, c := range checks {
		if c.rc.CheckIntervalMs <= 0 {
			return fmt.Errorf("recovery.%s: check_interval_ms must be positive", c.name)
		}
		if c.rc.TimeoutMs <= 0 {
			return fmt.Errorf("recovery.%s: timeout_ms must be positive", c.name)
		}
		if c.rc.CheckIntervalMs > c.rc.TimeoutMs {
			return fmt.Errorf("recovery.%s: check_interval_ms (%d) must not exceed timeout_ms (%d)",
				c.name, c.rc.CheckIntervalMs, c.rc.TimeoutMs)
		}
		if c.rc.MaxRetries < 1 {
			return fmt.Errorf("recovery.%s: max_retries must be at least 1", c.name)
		}
	}
	return nil
}
