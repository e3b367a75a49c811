// Package hardware drives the tracker's GPIO lines: the modem power
// key, the modem reset line and the status LED.
package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
)

const (
	// SIM76xx power key must be held low for at least a second to
	// register a power toggle.
	powerKeyHold = 1200 * time.Millisecond
	resetHold    = 200 * time.Millisecond
)

// Control owns the requested GPIO lines for the lifetime of the service.
type Control struct {
	log  *logger.Logger
	chip *gpiocdev.Chip

	mu       sync.Mutex
	powerKey *gpiocdev.Line
	reset    *gpiocdev.Line
	led      *gpiocdev.Line
}

// NewControl opens the GPIO chip and requests all lines as outputs,
// inactive.
func NewControl(cfg config.GPIOConfig, log *logger.Logger) (*Control, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip)
	if err != nil {
		return nil, fmt.Errorf("opening GPIO chip %s: %w", cfg.Chip, err)
	}

	c := &Control{log: log.WithTag("GPIO"), chip: chip}
	lines := []struct {
		name   string
		offset int
		dest   **gpiocdev.Line
	}{
		{"power-key", cfg.PowerKeyLine, &c.powerKey},
		{"reset", cfg.ResetLine, &c.reset},
		{"status-led", cfg.StatusLEDLine, &c.led},
	}
	for _, l := range lines {
		line, err := chip.RequestLine(l.offset,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer("tracker-service"))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("requesting %s line %d: %w", l.name, l.offset, err)
		}
		*l.dest = line
		c.log.Debugf("configured %s: chip=%s line=%d", l.name, cfg.Chip, l.offset)
	}
	return c, nil
}

// PowerKeyPulse holds the modem power key long enough to toggle modem
// power.
func (c *Control) PowerKeyPulse() error {
	return c.pulse(c.powerKey, powerKeyHold)
}

// ResetPulse strobes the modem reset line.
func (c *Control) ResetPulse() error {
	return c.pulse(c.reset, resetHold)
}

// SetStatusLED reflects system readiness on the status LED.
func (c *Control) SetStatusLED(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.led == nil {
		return nil
	}
	val := 0
	if on {
		val = 1
	}
	return c.led.SetValue(val)
}

func (c *Control) pulse(line *gpiocdev.Line, hold time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line == nil {
		return fmt.Errorf("line not configured")
	}
	if err := line.SetValue(1); err != nil {
		return err
	}
	time.Sleep(hold)
	return line.SetValue(0)
}

// Close releases all requested lines and the chip.
func (c *Control) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range []*gpiocdev.Line{c.powerKey, c.reset, c.led} {
		if line != nil {
			line.Close()
		}
	}
	if c.chip != nil {
		c.chip.Close()
	}
}
