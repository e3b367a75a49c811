// Package drivers contains the device drivers for the tracker hardware:
// the cellular modem and GNSS engine behind the shared serial link, the
// MQTT publisher and the battery fuel gauge.
package drivers

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCommandFailed is returned when the modem answered ERROR or +CME
	// ERROR to a command.
	ErrCommandFailed = errors.New("drivers: command failed")

	// ErrNotInitialized is returned when an operation requires a prior
	// successful Init.
	ErrNotInitialized = errors.New("drivers: not initialized")

	// ErrSimNotReady is returned when the SIM reports anything but READY.
	ErrSimNotReady = errors.New("drivers: sim not ready")

	// ErrNoFix is returned when the GNSS engine has no position solution.
	ErrNoFix = errors.New("drivers: no fix")

	// ErrNoBus is returned by the fuel gauge when no I2C bus is attached.
	ErrNoBus = errors.New("drivers: no bus")
)

// Exchanger is the guarded request/response channel to the serial device.
// Implemented by transport.Guard.
type Exchanger interface {
	Exchange(req []byte, done func([]byte) bool, timeout time.Duration) ([]byte, error)
	Flush() error
}

// atTerminator reports whether buf holds a complete AT response.
func atTerminator(buf []byte) bool {
	s := string(buf)
	return strings.Contains(s, "OK\r\n") ||
		strings.Contains(s, "ERROR") ||
		strings.Contains(s, "NO CARRIER")
}

// sendAT issues one AT command and returns the response lines with
// echoes and blank lines stripped.
func sendAT(bus Exchanger, cmd string, timeout time.Duration) ([]string, error) {
	raw, err := bus.Exchange([]byte(cmd+"\r\n"), atTerminator, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == cmd {
			continue
		}
		lines = append(lines, line)
	}

	for _, line := range lines {
		if line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR") {
			return lines, fmt.Errorf("%s: %w: %s", cmd, ErrCommandFailed, line)
		}
	}
	return lines, nil
}

// findResponse returns the first line starting with the given prefix.
func findResponse(lines []string, prefix string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return line, true
		}
	}
	return "", false
}
