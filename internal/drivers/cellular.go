package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
	"tracker-service/internal/types"
)

const (
	atTimeout     = 3 * time.Second
	atLongTimeout = 15 * time.Second
)

// PowerControl drives the modem's power key and reset lines. A nil
// PowerControl disables hardware power cycling.
type PowerControl interface {
	PowerKeyPulse() error
	ResetPulse() error
}

// ATModem is the cellular modem driver. All traffic goes through the
// shared transport guard, so its methods are safe to call while the GNSS
// driver is polling.
type ATModem struct {
	bus   Exchanger
	cfg   config.CellularConfig
	log   *logger.Logger
	power PowerControl

	mu          sync.Mutex
	initialized bool
	simReady    bool
	registered  bool
	pdpActive   bool
	signal      types.SignalInfo
}

func NewATModem(bus Exchanger, cfg config.CellularConfig, power PowerControl, log *logger.Logger) *ATModem {
	return &ATModem{
		bus:   bus,
		cfg:   cfg,
		log:   log.WithTag("CELLULAR"),
		power: power,
	}
}

// Init brings the modem to a commandable state: echo off, full
// functionality, SIM unlocked, PDP context defined.
func (m *ATModem) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.bus.Flush()

	// the modem may need a few probes after power-on before it answers
	if err := m.probe(); err != nil {
		if m.power != nil {
			m.log.Infof("modem not responding, pulsing power key")
			if perr := m.power.PowerKeyPulse(); perr != nil {
				m.log.Warnf("power key pulse failed: %v", perr)
			}
			time.Sleep(2 * time.Second)
		}
		if err := m.probe(); err != nil {
			return fmt.Errorf("modem not responding: %w", err)
		}
	}

	if _, err := sendAT(m.bus, "ATE0", atTimeout); err != nil {
		return err
	}
	if _, err := sendAT(m.bus, "AT+CFUN=1", atLongTimeout); err != nil {
		return err
	}

	if m.cfg.SimPin != "" {
		if ready, _ := m.querySim(); !ready {
			if _, err := sendAT(m.bus, fmt.Sprintf(`AT+CPIN="%s"`, m.cfg.SimPin), atLongTimeout); err != nil {
				return fmt.Errorf("unlocking sim: %w", err)
			}
		}
	}
	ready, err := m.querySim()
	if err != nil {
		return err
	}
	if !ready {
		return ErrSimNotReady
	}

	if _, err := sendAT(m.bus, fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, m.cfg.APN), atTimeout); err != nil {
		return fmt.Errorf("defining pdp context: %w", err)
	}

	m.mu.Lock()
	m.initialized = true
	m.simReady = true
	m.mu.Unlock()
	m.log.Infof("modem initialized, apn=%s", m.cfg.APN)
	return nil
}

// Connect attaches to the packet domain and activates the PDP context.
// Fails if the modem has not been initialized.
func (m *ATModem) Connect(ctx context.Context) error {
	m.mu.Lock()
	initialized := m.initialized
	m.mu.Unlock()
	if !initialized {
		return ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.waitRegistered(ctx, 60*time.Second); err != nil {
		return err
	}
	if _, err := sendAT(m.bus, "AT+CGATT=1", atLongTimeout); err != nil {
		return fmt.Errorf("attaching: %w", err)
	}
	if _, err := sendAT(m.bus, "AT+CGACT=1,1", atLongTimeout); err != nil {
		return fmt.Errorf("activating pdp context: %w", err)
	}

	m.mu.Lock()
	m.pdpActive = true
	m.mu.Unlock()
	m.log.Infof("data connection up")
	return nil
}

// Disconnect deactivates the PDP context. The modem stays initialized.
func (m *ATModem) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := sendAT(m.bus, "AT+CGACT=0,1", atLongTimeout)
	m.mu.Lock()
	m.pdpActive = false
	m.mu.Unlock()
	return err
}

// ConnectionStatus maps the cached link state without touching the wire.
func (m *ATModem) ConnectionStatus() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.initialized:
		return types.ConnectionDisconnected
	case m.registered && m.pdpActive:
		return types.ConnectionConnected
	case m.registered:
		return types.ConnectionConnecting
	default:
		return types.ConnectionDisconnected
	}
}

// Refresh re-queries registration and PDP state and updates the cache.
// Returns true when the link is fully up.
func (m *ATModem) Refresh(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	registered, err := m.queryRegistration()
	if err != nil {
		return false, err
	}
	active, err := m.queryPDP()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.registered = registered
	m.pdpActive = active
	m.mu.Unlock()
	return registered && active, nil
}

// SignalStrength queries and caches the current signal quality.
func (m *ATModem) SignalStrength(ctx context.Context) (types.SignalInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.SignalInfo{}, err
	}
	lines, err := sendAT(m.bus, "AT+CSQ", atTimeout)
	if err != nil {
		return types.SignalInfo{}, err
	}
	resp, ok := findResponse(lines, "+CSQ:")
	if !ok {
		return types.SignalInfo{}, fmt.Errorf("AT+CSQ: %w: no report", ErrCommandFailed)
	}
	info, err := parseCSQ(resp)
	if err != nil {
		return types.SignalInfo{}, err
	}
	m.mu.Lock()
	m.signal = info
	m.mu.Unlock()
	return info, nil
}

// LastSignal returns the cached signal reading without touching the
// wire.
func (m *ATModem) LastSignal() types.SignalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// SimReady queries SIM state.
func (m *ATModem) SimReady(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return m.querySim()
}

// SendRawCommand passes an arbitrary AT command through and returns the
// raw response lines joined by newlines. Intended for the diagnostics
// channel.
func (m *ATModem) SendRawCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
		return "", fmt.Errorf("%w: not an AT command", ErrCommandFailed)
	}
	lines, err := sendAT(m.bus, cmd, timeout)
	return strings.Join(lines, "\n"), err
}

// Reset power-cycles the modem via the reset line and clears the cached
// state, forcing a full re-init.
func (m *ATModem) Reset() error {
	m.mu.Lock()
	m.initialized = false
	m.simReady = false
	m.registered = false
	m.pdpActive = false
	m.mu.Unlock()

	if m.power == nil {
		return nil
	}
	m.log.Warnf("hardware reset")
	return m.power.ResetPulse()
}

func (m *ATModem) probe() error {
	var err error
	for i := 0; i < 3; i++ {
		if _, err = sendAT(m.bus, "AT", atTimeout); err == nil {
			return nil
		}
	}
	return err
}

func (m *ATModem) waitRegistered(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		registered, err := m.queryRegistration()
		if err == nil && registered {
			m.mu.Lock()
			m.registered = true
			m.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("network registration: %w", ErrCommandFailed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (m *ATModem) querySim() (bool, error) {
	lines, err := sendAT(m.bus, "AT+CPIN?", atTimeout)
	if err != nil {
		return false, err
	}
	resp, ok := findResponse(lines, "+CPIN:")
	if !ok {
		return false, fmt.Errorf("AT+CPIN?: %w: no report", ErrCommandFailed)
	}
	return strings.Contains(resp, "READY"), nil
}

func (m *ATModem) queryRegistration() (bool, error) {
	lines, err := sendAT(m.bus, "AT+CREG?", atTimeout)
	if err != nil {
		return false, err
	}
	resp, ok := findResponse(lines, "+CREG:")
	if !ok {
		return false, fmt.Errorf("AT+CREG?: %w: no report", ErrCommandFailed)
	}
	return parseCREG(resp)
}

func (m *ATModem) queryPDP() (bool, error) {
	lines, err := sendAT(m.bus, "AT+CGACT?", atTimeout)
	if err != nil {
		return false, err
	}
	resp, ok := findResponse(lines, "+CGACT:")
	if !ok {
		return false, nil
	}
	return parseCGACT(resp), nil
}

// parseCSQ decodes "+CSQ: <rssi>,<ber>". 99 means unknown.
func parseCSQ(line string) (types.SignalInfo, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+CSQ:"))
	parts := strings.Split(rest, ",")
	if len(parts) < 1 {
		return types.SignalInfo{}, fmt.Errorf("malformed CSQ report %q", line)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return types.SignalInfo{}, fmt.Errorf("malformed CSQ report %q", line)
	}
	info := types.SignalInfo{Quality: raw}
	if raw >= 0 && raw <= 31 {
		info.RSSI = -113 + 2*raw
	}
	return info, nil
}

// parseCREG decodes "+CREG: <n>,<stat>". Stat 1 (home) and 5 (roaming)
// count as registered.
func parseCREG(line string) (bool, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+CREG:"))
	parts := strings.Split(rest, ",")
	if len(parts) < 2 {
		return false, fmt.Errorf("malformed CREG report %q", line)
	}
	stat, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return false, fmt.Errorf("malformed CREG report %q", line)
	}
	return stat == 1 || stat == 5, nil
}

// parseCGACT decodes "+CGACT: <cid>,<state>" for context 1.
func parseCGACT(line string) bool {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "+CGACT:"))
	parts := strings.Split(rest, ",")
	if len(parts) < 2 {
		return false
	}
	cid := strings.TrimSpace(parts[0])
	state := strings.TrimSpace(parts[1])
	return cid == "1" && state == "1"
}
