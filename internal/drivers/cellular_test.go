package drivers

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
	"tracker-service/internal/types"
)

// ===== Test helpers =====

// scriptedBus maps command prefixes to canned modem responses. Unknown
// commands answer OK.
type scriptedBus struct {
	responses map[string]string
	sent      []string
}

func newScriptedBus() *scriptedBus {
	return &scriptedBus{responses: make(map[string]string)}
}

func (b *scriptedBus) on(prefix, response string) {
	b.responses[prefix] = response
}

func (b *scriptedBus) Exchange(req []byte, done func([]byte) bool, timeout time.Duration) ([]byte, error) {
	cmd := strings.TrimSpace(string(req))
	b.sent = append(b.sent, cmd)
	for prefix, resp := range b.responses {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(resp), nil
		}
	}
	return []byte("\r\nOK\r\n"), nil
}

func (b *scriptedBus) Flush() error { return nil }

func (b *scriptedBus) sentCommand(prefix string) bool {
	for _, cmd := range b.sent {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func driverLogger() *logger.Logger {
	return logger.NewLogger(log.New(os.Stderr, "", 0), logger.LogLevelNone)
}

func testModem(bus Exchanger) *ATModem {
	return NewATModem(bus, config.CellularConfig{APN: "internet"}, nil, driverLogger())
}

// ===== Init =====

func TestInitRunsBringUpSequence(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")

	m := testModem(bus)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, want := range []string{"ATE0", "AT+CFUN=1", "AT+CPIN?", `AT+CGDCONT=1,"IP","internet"`} {
		if !bus.sentCommand(want) {
			t.Errorf("bring-up did not send %s (sent: %v)", want, bus.sent)
		}
	}
}

func TestInitFailsWhenSimNotReady(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT+CPIN?", "\r\n+CPIN: SIM PIN\r\n\r\nOK\r\n")

	m := testModem(bus)
	if err := m.Init(context.Background()); !errors.Is(err, ErrSimNotReady) {
		t.Fatalf("err = %v, want ErrSimNotReady", err)
	}
}

func TestInitFailsWhenModemSilent(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT", "\r\nERROR\r\n")

	m := testModem(bus)
	if err := m.Init(context.Background()); err == nil {
		t.Fatal("expected error for unresponsive modem")
	}
}

// ===== Connect =====

func TestConnectRequiresInit(t *testing.T) {
	m := testModem(newScriptedBus())
	if err := m.Connect(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestConnectActivatesPDP(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
	bus.on("AT+CREG?", "\r\n+CREG: 0,1\r\n\r\nOK\r\n")
	bus.on("AT+CGACT?", "\r\n+CGACT: 1,1\r\n\r\nOK\r\n")

	m := testModem(bus)
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !bus.sentCommand("AT+CGATT=1") || !bus.sentCommand("AT+CGACT=1,1") {
		t.Errorf("connect sequence incomplete: %v", bus.sent)
	}
	if got := m.ConnectionStatus(); got != types.ConnectionConnected {
		t.Errorf("status = %s, want connected", got)
	}
}

// ===== Status refresh =====

func TestRefreshDetectsLostRegistration(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT+CPIN?", "\r\n+CPIN: READY\r\n\r\nOK\r\n")
	bus.on("AT+CREG?", "\r\n+CREG: 0,1\r\n\r\nOK\r\n")
	bus.on("AT+CGACT?", "\r\n+CGACT: 1,1\r\n\r\nOK\r\n")

	m := testModem(bus)
	if err := m.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus.on("AT+CREG?", "\r\n+CREG: 0,2\r\n\r\nOK\r\n")
	up, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if up {
		t.Error("link should be down after registration loss")
	}
	if got := m.ConnectionStatus(); got == types.ConnectionConnected {
		t.Errorf("status still connected after refresh")
	}
}

// ===== Raw commands =====

func TestSendRawCommandRejectsNonAT(t *testing.T) {
	m := testModem(newScriptedBus())
	if _, err := m.SendRawCommand(context.Background(), "reboot", time.Second); err == nil {
		t.Fatal("expected rejection of non-AT command")
	}
}

// ===== Parsers =====

func TestParseCSQ(t *testing.T) {
	cases := []struct {
		line    string
		rssi    int
		quality int
		wantErr bool
	}{
		{"+CSQ: 18,99", -77, 18, false},
		{"+CSQ: 0,0", -113, 0, false},
		{"+CSQ: 31,99", -51, 31, false},
		{"+CSQ: 99,99", 0, 99, false},
		{"+CSQ: garbage", 0, 0, true},
	}
	for _, c := range cases {
		info, err := parseCSQ(c.line)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseCSQ(%q): expected error", c.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCSQ(%q): %v", c.line, err)
			continue
		}
		if info.RSSI != c.rssi || info.Quality != c.quality {
			t.Errorf("parseCSQ(%q) = %+v, want rssi %d quality %d", c.line, info, c.rssi, c.quality)
		}
	}
}

func TestParseCREG(t *testing.T) {
	cases := []struct {
		line       string
		registered bool
		wantErr    bool
	}{
		{"+CREG: 0,1", true, false},
		{"+CREG: 0,5", true, false},
		{"+CREG: 0,2", false, false},
		{"+CREG: 0,0", false, false},
		{"+CREG: junk", false, true},
	}
	for _, c := range cases {
		got, err := parseCREG(c.line)
		if c.wantErr != (err != nil) {
			t.Errorf("parseCREG(%q): err = %v", c.line, err)
			continue
		}
		if !c.wantErr && got != c.registered {
			t.Errorf("parseCREG(%q) = %v, want %v", c.line, got, c.registered)
		}
	}
}

func TestParseCGACT(t *testing.T) {
	if !parseCGACT("+CGACT: 1,1") {
		t.Error("context 1 active should parse as true")
	}
	if parseCGACT("+CGACT: 1,0") {
		t.Error("deactivated context should parse as false")
	}
	if parseCGACT("+CGACT: bogus") {
		t.Error("malformed report should parse as false")
	}
}

func TestSignalStrengthCachesReading(t *testing.T) {
	bus := newScriptedBus()
	bus.on("AT+CSQ", "\r\n+CSQ: 20,99\r\n\r\nOK\r\n")

	m := testModem(bus)
	info, err := m.SignalStrength(context.Background())
	if err != nil {
		t.Fatalf("SignalStrength: %v", err)
	}
	if info.RSSI != -73 {
		t.Errorf("rssi = %d, want -73", info.RSSI)
	}
}
