package drivers

import (
	"context"
	"errors"
	"testing"
)

type fakeGaugeBus struct {
	regs   map[byte]uint16
	failed bool
}

func (b *fakeGaugeBus) ReadWord(reg byte) (uint16, error) {
	if b.failed {
		return 0, errors.New("i2c read error")
	}
	return b.regs[reg], nil
}

func (b *fakeGaugeBus) Close() error { return nil }

func TestGaugeReadDecodesRegisters(t *testing.T) {
	bus := &fakeGaugeBus{regs: map[byte]uint16{
		regVersion: 0x0012,
		regVCell:   0xCB00, // ~4058 mV
		regSOC:     0x5A80, // 90.5 %
		regCRate:   0x0100, // charging
	}}
	g := NewPowerGauge(bus, driverLogger())
	if err := g.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r, err := g.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if r.VoltageMV < 4000 || r.VoltageMV > 4100 {
		t.Errorf("voltage = %d mV", r.VoltageMV)
	}
	if r.Percent < 90 || r.Percent > 91 {
		t.Errorf("percent = %f", r.Percent)
	}
	if !r.Charging {
		t.Error("positive crate should report charging")
	}
}

func TestGaugeReadRequiresInit(t *testing.T) {
	g := NewPowerGauge(&fakeGaugeBus{regs: map[byte]uint16{}}, driverLogger())
	if _, err := g.Read(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestGaugeWithoutBusDegrades(t *testing.T) {
	g := NewPowerGauge(nil, driverLogger())
	if err := g.Init(context.Background()); !errors.Is(err, ErrNoBus) {
		t.Fatalf("Init err = %v, want ErrNoBus", err)
	}
	if _, err := g.Read(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Read err = %v, want ErrNotInitialized", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestGaugeDischargeDirection(t *testing.T) {
	bus := &fakeGaugeBus{regs: map[byte]uint16{
		regVersion: 0x0012,
		regVCell:   0xB000,
		regSOC:     0x3000,
		regCRate:   0xFF00, // negative, discharging
	}}
	g := NewPowerGauge(bus, driverLogger())
	if err := g.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, err := g.Read(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Charging {
		t.Error("negative crate should report discharging")
	}
}

func TestGaugeInitFailsOnBusError(t *testing.T) {
	g := NewPowerGauge(&fakeGaugeBus{failed: true}, driverLogger())
	if err := g.Init(context.Background()); err == nil {
		t.Fatal("expected probe failure")
	}
}
