package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
	"tracker-service/internal/types"
)

// MAX17048 register map.
const (
	regVCell   = 0x02
	regSOC     = 0x04
	regVersion = 0x08
	regCRate   = 0x16
)

// GaugeBus is the word-register access a fuel gauge needs. Implemented
// by the I2C device below and by test fakes.
type GaugeBus interface {
	ReadWord(reg byte) (uint16, error)
	Close() error
}

// PowerGauge is the battery fuel gauge driver (MAX17048 class).
type PowerGauge struct {
	bus GaugeBus
	log *logger.Logger

	mu          sync.Mutex
	initialized bool
	last        types.PowerReading
}

func NewPowerGauge(bus GaugeBus, log *logger.Logger) *PowerGauge {
	return &PowerGauge{bus: bus, log: log.WithTag("BATTERY")}
}

// Init probes the gauge by reading its version register. A gauge built
// without a bus (I2C absent) fails init and stays degraded.
func (p *PowerGauge) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.bus == nil {
		return fmt.Errorf("fuel gauge: %w", ErrNoBus)
	}
	version, err := p.bus.ReadWord(regVersion)
	if err != nil {
		return fmt.Errorf("probing fuel gauge: %w", err)
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.log.Infof("fuel gauge present, version 0x%04x", version)
	return nil
}

// Read samples voltage, charge percentage and charge direction.
func (p *PowerGauge) Read(ctx context.Context) (types.PowerReading, error) {
	p.mu.Lock()
	initialized := p.initialized
	p.mu.Unlock()
	if !initialized {
		return types.PowerReading{}, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return types.PowerReading{}, err
	}

	vcell, err := p.bus.ReadWord(regVCell)
	if err != nil {
		return types.PowerReading{}, fmt.Errorf("reading vcell: %w", err)
	}
	soc, err := p.bus.ReadWord(regSOC)
	if err != nil {
		return types.PowerReading{}, fmt.Errorf("reading soc: %w", err)
	}
	crate, err := p.bus.ReadWord(regCRate)
	if err != nil {
		return types.PowerReading{}, fmt.Errorf("reading crate: %w", err)
	}

	reading := types.PowerReading{
		VoltageMV: int(float64(vcell) * 78.125 / 1000),
		Percent:   float64(soc) / 256.0,
		Charging:  int16(crate) > 0,
		Timestamp: time.Now(),
	}
	if reading.Percent > 100 {
		reading.Percent = 100
	}

	p.mu.Lock()
	p.last = reading
	p.mu.Unlock()
	return reading, nil
}

// LastReading returns the most recent sample.
func (p *PowerGauge) LastReading() types.PowerReading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Close releases the bus.
func (p *PowerGauge) Close() error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Close()
}

// i2cDev is a GaugeBus over a Linux i2c-dev character device.
type i2cDev struct {
	fd int
}

// i2cSlave is the I2C_SLAVE request from <linux/i2c-dev.h>; x/sys does
// not export the i2c-dev ioctls on Linux.
const i2cSlave = 0x0703

// OpenI2C opens /dev/i2c-<bus> and binds it to the gauge's address.
func OpenI2C(cfg config.BatteryConfig) (GaugeBus, error) {
	path := fmt.Sprintf("/dev/i2c-%d", cfg.I2CBus)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if err := unix.IoctlSetInt(fd, i2cSlave, int(cfg.Address)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding i2c address 0x%02x: %w", cfg.Address, err)
	}
	return &i2cDev{fd: fd}, nil
}

// ReadWord selects a register and reads its 16-bit big-endian value.
func (d *i2cDev) ReadWord(reg byte) (uint16, error) {
	if _, err := unix.Write(d.fd, []byte{reg}); err != nil {
		return 0, err
	}
	buf := make([]byte, 2)
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, err
	}
	if n != 2 {
		return 0, fmt.Errorf("short i2c read: %d bytes", n)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (d *i2cDev) Close() error {
	return unix.Close(d.fd)
}
