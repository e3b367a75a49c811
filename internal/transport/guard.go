// Package transport owns the serial link shared by the cellular modem
// and the GNSS engine. All traffic goes through Guard.Exchange, which
// serializes access so a modem command and a position poll can never
// interleave on the wire.
package transport

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goburrow/serial"

	"tracker-service/internal/config"
	"tracker-service/internal/logger"
)

var (
	// ErrBusy is returned when the port could not be acquired within the
	// configured acquisition timeout.
	ErrBusy = errors.New("transport: port busy")

	// ErrTimeout is returned when the device produced no terminating
	// response within the exchange timeout.
	ErrTimeout = errors.New("transport: response timeout")
)

// Port is the raw serial device under the guard.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Stats exposes the guard's acquisition bookkeeping.
type Stats struct {
	Acquired  uint64
	Released  uint64
	Timeouts  uint64
	Exchanges uint64
}

// Guard wraps the shared serial port. It is the only way to talk to the
// device; callers never see the port directly.
type Guard struct {
	port           Port
	log            *logger.Logger
	acquireTimeout time.Duration
	readTimeout    time.Duration

	sem chan struct{}

	acquired  atomic.Uint64
	released  atomic.Uint64
	timeouts  atomic.Uint64
	exchanges atomic.Uint64
}

// NewGuard wraps an already opened port.
func NewGuard(port Port, log *logger.Logger, acquireTimeout, readTimeout time.Duration) *Guard {
	g := &Guard{
		port:           port,
		log:            log.WithTag("TRANSPORT"),
		acquireTimeout: acquireTimeout,
		readTimeout:    readTimeout,
		sem:            make(chan struct{}, 1),
	}
	return g
}

// Open opens the configured serial device and wraps it in a guard.
func Open(cfg config.SerialConfig, log *logger.Logger) (*Guard, error) {
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  cfg.ReadTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Device, err)
	}
	return NewGuard(port, log, cfg.AcquireTimeout(), cfg.ReadTimeout()), nil
}

// Exchange writes req to the device and accumulates the response until
// done reports the accumulated bytes form a complete reply, or timeout
// elapses. The port is held for the whole exchange and released exactly
// once, on every path out.
func (g *Guard) Exchange(req []byte, done func([]byte) bool, timeout time.Duration) ([]byte, error) {
	if err := g.acquire(); err != nil {
		return nil, err
	}
	defer g.release()

	g.exchanges.Add(1)

	if len(req) > 0 {
		if _, err := g.port.Write(req); err != nil {
			return nil, fmt.Errorf("serial write: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		if done != nil && done(buf) {
			return buf, nil
		}
		if time.Now().After(deadline) {
			g.timeouts.Add(1)
			return buf, ErrTimeout
		}
		n, err := g.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, serial.ErrTimeout) {
			return buf, fmt.Errorf("serial read: %w", err)
		}
	}
}

// Flush drains any stale bytes sitting in the receive buffer. Used
// before a fresh command burst after a recovery.
func (g *Guard) Flush() error {
	if err := g.acquire(); err != nil {
		return err
	}
	defer g.release()

	chunk := make([]byte, 256)
	for {
		n, err := g.port.Read(chunk)
		if n == 0 {
			if err != nil && !errors.Is(err, serial.ErrTimeout) {
				return err
			}
			return nil
		}
	}
}

func (g *Guard) acquire() error {
	select {
	case g.sem <- struct{}{}:
		g.acquired.Add(1)
		return nil
	case <-time.After(g.acquireTimeout):
		g.log.Warnf("port acquisition timed out after %v", g.acquireTimeout)
		return ErrBusy
	}
}

func (g *Guard) release() {
	g.released.Add(1)
	<-g.sem
}

// Stats returns a snapshot of the guard's counters.
func (g *Guard) Stats() Stats {
	return Stats{
		Acquired:  g.acquired.Load(),
		Released:  g.released.Load(),
		Timeouts:  g.timeouts.Load(),
		Exchanges: g.exchanges.Load(),
	}
}

// Close closes the underlying port.
func (g *Guard) Close() error {
	return g.port.Close()
}
