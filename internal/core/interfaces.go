package core

import (
	"context"
	"time"

	"tracker-service/internal/types"
)

// CellularDriver is the modem surface the orchestrator needs.
type CellularDriver interface {
	Init(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	ConnectionStatus() types.ConnectionState
	Refresh(ctx context.Context) (bool, error)
	SignalStrength(ctx context.Context) (types.SignalInfo, error)
	LastSignal() types.SignalInfo
	SimReady(ctx context.Context) (bool, error)
	SendRawCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
	Reset() error
}

// GnssDriver is the position source.
type GnssDriver interface {
	Init(ctx context.Context) error
	Stop(ctx context.Context) error
	ReadFix(ctx context.Context) (types.FixData, error)
	LastFix() types.FixData
	Status() (powered, hasFix bool)
}

// PublisherDriver is the telemetry uplink.
type PublisherDriver interface {
	Init(ctx context.Context) error
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Disconnect()
	Reset()
}

// PowerGaugeDriver is the battery fuel gauge.
type PowerGaugeDriver interface {
	Init(ctx context.Context) error
	Read(ctx context.Context) (types.PowerReading, error)
	LastReading() types.PowerReading
}

// MessagingClient is the Redis surface used by TrackerSystem.
type MessagingClient interface {
	Connect() error
	StartListening() error
	Close() error

	PublishSubsystemState(rt types.SubsystemRuntime) error
	PublishSystemReady(ready bool) error
	PublishLocation(fix types.FixData) error
	PublishBattery(reading types.PowerReading) error
	PublishSignal(info types.SignalInfo) error

	ReportFaultPresent(code int, description string, timestamp int64, info string) error
	ReportFaultAbsent(code int) error
}

// HardwareControl is the GPIO surface used by TrackerSystem. May be nil
// on hosts without the lines wired.
type HardwareControl interface {
	PowerKeyPulse() error
	ResetPulse() error
	SetStatusLED(on bool) error
	Close()
}
