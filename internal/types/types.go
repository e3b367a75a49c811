package types

import "time"

// SubsystemState is the lifecycle state of a managed subsystem.
type SubsystemState string

const (
	SubsystemInit       SubsystemState = "init"
	SubsystemRunning    SubsystemState = "running"
	SubsystemReady      SubsystemState = "ready"
	SubsystemError      SubsystemState = "error"
	SubsystemRecovering SubsystemState = "recovering"
	SubsystemShutdown   SubsystemState = "shutdown"
)

// ConnectionState is the link-level health of a subsystem, reported
// independently of its lifecycle state.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
	ConnectionRecovering   ConnectionState = "recovering"
)

// Subsystem identifies one of the managed subsystems.
type Subsystem string

const (
	SubsystemCellular  Subsystem = "cellular"
	SubsystemGnss      Subsystem = "gps"
	SubsystemPublisher Subsystem = "publisher"
	SubsystemBattery   Subsystem = "battery"
)

// Subsystems lists all managed subsystems in dependency order.
var Subsystems = []Subsystem{SubsystemCellular, SubsystemGnss, SubsystemPublisher, SubsystemBattery}

// SubsystemRuntime is a point-in-time snapshot of a subsystem's
// bookkeeping, taken under the subsystem's lock.
type SubsystemRuntime struct {
	Subsystem        Subsystem
	State            SubsystemState
	Connection       ConnectionState
	EverInitialized  bool
	RetryCount       int
	ConsecutiveFails int
	LastInitAttempt  time.Time
	LastSuccess      time.Time
	LastHeartbeat    time.Time
}

// CommandKind names an operation that can be submitted to a subsystem's
// command queue.
type CommandKind string

const (
	CmdCellularInit       CommandKind = "cellular-init"
	CmdCellularConnect    CommandKind = "cellular-connect"
	CmdCellularDisconnect CommandKind = "cellular-disconnect"
	CmdCellularSignal     CommandKind = "cellular-check-signal"
	CmdCellularReset      CommandKind = "cellular-reset"

	CmdGnssStart CommandKind = "gps-start"
	CmdGnssStop  CommandKind = "gps-stop"
	CmdGnssPoll  CommandKind = "gps-poll-location"
	CmdGnssReset CommandKind = "gps-reset"

	CmdPublisherConnect    CommandKind = "publisher-connect"
	CmdPublisherDisconnect CommandKind = "publisher-disconnect"
	CmdPublisherPublish    CommandKind = "publisher-publish"
	CmdPublisherReset      CommandKind = "publisher-reset"

	CmdBatteryRead CommandKind = "battery-read"
)

// CommandMessage is a queued request for a subsystem. Done, when non-nil,
// receives the outcome exactly once and is then closed by the consumer.
type CommandMessage struct {
	Kind    CommandKind
	Topic   string
	Payload []byte
	Done    chan error
}

// Complete delivers the command outcome. It is a no-op for fire-and-forget
// messages that carry no Done channel.
func (m CommandMessage) Complete(err error) {
	if m.Done == nil {
		return
	}
	m.Done <- err
	close(m.Done)
}

// FixData is a decoded GNSS position report.
type FixData struct {
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64
	Course     float64
	Satellites int
	Quality    int
	Valid      bool
	Timestamp  time.Time
}

// SignalInfo is a decoded cellular signal quality report.
type SignalInfo struct {
	RSSI    int // dBm, 0 when unknown
	Quality int // raw CSQ value 0..31, 99 when unknown
}

// PowerReading is a decoded fuel gauge sample.
type PowerReading struct {
	VoltageMV int
	Percent   float64
	Charging  bool
	Timestamp time.Time
}
