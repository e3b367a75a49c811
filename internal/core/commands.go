package core

import (
	"context"
	"fmt"
	"time"

	"tracker-service/internal/messaging"
	"tracker-service/internal/types"
)

// Command handlers run on the owning subsystem's tick, never on the
// Redis listener goroutine.

func (s *TrackerSystem) cellularCommand(ctx context.Context, msg types.CommandMessage) error {
	switch msg.Kind {
	case types.CmdCellularInit:
		return s.cellularInit(ctx)
	case types.CmdCellularConnect:
		return s.cellular.Connect(ctx)
	case types.CmdCellularDisconnect:
		return s.cellular.Disconnect(ctx)
	case types.CmdCellularSignal:
		info, err := s.cellular.SignalStrength(ctx)
		if err != nil {
			return err
		}
		return s.redis.PublishSignal(info)
	case types.CmdCellularReset:
		return s.cellular.Reset()
	default:
		return fmt.Errorf("unsupported cellular command %q", msg.Kind)
	}
}

func (s *TrackerSystem) gnssCommand(ctx context.Context, msg types.CommandMessage) error {
	switch msg.Kind {
	case types.CmdGnssStart:
		return s.gnss.Init(ctx)
	case types.CmdGnssStop:
		return s.gnss.Stop(ctx)
	case types.CmdGnssPoll:
		fix, err := s.gnss.ReadFix(ctx)
		if err != nil {
			return err
		}
		s.noteFix(fix)
		return nil
	case types.CmdGnssReset:
		if err := s.gnss.Stop(ctx); err != nil {
			return err
		}
		return s.gnss.Init(ctx)
	default:
		return fmt.Errorf("unsupported gps command %q", msg.Kind)
	}
}

func (s *TrackerSystem) publisherCommand(ctx context.Context, msg types.CommandMessage) error {
	switch msg.Kind {
	case types.CmdPublisherConnect:
		return s.publisherInit(ctx)
	case types.CmdPublisherDisconnect:
		s.publisher.Disconnect()
		return nil
	case types.CmdPublisherPublish:
		topic := msg.Topic
		if topic == "" {
			topic = s.cfg.MQTT.Topic
		}
		return s.publisher.Publish(ctx, topic, msg.Payload)
	case types.CmdPublisherReset:
		s.publisher.Reset()
		return nil
	default:
		return fmt.Errorf("unsupported publisher command %q", msg.Kind)
	}
}

func (s *TrackerSystem) batteryCommand(ctx context.Context, msg types.CommandMessage) error {
	switch msg.Kind {
	case types.CmdBatteryRead:
		reading, err := s.gauge.Read(ctx)
		if err != nil {
			return err
		}
		return s.redis.PublishBattery(reading)
	default:
		return fmt.Errorf("unsupported battery command %q", msg.Kind)
	}
}

// RedisCallbacks maps external command verbs onto the subsystem queues.
func (s *TrackerSystem) RedisCallbacks() messaging.Callbacks {
	return messaging.Callbacks{
		CellularCommand: s.submitVerb(types.SubsystemCellular, map[string]types.CommandKind{
			"init":         types.CmdCellularInit,
			"connect":      types.CmdCellularConnect,
			"disconnect":   types.CmdCellularDisconnect,
			"check-signal": types.CmdCellularSignal,
			"reset":        types.CmdCellularReset,
		}),
		GpsCommand: s.submitVerb(types.SubsystemGnss, map[string]types.CommandKind{
			"start": types.CmdGnssStart,
			"stop":  types.CmdGnssStop,
			"poll":  types.CmdGnssPoll,
			"reset": types.CmdGnssReset,
		}),
		PublisherCommand: s.submitVerb(types.SubsystemPublisher, map[string]types.CommandKind{
			"connect":    types.CmdPublisherConnect,
			"disconnect": types.CmdPublisherDisconnect,
			"reset":      types.CmdPublisherReset,
		}),
		BatteryCommand: s.submitVerb(types.SubsystemBattery, map[string]types.CommandKind{
			"read": types.CmdBatteryRead,
		}),
		SystemCommand: s.handleSystemCommand,
		RawATCommand:  s.handleRawAT,
	}
}

func (s *TrackerSystem) submitVerb(name types.Subsystem, verbs map[string]types.CommandKind) func(string) error {
	return func(value string) error {
		kind, ok := verbs[value]
		if !ok {
			return fmt.Errorf("unknown %s command %q", name, value)
		}
		return s.Submit(name, types.CommandMessage{Kind: kind})
	}
}

func (s *TrackerSystem) handleSystemCommand(value string) error {
	switch value {
	case "recover":
		s.logger.Infof("Manual recovery requested")
		go s.recoverAll(s.ctx)
		return nil
	case "status":
		for _, name := range types.Subsystems {
			s.publishState(name)
		}
		return nil
	case "shutdown":
		s.logger.Infof("Shutdown requested over messaging")
		s.cancel()
		return nil
	default:
		return fmt.Errorf("unknown system command %q", value)
	}
}

func (s *TrackerSystem) handleRawAT(cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
	defer cancel()
	return s.cellular.SendRawCommand(ctx, cmd, 10*time.Second)
}
