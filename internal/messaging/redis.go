package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tracker-service/internal/logger"
	"tracker-service/internal/types"

	"github.com/redis/go-redis/v9"
)

// Callbacks route commands arriving over Redis lists to the subsystem
// queues. Values are the command verbs documented per key.
type Callbacks struct {
	CellularCommand  func(string) error           // "connect", "disconnect", "check-signal", "reset"
	GpsCommand       func(string) error           // "start", "stop", "poll", "reset"
	PublisherCommand func(string) error           // "connect", "disconnect", "reset"
	BatteryCommand   func(string) error           // "read"
	SystemCommand    func(string) error           // "recover", "status", "shutdown"
	RawATCommand     func(string) (string, error) // diagnostics passthrough
}

type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(host string, port int, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", host, port),
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCallbacks installs the command handlers. Must be called before
// StartListening; the orchestrator is built after the client, so the
// handlers arrive late.
func (r *RedisClient) SetCallbacks(callbacks Callbacks) {
	r.callbacks = callbacks
}

func (r *RedisClient) Connect() error {
	r.logger.Infof("Connecting to Redis at %s", r.client.Options().Addr)
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("Redis connection failed: %w", err)
	}
	r.logger.Infof("Connected to Redis")
	return nil
}

// StartListening starts the command list listeners. Called after the
// startup sequence so commands cannot race bring-up.
func (r *RedisClient) StartListening() error {
	r.logger.Infof("Starting Redis command listeners")

	r.wg.Add(6)
	go r.listCommandListener("tracker:cellular", r.callbacks.CellularCommand)
	go r.listCommandListener("tracker:gps", r.callbacks.GpsCommand)
	go r.listCommandListener("tracker:publisher", r.callbacks.PublisherCommand)
	go r.listCommandListener("tracker:battery", r.callbacks.BatteryCommand)
	go r.listCommandListener("tracker:system", r.callbacks.SystemCommand)
	go r.listCommandListener("tracker:at", r.handleRawAT)

	return nil
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Debugf("Starting list command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Infof("Context cancelled, exiting %s listener", key)
			return
		default:
			// BRPOP with a short timeout to allow periodic context checks
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if err == context.Canceled {
					return
				}
				r.logger.Warnf("Error reading from %s list: %v", key, err)
				continue
			}
			if len(result) < 2 || handler == nil {
				continue
			}
			value := result[1]
			r.logger.Debugf("Received command from %s: %s", key, value)
			if err := handler(value); err != nil {
				r.logger.Warnf("Error handling %s command: %v", key, err)
			}
		}
	}
}

// handleRawAT forwards a raw AT command to the modem and pushes the
// response (or the error text) onto the response list.
func (r *RedisClient) handleRawAT(value string) error {
	if r.callbacks.RawATCommand == nil {
		return nil
	}
	response, err := r.callbacks.RawATCommand(value)
	if err != nil {
		response = fmt.Sprintf("ERROR: %v", err)
	}
	return r.client.LPush(r.ctx, "tracker:at:response", response).Err()
}

// publishHashSet atomically updates a hash field and publishes a
// notification on the channel.
func (r *RedisClient) publishHashSet(hash, field string, value interface{}, channel, payload string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, hash, field, value)
	pipe.Publish(r.ctx, channel, payload)
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishSubsystemState mirrors one subsystem's lifecycle and link state
// into the tracker hash.
func (r *RedisClient) PublishSubsystemState(rt types.SubsystemRuntime) error {
	name := string(rt.Subsystem)
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, "tracker", name+":state", string(rt.State))
	pipe.HSet(r.ctx, "tracker", name+":connection", string(rt.Connection))
	pipe.HSet(r.ctx, "tracker", name+":timestamp", time.Now().Format(time.RFC3339))
	pipe.Publish(r.ctx, "tracker", name+":state")
	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to publish %s state: %v", name, err)
	}
	return err
}

// PublishSystemReady flips the aggregate readiness flag.
func (r *RedisClient) PublishSystemReady(ready bool) error {
	value := "false"
	if ready {
		value = "true"
	}
	return r.publishHashSet("tracker", "system:ready", value, "tracker", "system:ready")
}

// PublishLocation mirrors the latest fix into the tracker hash.
func (r *RedisClient) PublishLocation(fix types.FixData) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, "tracker", "location:latitude", fmt.Sprintf("%.6f", fix.Latitude))
	pipe.HSet(r.ctx, "tracker", "location:longitude", fmt.Sprintf("%.6f", fix.Longitude))
	pipe.HSet(r.ctx, "tracker", "location:altitude", fmt.Sprintf("%.1f", fix.Altitude))
	pipe.HSet(r.ctx, "tracker", "location:satellites", fix.Satellites)
	pipe.HSet(r.ctx, "tracker", "location:valid", fmt.Sprintf("%t", fix.Valid))
	pipe.HSet(r.ctx, "tracker", "location:timestamp", fix.Timestamp.Format(time.RFC3339))
	pipe.Publish(r.ctx, "tracker", "location")
	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to publish location: %v", err)
	}
	return err
}

// PublishBattery mirrors the latest fuel gauge sample.
func (r *RedisClient) PublishBattery(reading types.PowerReading) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, "tracker", "battery:voltage-mv", reading.VoltageMV)
	pipe.HSet(r.ctx, "tracker", "battery:percent", fmt.Sprintf("%.1f", reading.Percent))
	pipe.HSet(r.ctx, "tracker", "battery:charging", fmt.Sprintf("%t", reading.Charging))
	pipe.Publish(r.ctx, "tracker", "battery")
	_, err := pipe.Exec(r.ctx)
	return err
}

// PublishSignal mirrors the latest cellular signal reading.
func (r *RedisClient) PublishSignal(info types.SignalInfo) error {
	pipe := r.client.Pipeline()
	pipe.HSet(r.ctx, "tracker", "cellular:rssi", info.RSSI)
	pipe.HSet(r.ctx, "tracker", "cellular:signal-quality", info.Quality)
	pipe.Publish(r.ctx, "tracker", "cellular:signal")
	_, err := pipe.Exec(r.ctx)
	return err
}

// ReportFaultPresent records an active fault and appends it to the
// fault event stream.
func (r *RedisClient) ReportFaultPresent(code int, description string, timestamp int64, info string) error {
	r.logger.Infof("Reporting fault present: code=%d, description=%s", code, description)

	pipe := r.client.Pipeline()
	pipe.SAdd(r.ctx, "tracker:fault", code)

	eventData := map[string]interface{}{
		"group":       "tracker",
		"code":        code,
		"description": description,
		"ts":          timestamp,
	}
	if info != "" {
		eventData["info"] = info
	}
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:faults",
		MaxLen: 1000,
		Values: eventData,
	})
	pipe.Publish(r.ctx, "tracker", "fault")

	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to report fault present: %v", err)
	}
	return err
}

// ReportFaultAbsent clears an active fault. A negative code in the
// stream marks the clear event.
func (r *RedisClient) ReportFaultAbsent(code int) error {
	pipe := r.client.Pipeline()
	pipe.SRem(r.ctx, "tracker:fault", code)
	pipe.XAdd(r.ctx, &redis.XAddArgs{
		Stream: "events:faults",
		MaxLen: 1000,
		Values: map[string]interface{}{
			"group": "tracker",
			"code":  -code,
		},
	})
	pipe.Publish(r.ctx, "tracker", "fault")
	_, err := pipe.Exec(r.ctx)
	if err != nil {
		r.logger.Warnf("Failed to report fault absent: %v", err)
	}
	return err
}

func (r *RedisClient) Close() error {
	r.logger.Infof("Closing Redis client")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Infof("All Redis goroutines finished")
	case <-time.After(5 * time.Second):
		r.logger.Warnf("Timeout waiting for Redis goroutines to finish")
	}

	return r.client.Close()
}
