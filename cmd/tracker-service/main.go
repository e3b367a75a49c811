package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tracker-service/internal/config"
	"tracker-service/internal/core"
	"tracker-service/internal/drivers"
	"tracker-service/internal/hardware"
	"tracker-service/internal/logger"
	"tracker-service/internal/messaging"
	"tracker-service/internal/transport"
)

func main() {
	var configPath string
	var serviceLogLevel int
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (optional, defaults apply)")
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flag.Parse()

	// Create standard logger with appropriate format
	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		// Running interactively, use timestamps
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}
	l := logger.NewLogger(stdLogger, logger.LevelFromInt(serviceLogLevel))

	l.Infof("Starting tracker service...")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			l.Fatalf("Failed to load config %s: %v", configPath, err)
		}
		cfg = loaded
	} else if err := config.Validate(cfg); err != nil {
		l.Fatalf("Invalid default configuration: %v", err)
	}

	// Shared UART carrying both the AT channel and the NMEA stream.
	bus, err := transport.Open(cfg.Serial, l)
	if err != nil {
		l.Fatalf("Failed to open serial port %s: %v", cfg.Serial.Device, err)
	}

	// GPIO control is optional; without it the modem cannot be
	// power-cycled but everything else still works.
	var hw core.HardwareControl
	var power drivers.PowerControl
	if ctl, err := hardware.NewControl(cfg.GPIO, l); err != nil {
		l.Warnf("GPIO unavailable, modem power control disabled: %v", err)
	} else {
		hw = ctl
		power = ctl
	}

	modem := drivers.NewATModem(bus, cfg.Cellular, power, l)
	gnss := drivers.NewGnssReceiver(bus, l)
	publisher := drivers.NewMQTTPublisher(cfg.MQTT, l)

	// The fuel gauge is best-effort: without I2C the battery machine
	// fails init and the tracker runs without power telemetry.
	var gaugeBus drivers.GaugeBus
	if b, err := drivers.OpenI2C(cfg.Battery); err != nil {
		l.Warnf("I2C bus %d unavailable, battery gauge disabled: %v", cfg.Battery.I2CBus, err)
	} else {
		gaugeBus = b
	}
	gauge := drivers.NewPowerGauge(gaugeBus, l)

	redisClient := messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, l, messaging.Callbacks{})

	system, err := core.NewTrackerSystem(cfg, core.Deps{
		Cellular:  modem,
		Gnss:      gnss,
		Publisher: publisher,
		Gauge:     gauge,
		Redis:     redisClient,
		Hardware:  hw,
	}, l)
	if err != nil {
		l.Fatalf("Failed to build system: %v", err)
	}
	redisClient.SetCallbacks(system.RedisCallbacks())

	if err := system.Start(context.Background()); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}
	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	if err := bus.Close(); err != nil {
		l.Warnf("Serial close: %v", err)
	}
	l.Infof("Shutdown complete")
}
