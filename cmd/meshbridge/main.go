package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meshtastic/pluginmeshtastic/internal/config"
	"github.com/meshtastic/pluginmeshtastic/internal/log"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/ble"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/mqtt"
	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge/serial"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	sendText := flag.String("send", "", "send a message and exit")
	dest := flag.String("dest", "broadcast", "destination node id (hex, optionally !-prefixed) or 'broadcast'")
	port := flag.Uint("port", uint(meshbridge.PortTextMessage), "application port number")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.Log)

	ch, err := buildChannel(cfg.Device, logger)
	if err != nil {
		logger.Error("channel setup failed", "error", err)
		os.Exit(1)
	}

	bridge := meshbridge.New(ch, meshbridge.Options{
		Logger:            logger,
		HopLimit:          cfg.Mesh.HopLimit,
		HeartbeatInterval: time.Duration(cfg.Mesh.HeartbeatSeconds) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge.Subscribe(meshbridge.PortNum(*port), func(msg meshbridge.Message) {
		fmt.Printf("[%08x -> %08x] %s\n", uint32(msg.From), uint32(msg.To), msg.Payload)
	})

	runErr := make(chan error, 1)
	go func() { runErr <- bridge.Run(ctx) }()

	if err := waitReady(ctx, bridge, runErr); err != nil {
		logger.Error("link never became ready", "error", err)
		os.Exit(1)
	}
	if node, ok := bridge.NodeNum(); ok {
		logger.Info("connected", "node", fmt.Sprintf("%08x", uint32(node)))
	}

	if cfg.MQTT.BrokerURL != "" {
		uplink := &mqtt.Uplink{
			BrokerURL: cfg.MQTT.BrokerURL,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			AppName:   cfg.AppName,
			RootTopic: cfg.MQTT.RootTopic,
			Logger:    logger,
		}
		if err := uplink.Connect(); err != nil {
			logger.Error("MQTT uplink failed", "error", err)
		} else {
			defer uplink.Disconnect()
			if err := uplink.Attach(ctx, bridge); err != nil {
				logger.Error("MQTT uplink attach failed", "error", err)
			}
		}
	}

	if *sendText != "" {
		target, err := parseDest(*dest)
		if err != nil {
			logger.Error("bad destination", "error", err)
			os.Exit(1)
		}
		res, err := bridge.SendReliable(ctx, meshbridge.PortNum(*port), target, []byte(*sendText), true)
		if err != nil {
			logger.Error("send failed", "error", err)
			os.Exit(1)
		}
		if res.Chunked {
			logger.Info("delivered", "chunks", res.Chunks)
		} else {
			logger.Info("delivered", "packet", fmt.Sprintf("%08x", res.PacketID))
		}
		_ = bridge.Close()
		return
	}

	logger.Info("listening", "port", *port)
	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			logger.Error("link terminated", "error", err)
		}
	}
	_ = bridge.Close()
}

func buildLogger(cfg config.LogConfig) log.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return log.Slog(slog.New(handler))
}

func buildChannel(cfg config.DeviceConfig, logger log.Logger) (meshbridge.Channel, error) {
	switch strings.ToLower(cfg.Transport) {
	case "serial":
		return serial.NewChannel(cfg.Port, logger), nil
	case "ble":
		if cfg.Address != "" {
			return ble.NewChannelMAC(cfg.Address, logger), nil
		}
		return ble.NewChannelNamed(cfg.Name, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func waitReady(ctx context.Context, b *meshbridge.Bridge, runErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-runErr:
			if err == nil {
				err = meshbridge.ErrLinkClosed
			}
			return err
		case st := <-b.States():
			if st == meshbridge.StateReady {
				return nil
			}
		}
	}
}

func parseDest(s string) (meshbridge.NodeID, error) {
	if strings.EqualFold(s, "broadcast") {
		return meshbridge.Broadcast, nil
	}
	s = strings.TrimPrefix(s, "!")
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("destination %q is not a hex node id", s)
	}
	return meshbridge.NodeID(n), nil
}
