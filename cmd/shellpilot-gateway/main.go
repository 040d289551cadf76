package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ShellPilot/shellpilot-gateway/internal/builtin"
	"github.com/ShellPilot/shellpilot-gateway/internal/config"
	"github.com/ShellPilot/shellpilot-gateway/internal/dispatch"
	"github.com/ShellPilot/shellpilot-gateway/internal/events"
	"github.com/ShellPilot/shellpilot-gateway/internal/logging"
	"github.com/ShellPilot/shellpilot-gateway/internal/reloader"
	"github.com/ShellPilot/shellpilot-gateway/internal/transport"
	"github.com/ShellPilot/shellpilot-gateway/internal/uistate"
)

func main() {
	cfgPath := os.Getenv("SHELLPILOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "/etc/shellpilot/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Cfg{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
	defer logger.Sync()

	fmt.Println(`
   _____ __         ____  ____  _ __      __
  / ___// /_  ___  / / / / __ \(_) /___  / /_
  \__ \/ __ \/ _ \/ / / / /_/ / / / __ \/ __/
 ___/ / / / /  __/ / / / ____/ / / /_/ / /_
/____/_/ /_/\___/_/_/ /_/   /_/_/\____/\__/

ShellPilot Gateway - remote control surface for the shell UI
------------------------------------------------------------
Config:  ` + cfgPath + `
`)

	bus := events.NewBus(logger)
	store := uistate.NewStore(bus)
	disp := dispatch.New(logger, bus)
	if err := builtin.Register(disp, store); err != nil {
		logger.Fatal("builtin registration", zap.Error(err))
	}

	trans := buildTransport(cfg, logger)
	disp.AttachTransport(trans)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := disp.Start(ctx); err != nil {
		cancel()
		logger.Fatal("start", zap.Error(err))
	}
	cancel()
	logger.Info("gateway up",
		zap.String("transport", cfg.Transport.Mode),
		zap.Int("tools", len(disp.ListTools())),
		zap.Int("resources", len(disp.ListResources())))

	// Hot reload: tear the transport down and bring a fresh one up with
	// the re-read settings.
	stopReload := reloader.OnSIGHUP(func() {
		newCfg, err := config.Load(cfgPath)
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		_ = disp.Stop()
		next := buildTransport(newCfg, logger)
		disp.AttachTransport(next)
		rctx, rcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rcancel()
		if err := disp.Start(rctx); err != nil {
			logger.Warn("transport restart failed", zap.Error(err))
			return
		}
		cfg = newCfg
		logger.Info("reloaded config", zap.String("transport", cfg.Transport.Mode))
	})
	defer stopReload()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down...")
	if err := disp.Stop(); err != nil {
		logger.Warn("disconnect", zap.Error(err))
	}
	logger.Info("bye")
}

func buildTransport(cfg *config.Config, logger *zap.Logger) transport.Transport {
	retry := transport.RetryPolicy{
		Interval:    time.Duration(cfg.Transport.Retry.IntervalMS) * time.Millisecond,
		MaxAttempts: cfg.Transport.Retry.MaxAttempts,
	}
	switch cfg.Transport.Mode {
	case config.ModePush:
		return transport.NewPushChannel(transport.PushConfig{
			BaseURL: cfg.Transport.Push.BaseURL,
			Retry:   retry,
		}, logger)
	case config.ModeDuplex:
		return transport.NewDuplex(transport.DuplexConfig{
			URL:            cfg.Transport.Duplex.URL,
			Insecure:       cfg.Transport.Duplex.Insecure,
			RequestTimeout: time.Duration(cfg.Transport.Duplex.RequestTimeoutMS) * time.Millisecond,
			Retry:          retry,
		}, logger)
	default:
		return transport.NewInProc(logger)
	}
}
