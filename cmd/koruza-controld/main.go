// cmd/koruza-controld/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/IRNAS/koruza-controller/internal/broker"
	"github.com/IRNAS/koruza-controller/internal/client"
	"github.com/IRNAS/koruza-controller/internal/config"
	"github.com/IRNAS/koruza-controller/internal/controller"
	"github.com/IRNAS/koruza-controller/internal/logging"
	"github.com/IRNAS/koruza-controller/internal/serialport"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("koruza-controld", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "configuration file")
	daemon := flags.BoolP("daemon", "d", false, "run as control daemon")
	foreground := flags.BoolP("foreground", "f", false, "also log to standard error")
	help := flags.BoolP("help", "h", false, "this text")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		flags.PrintDefaults()
		return 1
	}
	if *help {
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n", os.Args[0])
		flags.PrintDefaults()
		return 0
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: Configuration file path is required!")
		flags.PrintDefaults()
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	logger, err := logging.New(&cfg.Logging, *foreground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *daemon {
		return runServer(ctx, cfg, logger)
	}
	return runController(ctx, cfg, logger)
}

// runServer starts the broker daemon.
func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	if err := cfg.Server.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	port, err := serialport.Open(cfg.Server.Device, cfg.Server.Baudrate, cfg.Server.Hooks.Reset, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	b, err := broker.New(cfg.Server, port, logger)
	if err != nil {
		port.Close()
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	if err := b.Run(ctx); err != nil {
		logger.Error("Control daemon failed.", zap.Error(err))
		return 2
	}
	return 0
}

// runController starts the interactive terminal controller.
func runController(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	if cfg.Server.Socket == "" {
		fmt.Fprintln(os.Stderr, "ERROR: Missing 'socket' in configuration file!")
		return 2
	}
	if err := cfg.Client.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	if err := cfg.Controller.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	c, err := client.Dial(cfg.Server.Socket, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	defer c.Close()

	ctl := controller.New(cfg.Controller, cfg.Client.StatusCommand, c, logger)
	if err := ctl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	fmt.Fprintln(os.Stderr, "INFO: Closing controller.")
	return 0
}
