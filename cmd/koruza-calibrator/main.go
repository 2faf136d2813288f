// cmd/koruza-calibrator/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/IRNAS/koruza-controller/internal/calibrator"
	"github.com/IRNAS/koruza-controller/internal/client"
	"github.com/IRNAS/koruza-controller/internal/config"
	"github.com/IRNAS/koruza-controller/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("koruza-calibrator", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "configuration file")
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

	if cfg.Server.Socket == "" {
		fmt.Fprintln(os.Stderr, "ERROR: Missing 'socket' in configuration file!")
		return 2
	}
	if err := cfg.Calibrator.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}

	logger, err := logging.New(&cfg.Logging, *foreground)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	defer logger.Sync()

	c, err := client.Dial(cfg.Server.Socket, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cal := calibrator.New(cfg.Calibrator, c, logger)
	if err := cal.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	return 0
}
