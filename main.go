package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// main is a thin cobra entrypoint over LoadConfig/NewServer/Start/Shutdown —
// the flag surface the teacher's own main exposed (--port, --log-file,
// --debug), generalized to --config for Tio's optional JSON override file.
// The teacher's package laid these flags directly in main(); this keeps that
// flat shape rather than introducing a cmd/ split purely for this one binary.
func main() {
	var (
		port    int
		logFile string
		cfgFile string
		debug   bool
	)

	root := &cobra.Command{
		Use:   "tio-server",
		Short: "Tio: a networked in-memory data-structure server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(port, logFile, cfgFile, debug)
		},
	}

	root.Flags().IntVar(&port, "port", 0, "TCP port to listen on (overrides TIO_ADDR's port)")
	root.Flags().StringVar(&logFile, "log-file", "", "write logs to this file instead of stderr")
	root.Flags().StringVar(&cfgFile, "config", "", "path to a JSON config override file")

	goFlags := flag.NewFlagSet("tio-server", flag.ContinueOnError)
	goFlags.BoolVar(&debug, "debug", false, "enable debug logging (overrides TIO_LOG_LEVEL)")
	root.Flags().AddGoFlagSet(goFlags)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(port int, logFile, cfgFile string, debug bool) error {
	bootstrapLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := LoadConfig(cfgFile, &bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if port != 0 {
		cfg.Addr = fmt.Sprintf(":%d", port)
	}

	loggerCfg, err := resolveLoggerConfig(*cfg)
	if err != nil {
		return fmt.Errorf("opening logger: %w", err)
	}
	InitGlobalLogger(loggerCfg)
	logger := NewLogger(loggerCfg)
	cfg.LogConfig(logger)

	srv, err := NewServer(*cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown() }()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	case <-time.After(35 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}

	return nil
}

// resolveLoggerConfig builds the LoggerConfig NewLogger/InitGlobalLogger
// both use, opening cfg.LogFile when set — NewLogger (logger.go) already
// owns level/format wiring, this just resolves the output destination
// main.go is responsible for.
func resolveLoggerConfig(cfg Config) (LoggerConfig, error) {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return LoggerConfig{}, err
		}
		out = f
	}
	return LoggerConfig{
		Level:       LogLevel(cfg.LogLevel),
		Format:      LogFormat(cfg.LogFormat),
		Environment: cfg.Environment,
		Output:      out,
	}, nil
}
