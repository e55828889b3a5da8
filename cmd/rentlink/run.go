package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rentscan/rentlink/internal/gatt"
	"github.com/rentscan/rentlink/internal/goble"
	"github.com/rentscan/rentlink/internal/groutine"
	"github.com/rentscan/rentlink/internal/iopump"
	"github.com/rentscan/rentlink/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the terminal link gateway",
	Long: `Scans for a RentScan terminal, connects, and bridges its serial
service to this process: notification payloads from the terminal are
written verbatim to stdout, and bytes read from stdin are sent to the
terminal.

The link is self-healing. Disconnects, discovery failures and radio
stack faults are recovered automatically, escalating from a simple
rescan up to a full stack reset, so the command keeps running until
interrupted.

Example:
  rentlink run
  rentlink run --config /etc/rentlink.yaml
  backend-feed | rentlink run > terminal-events.log`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

var (
	runVerbose bool
	runStatus  bool
	runHex     bool
)

func init() {
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Enable debug logging")
	runCmd.Flags().BoolVar(&runStatus, "status", true, "Print link status transitions on stderr")
	runCmd.Flags().BoolVar(&runHex, "hex", false, "Hex-encode notification payloads, one per line")
}

func runGateway(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Configure logger based on --log-level and --verbose flags, with
	// the config file's level as the default. Load already validated it.
	defaultLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	logger, err := configureLogger(cmd, "verbose", defaultLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	backend := goble.New(&cfg.Link, logger)
	central, err := gatt.NewCentral(backend, &cfg.Link, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize link: %w", err)
	}

	// Terminal notifications stream verbatim to stdout; payloads are
	// opaque here, the rental backend interprets them.
	central.SetNotificationSink(func(payload []byte) {
		var err error
		if runHex {
			_, err = fmt.Fprintf(os.Stdout, "%x\n", payload)
		} else {
			_, err = os.Stdout.Write(payload)
		}
		if err != nil {
			logger.WithError(err).Error("Failed to write notification to stdout")
		}
	})

	// Outbound bytes go through a drop-on-overflow queue so a stalled
	// link never backpressures the stdin producer.
	pump, err := iopump.New(central.Send, &iopump.Options{
		Capacity: cfg.SendBufferBytes,
		Logger:   logger,
		OnError: func(err error) {
			if errors.Is(err, gatt.ErrNotConnected) {
				logger.Warn("Dropping outbound bytes while link is down")
				return
			}
			logger.WithError(err).Error("Outbound write failed")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create send queue: %w", err)
	}
	defer pump.Close()

	groutine.Go(ctx, "stdin-reader", func(ctx context.Context) {
		buf := make([]byte, 512)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := pump.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					logger.WithError(err).Warn("stdin closed")
				}
				// The link keeps running for inbound traffic even after
				// the outbound feed ends.
				return
			}
		}
	})

	if runStatus {
		groutine.Go(ctx, "status-printer", func(ctx context.Context) {
			watchStatus(ctx, central)
		})
	}

	logger.WithFields(logrus.Fields{
		"name":    cfg.Link.PeerName,
		"service": cfg.Link.ServiceUUID,
	}).Info("Starting terminal link")

	runErr := central.Run(ctx)
	if runStatus {
		st := central.Status()
		fmt.Fprintf(os.Stderr, "final status: connected=%t subscribed=%t tier=%s\n",
			st.Connected, st.Subscribed, st.LastTier)
	}
	return runErr
}

// watchStatus polls the link snapshot and prints a colored line on
// stderr whenever the link goes up, down, or enters recovery.
func watchStatus(ctx context.Context, central *gatt.Central) {
	up := color.New(color.FgGreen, color.Bold)
	down := color.New(color.FgYellow)
	recov := color.New(color.FgRed)

	var prev gatt.Status
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := central.Status()
		switch {
		case st.Subscribed && !prev.Subscribed:
			up.Fprintf(os.Stderr, "link up: %s\n", st.PeerAddr)
		case !st.Connected && prev.Connected:
			down.Fprintln(os.Stderr, "link down, recovering...")
		case st.LastTier != prev.LastTier && st.LastTier > gatt.TierLocalRetry:
			recov.Fprintf(os.Stderr, "recovery escalated: %s\n", st.LastTier)
		}
		prev = st
	}
}
