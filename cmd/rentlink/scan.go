package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rentscan/rentlink/internal/gatt"
	"github.com/rentscan/rentlink/internal/goble"
	"github.com/rentscan/rentlink/pkg/config"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby terminals",
	Long: `Scan for Bluetooth Low Energy advertisers and display what was seen:
names, addresses, RSSI values and advertised services.

Devices that match the configured terminal filter (by name or by
advertised serial service) are marked in the output, which makes this
the quickest way to verify a terminal is powered and in range before
running the gateway.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Enable debug logging")
}

func runScan(cmd *cobra.Command, args []string) error {
	// Validate format parameter
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Configure logger based on --log-level and --verbose flags. Scan
	// output goes to stdout, so logging stays quiet unless asked for.
	logger, err := configureLogger(cmd, "verbose", logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(context.Background(), scanDuration)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// Collect advertisement reports straight off the backend; no state
	// machine is needed for a passive scan.
	filter := gatt.NewFilter(&cfg.Link)
	var mu sync.Mutex
	seen := make(map[string]gatt.AdvInfo)

	backend := goble.New(&cfg.Link, logger)
	backend.Bind(func(ev gatt.Event) {
		if ev.Type != gatt.EvScanResult {
			return
		}
		mu.Lock()
		seen[ev.Addr] = gatt.AdvInfo{
			Addr:     ev.Addr,
			Name:     ev.Name,
			RSSI:     ev.RSSI,
			Services: ev.Services,
			LastSeen: time.Now(),
			Matched:  filter.Match(ev.Name, ev.Services),
		}
		mu.Unlock()
	})

	if err := backend.StartScan(cfg.Link.ScanParams()); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	fmt.Printf("Scanning for %s...\n", scanDuration)

	<-ctx.Done()
	if err := backend.StopScan(); err != nil {
		logger.WithError(err).Debug("Scan stop failed")
	}
	if err := backend.Disable(); err != nil {
		logger.WithError(err).Debug("Radio shutdown failed")
	}

	mu.Lock()
	devices := make([]gatt.AdvInfo, 0, len(seen))
	for _, d := range seen {
		devices = append(devices, d)
	}
	mu.Unlock()

	return displayDevices(devices, scanFormat)
}

func displayDevices(devices []gatt.AdvInfo, format string) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	// Matched terminals first, then by name
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Matched != devices[j].Matched {
			return devices[i].Matched
		}
		return devices[i].Name < devices[j].Name
	})

	if format == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(devices)
	}
	return displayDeviceTable(devices)
}

func displayDeviceTable(devices []gatt.AdvInfo) error {
	var base io.Writer = os.Stdout
	w := tabwriter.NewWriter(base, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES\tTERMINAL")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		uuids := make([]string, 0, len(d.Services))
		for _, s := range d.Services {
			uuids = append(uuids, gatt.ShortenUUID(s))
		}
		services := strings.Join(uuids, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		marker := ""
		if d.Matched {
			marker = "yes"
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n",
			name, d.Addr, d.RSSI, services, marker)
	}

	return w.Flush()
}
