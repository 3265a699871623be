package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matthiaskaw/project-smart-lab/internal/adapters/observability"
	"github.com/matthiaskaw/project-smart-lab/internal/pipe"
	"github.com/matthiaskaw/project-smart-lab/pkg/smartlab"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "sweep":
		err = sweepCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("smartlab-host %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to host configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := smartlab.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	host, err := smartlab.NewHost(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return host.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := smartlab.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

// sweepCommand removes socket artifacts left behind by a crashed host without
// starting a new one.
func sweepCommand(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to host configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := smartlab.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tracker := pipe.NewArtifactTracker(cfg.Artifacts.Dir, observability.NewPromObs())
	tracker.SweepStale()
	fmt.Printf("swept stale artifacts listed under %s\n", cfg.Artifacts.Dir)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"smartlab_measurements_started_total":   0,
		"smartlab_measurements_completed_total": 0,
		"smartlab_measurements_failed_total":    0,
		"smartlab_measurements_in_flight":       0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] started=%.0f completed=%.0f failed=%.0f in_flight=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["smartlab_measurements_started_total"],
		targets["smartlab_measurements_completed_total"],
		targets["smartlab_measurements_failed_total"],
		targets["smartlab_measurements_in_flight"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`smart-lab measurement host

Usage:
  smartlab-host <command> [flags]

Commands:
  run        Start the measurement host using the provided config
  validate   Load and validate a config file without starting the host
  sweep      Remove stale socket artifacts from a previous crash
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  smartlab-host run -config ./data/config.yaml
  smartlab-host validate -config ./data/config.yaml
  smartlab-host sweep -config ./data/config.yaml
  smartlab-host stats -url http://localhost:9100/metrics -interval 1s
`)
}
