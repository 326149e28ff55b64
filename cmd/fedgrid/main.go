// Command fedgrid is the node entry point: it serves a participant mailbox,
// drives broadcast rounds, and probes peers over the shared sync tree.
//
// Usage:
//
//	fedgrid serve --config fedgrid.yaml        # answer requests from peers
//	fedgrid round --payload-file weights.bin   # broadcast one round
//	fedgrid ping clinic-a@hospital-net.org     # round-trip probe
//	fedgrid stop --reason "experiment done"    # signal every peer to stop
//	fedgrid version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fedgrid/fedgrid"
	"github.com/fedgrid/fedgrid/config"
	"github.com/fedgrid/fedgrid/round"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "round":
		runRound(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadGrid builds a Grid from the shared flags every subcommand takes.
func loadGrid(fs *flag.FlagSet, args []string) (*fedgrid.Grid, *config.Config, *zap.Logger) {
	configPath := fs.String("config", "", "Path to config file (YAML)")
	peersFlag := fs.String("peers", "", "Comma-separated peer identities (overrides config-derived peers)")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Log.BuildLogger()

	var peers []string
	for _, p := range strings.Split(*peersFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}

	grid, err := fedgrid.Open(
		fedgrid.WithConfig(cfg),
		fedgrid.WithPeers(peers...),
		fedgrid.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to open grid", zap.Error(err))
	}
	return grid, cfg, logger
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "Expose /metrics and /health on this address (empty = disabled)")
	grid, _, logger := loadGrid(fs, args)
	defer logger.Sync()
	defer grid.Close()

	logger.Info("fedgrid node starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Strings("peers", grid.Peers()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "OK")
		})
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", zap.Error(err))
			}
		}()
		logger.Info("metrics endpoint up", zap.String("addr", *metricsAddr))
	}

	// The built-in handler acknowledges stop signals and echoes everything
	// else, which makes a bare node usable as a connectivity target.
	handler := func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		if reason, ok := fedgrid.StopReason(payload); ok {
			logger.Info("stop signal received", zap.String("from", from), zap.String("reason", reason))
			cancel()
			return []byte("stopping"), nil
		}
		return payload, nil
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	if err := grid.Serve(ctx, handler); err != nil && ctx.Err() == nil {
		logger.Fatal("serve failed", zap.Error(err))
	}
	logger.Info("fedgrid node stopped")
}

func runRound(args []string) {
	fs := flag.NewFlagSet("round", flag.ExitOnError)
	payloadFile := fs.String("payload-file", "", "File whose contents to broadcast")
	minComplete := fs.Int("min-complete", 0, "Quorum; 0 waits for every peer")
	timeout := fs.Duration("timeout", 0, "Round timeout; 0 uses the configured default")
	grid, _, logger := loadGrid(fs, args)
	defer logger.Sync()
	defer grid.Close()

	var payload []byte
	if *payloadFile != "" {
		var err error
		payload, err = os.ReadFile(*payloadFile)
		if err != nil {
			logger.Fatal("failed to read payload", zap.Error(err))
		}
	}

	result, err := grid.Round(context.Background(), payload, round.Options{
		Timeout:     *timeout,
		MinComplete: *minComplete,
	})
	if err != nil {
		logger.Fatal("round aborted", zap.Error(err))
	}

	summary := struct {
		Completed   []string          `json:"completed"`
		TimedOut    []string          `json:"timed_out"`
		Failed      map[string]string `json:"failed,omitempty"`
		QuorumMet   bool              `json:"quorum_met"`
		DurationSec float64           `json:"duration_sec"`
	}{
		TimedOut:    result.TimedOut,
		Failed:      make(map[string]string),
		QuorumMet:   result.QuorumMet(),
		DurationSec: result.Duration.Seconds(),
	}
	for target := range result.Completed {
		summary.Completed = append(summary.Completed, target)
	}
	for target, terr := range result.Failed {
		summary.Failed[target] = terr.Error()
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if qerr := result.RequireQuorum(); qerr != nil {
		fmt.Fprintln(os.Stderr, qerr)
		os.Exit(1)
	}
}

func runPing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "Probe timeout")

	// The target is the first non-flag argument.
	var target string
	var rest []string
	for _, a := range args {
		if target == "" && !strings.HasPrefix(a, "-") {
			target = a
			continue
		}
		rest = append(rest, a)
	}
	if target == "" {
		fmt.Fprintln(os.Stderr, "Usage: fedgrid ping <identity> [options]")
		os.Exit(1)
	}

	grid, _, logger := loadGrid(fs, rest)
	defer logger.Sync()
	defer grid.Close()

	start := time.Now()
	_, err := grid.Call(context.Background(), target, []byte("ping"), *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping %s failed: %v\n", target, err)
		os.Exit(1)
	}
	fmt.Printf("%s responded in %s\n", target, time.Since(start).Round(time.Millisecond))
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	reason := fs.String("reason", "", "Reason recorded with the stop signal")
	grid, _, logger := loadGrid(fs, args)
	defer logger.Sync()
	defer grid.Close()

	if err := grid.StopAll(context.Background(), *reason); err != nil {
		logger.Fatal("stop broadcast failed", zap.Error(err))
	}
	fmt.Printf("stop signal sent to %d peers\n", len(grid.Peers()))
}

func printVersion() {
	fmt.Printf("fedgrid %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`fedgrid - request/response messaging and broadcast rounds over a synced folder tree

Usage:
  fedgrid <command> [options]

Commands:
  serve     Answer requests from peers (echo + stop handling)
  round     Broadcast a payload to every peer and collect responses
  ping      Round-trip probe against one peer
  stop      Send a stop signal to every peer
  version   Show version information
  help      Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --peers <list>    Comma-separated peer identities

Examples:
  fedgrid serve --config /etc/fedgrid/fedgrid.yaml --metrics-addr :9091
  fedgrid round --peers clinic-a@net.org,clinic-b@net.org --payload-file weights.bin --min-complete 1
  fedgrid ping clinic-a@net.org --config fedgrid.yaml
  fedgrid stop --reason "experiment finished"
  fedgrid version`)
}
