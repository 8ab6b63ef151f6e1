package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zfogg/ascii-chat-sub003/internal/agent"
	"github.com/zfogg/ascii-chat-sub003/internal/config"
	"github.com/zfogg/ascii-chat-sub003/internal/model"
	"github.com/zfogg/ascii-chat-sub003/internal/store"
	"github.com/zfogg/ascii-chat-sub003/internal/stunprobe"
)

const usage = `ringd - ring-consensus session host election

Usage:
  ringd init --config <path> [--name <name>] [--listen <addr>] [--leader]
  ringd run --config <path>
  ringd status --config <path>
  ringd ping --addr <host:port> [--count 5]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "run":
		handleRun(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "ping":
		handlePing(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "participant name")
	listen := fs.String("listen", "", "UDP listen address")
	leader := fs.Bool("leader", false, "run as round leader")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	uploadKbps := fs.Uint("upload-kbps", 0, "advertised upload bandwidth")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg := config.Config{
		ParticipantID: model.NewParticipantID().String(),
		Name:          *name,
		Listen:        *listen,
		Leader:        *leader,
		UploadKbps:    uint32(*uploadKbps),
	}
	if cfg.Name == "" {
		host, err := os.Hostname()
		if err != nil {
			fatal(err)
		}
		cfg.Name = host
	}
	if *stunList != "" {
		cfg.STUNServers = splitList(*stunList)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "initialized participant_id=%s name=%s leader=%v\n", cfg.ParticipantID, cfg.Name, cfg.Leader)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := agent.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	snap, err := store.LoadSnapshot(cfg.SnapshotPath)
	if err != nil {
		fatal(err)
	}
	if snap.Empty() {
		fmt.Fprintln(os.Stdout, "no converged session yet")
		return
	}

	fmt.Fprintf(os.Stdout, "%-8s  %-38s  %-22s\n", "ROLE", "PARTICIPANT", "ENDPOINT")
	fmt.Fprintf(os.Stdout, "%-8s  %-38s  %s:%d\n", "host", snap.Host.ID, snap.Host.Addr, snap.Host.Port)
	fmt.Fprintf(os.Stdout, "%-8s  %-38s  %s:%d\n", "backup", snap.Backup.ID, snap.Backup.Addr, snap.Backup.Port)
	fmt.Fprintf(os.Stdout, "converged_at=%s\n", snap.UpdatedAt.UTC().Format(time.RFC3339))
	if snap.Round.Participants > 0 {
		fmt.Fprintf(os.Stdout, "round participants=%d rtt avg=%.2fms min=%.2fms max=%.2fms upload avg=%dkbps tiers=%v\n",
			snap.Round.Participants, snap.Round.AvgRTTMs, snap.Round.MinRTTMs, snap.Round.MaxRTTMs, snap.Round.AvgUpload, snap.Round.TierCounts)
	}
}

func handlePing(args []string) {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	addr := fs.String("addr", "", "peer host:port")
	count := fs.Int("count", 5, "number of probes")
	interval := fs.Duration("interval", 500*time.Millisecond, "probe interval")
	timeout := fs.Duration("timeout", 2*time.Second, "probe timeout")
	_ = fs.Parse(args)

	if *addr == "" {
		fatal(errors.New("--addr is required"))
	}

	ctx := context.Background()
	ok := 0
	for i := 0; i < *count; i++ {
		rtt, err := stunprobe.EchoRTT(ctx, *addr, *timeout)
		if err != nil {
			fmt.Fprintf(os.Stdout, "ping %s seq=%d timeout\n", *addr, i+1)
		} else {
			ok++
			fmt.Fprintf(os.Stdout, "ping %s seq=%d rtt=%.2fms\n", *addr, i+1, float64(rtt.Microseconds())/1000.0)
		}
		time.Sleep(*interval)
	}
	fmt.Fprintf(os.Stdout, "ping summary addr=%s ok=%d/%d\n", *addr, ok, *count)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
