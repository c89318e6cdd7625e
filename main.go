package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/undertune/z407d/bluetooth"
	"github.com/undertune/z407d/config"
	"github.com/undertune/z407d/server"
	"github.com/undertune/z407d/utils"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "z407d",
		Short:   "Control daemon for the Logitech Z407 speaker",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Query a running daemon and print its connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Printf("MAIN: cannot open log file %s: %v", cfg.LogFile, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	log.Printf("MAIN: z407d %s starting on adapter %s", version, cfg.Bluetooth.Adapter)

	events := make(chan bluetooth.Event, 64)
	transport, err := bluetooth.NewBlueZTransport(cfg.Bluetooth.Adapter, events)
	if err != nil {
		return fmt.Errorf("initializing bluetooth transport: %w", err)
	}
	defer transport.Close()

	hub := utils.NewWebSocketHub()
	connLog := utils.NewConnectionLog(hub)

	orch := bluetooth.NewOrchestrator(transport, events, hub, connLog, bluetooth.Config{
		TargetName:        cfg.Bluetooth.TargetName,
		TargetAddress:     cfg.Bluetooth.TargetAddress,
		AllowAdapterReset: cfg.Bluetooth.AllowAdapterReset,
		TimeoutScale:      cfg.Bluetooth.TimeoutScale,
		CommandsPerSecond: cfg.Bluetooth.CommandsPerSecond,
		CommandBurst:      cfg.Bluetooth.CommandBurst,
	})
	orch.Start()

	netCheck := utils.NewNetworkChecker(hub, cfg.Network.ProbeHost, cfg.Network.LinkName)
	go netCheck.Run()

	srv := server.NewServer(orch, hub, connLog, netCheck, version)
	srv.Start(cfg.Listen)

	// First attempt starts immediately; the escalation ladder owns every
	// retry from here on.
	if err := orch.StartConnection(false); err != nil {
		log.Printf("MAIN: initial connect request failed: %v", err)
	}

	daemon.SdNotify(false, daemon.SdNotifyReady)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("MAIN: shutting down")
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("MAIN: server shutdown: %v", err)
	}

	netCheck.Stop()
	orch.Shutdown()

	log.Println("MAIN: stopped")
	return nil
}

func runStatus(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(baseURL(cfg.Listen) + "/status")
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	var snap utils.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	var label string
	switch snap.Label {
	case "Connected":
		label = color.New(color.FgGreen).Sprint(snap.Label)
	case "Disconnected":
		label = color.New(color.FgRed).Sprint(snap.Label)
	default:
		label = color.New(color.FgYellow).Sprint(snap.Label)
	}

	fmt.Printf("%s  phase=%s", label, snap.Phase)
	if snap.Tier != "" {
		fmt.Printf(" tier=%s", snap.Tier)
	}
	if snap.Target != "" {
		fmt.Printf(" target=%s", snap.Target)
	}
	fmt.Println()
	if snap.Feedback != "" {
		fmt.Println(snap.Feedback)
	}
	return nil
}

// baseURL turns a listen address like ":5000" into a dialable URL.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "http://127.0.0.1" + listen
	}
	return "http://" + listen
}
