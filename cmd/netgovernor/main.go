package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"os/user"
	"runtime"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MarwanHany97/NetThrottle/pkg/capture"
	"github.com/MarwanHany97/NetThrottle/pkg/dashboard"
	"github.com/MarwanHany97/NetThrottle/pkg/engine"
)

// Exit codes by start-failure category.
const (
	exitOK            = 0
	exitOther         = 1
	exitMissingDriver = 2
	exitDenied        = 3
	exitNotLoaded     = 4
)

type Config struct {
	Governor struct {
		Name   string `yaml:"name"`
		Filter string `yaml:"filter"`
	} `yaml:"governor"`
	Control struct {
		TickInterval string `yaml:"tick_interval"`
	} `yaml:"control"`
	Dashboard struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"dashboard"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	// Replace environment variables in the config file
	content := string(data)
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		placeholder := "${" + pair[0] + "}"
		content = strings.ReplaceAll(content, placeholder, pair[1])
	}

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	return &config, nil
}

// checkPrivileges fails fast before touching the driver: the divert hook
// refuses unprivileged opens anyway, but the message here is friendlier.
func checkPrivileges() {
	if runtime.GOOS == "windows" {
		return // surfaced as ErrDenied at open time
	}
	currentUser, err := user.Current()
	if err != nil {
		log.Fatalf("Failed to get current user: %v", err)
	}
	if currentUser.Uid != "0" {
		log.Fatal("This program requires root privileges. Please run with sudo.")
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrMissingDriver), errors.Is(err, capture.ErrMissingLib):
		return exitMissingDriver
	case errors.Is(err, capture.ErrDenied):
		return exitDenied
	case errors.Is(err, capture.ErrNoDriver):
		return exitNotLoaded
	default:
		return exitOther
	}
}

func startHint(err error) string {
	switch {
	case errors.Is(err, capture.ErrMissingDriver), errors.Is(err, capture.ErrMissingLib):
		return "install the divert driver package next to the binary"
	case errors.Is(err, capture.ErrDenied):
		return "run with elevated privileges"
	case errors.Is(err, capture.ErrNoDriver):
		return "the divert driver is installed but not loaded"
	default:
		return ""
	}
}

func main() {
	configFile := flag.String("config", "config/governor.yaml", "Path to configuration file")
	flag.Parse()

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	checkPrivileges()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Starting Bandwidth Governor (%s)...", config.Governor.Name)

	tickInterval := time.Second
	if config.Control.TickInterval != "" {
		tickInterval, err = time.ParseDuration(config.Control.TickInterval)
		if err != nil {
			log.Fatalf("Invalid tick interval: %v", err)
		}
	}

	if err := capture.Preflight(); err != nil {
		log.Printf("Driver preflight failed: %v (%s)", err, startHint(err))
		os.Exit(exitCodeFor(err))
	}

	eng := engine.New(engine.Config{
		Filter:       config.Governor.Filter,
		TickInterval: tickInterval,
	})
	if err := eng.Start(); err != nil {
		log.Printf("Failed to start engine: %v", err)
		if hint := startHint(err); hint != "" {
			log.Printf("Hint: %s", hint)
		}
		os.Exit(exitCodeFor(err))
	}
	log.Printf("Started interception engine")

	var dashboardServer *dashboard.Server
	if config.Dashboard.Enabled {
		dashboardAddr := fmt.Sprintf(":%d", config.Dashboard.Port)
		dashboardServer = dashboard.NewServer(dashboardAddr, eng)
		go func() {
			if err := dashboardServer.Start(); err != nil {
				log.Printf("Dashboard server error: %v", err)
			}
		}()
	}

	fmt.Printf("\nBandwidth Governor Started\n")
	fmt.Printf("==========================\n")
	fmt.Printf("Name:      %s\n", config.Governor.Name)
	if config.Dashboard.Enabled {
		fmt.Printf("Dashboard: http://localhost:%d\n", config.Dashboard.Port)
	}
	fmt.Printf("Press Ctrl+C to stop\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Printf("Shutting down...")

	eng.Stop()
	log.Printf("Stopped interception engine")

	if dashboardServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dashboardServer.Stop(stopCtx); err != nil {
			log.Printf("Error stopping dashboard server: %v", err)
		}
		stopCancel()
	}

	log.Printf("Shutdown complete")
	os.Exit(exitOK)
}
