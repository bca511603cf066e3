// Command bafd is the BlockAndFocus resolver daemon. It terminates DNS
// traffic on a local UDP port, answers queries for blocked domains with
// a non-routable address, forwards everything else to the configured
// upstream resolvers, and serves the control protocol on a Unix socket.
//
// The daemon has no subcommands; mode and overrides come from flags:
//
//	bafd --dev                  development defaults (port 5454,
//	                            ./config.yaml, /tmp socket)
//	bafd --port 5353            override the listener port
//	bafd --log-level debug      per-query decision logging
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockandfocus/baf/internal/bypass"
	"github.com/blockandfocus/baf/internal/config"
	"github.com/blockandfocus/baf/internal/control"
	"github.com/blockandfocus/baf/internal/dnsserver"
	"github.com/blockandfocus/baf/internal/engine"
	"github.com/blockandfocus/baf/internal/filesys"
	"github.com/blockandfocus/baf/internal/log"
	"github.com/blockandfocus/baf/internal/state"
	"github.com/blockandfocus/baf/internal/upstream"
)

const (
	shutdownGrace   = 5 * time.Second
	upstreamTimeout = 5 * time.Second
)

func main() {
	var (
		dev        bool
		port       int
		configPath string
		socketPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "bafd",
		Short:         "BlockAndFocus resolver daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			if logLevel != "" {
				log.SetLevel(logLevel)
			}
			return run(dev, port, configPath, socketPath)
		},
	}
	root.Flags().BoolVar(&dev, "dev", false, "development mode: dev config, socket, and port defaults")
	root.Flags().IntVar(&port, "port", 0, "override the DNS listener port")
	root.Flags().StringVar(&configPath, "config", "", "override the policy file path")
	root.Flags().StringVar(&socketPath, "socket", "", "override the control socket path")
	root.Flags().StringVar(&logLevel, "log-level", "", "log verbosity (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		log.Fatalf("bafd: %v", err)
	}
}

func run(dev bool, portOverride int, configPath, socketPath string) error {
	if configPath == "" {
		configPath = config.ProdConfigPath
		if dev {
			configPath = config.DevConfigPath
		}
	}
	if socketPath == "" {
		socketPath = config.ProdSocketPath
		if dev {
			socketPath = config.DevSocketPath
		}
	}

	store, err := config.Open(filesys.OS(), configPath, dev)
	if err != nil {
		return err
	}
	policy := store.Snapshot()

	port := policy.DNS.ListenPort
	if portOverride != 0 {
		port = portOverride
	}

	runtime := state.New()
	eng := engine.New(store, runtime, bypass.New())
	resolver := upstream.New(policy.DNS.Upstreams, upstreamTimeout, upstream.WithRetries(1))
	dnsSrv := dnsserver.New(policy.DNS.ListenAddr, port, eng, resolver)
	ctlSrv := control.New(eng)

	dnsErr := make(chan error, 1)
	go func() { dnsErr <- dnsSrv.Run() }()

	ctlErr := make(chan error, 1)
	go func() { ctlErr <- ctlSrv.ListenAndServe(socketPath) }()

	log.Info("bafd started",
		"dev", dev, "port", port, "config", configPath, "socket", socketPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-dnsErr:
		// Startup bind failure or an unexpected listener death.
		return err
	case err := <-ctlErr:
		return err
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := ctlSrv.Shutdown(ctx); err != nil {
		log.Errorf("control shutdown: %v", err)
	}
	if err := dnsSrv.Shutdown(ctx); err != nil {
		log.Errorf("dns shutdown: %v", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("removing control socket: %v", err)
	}
	return nil
}
