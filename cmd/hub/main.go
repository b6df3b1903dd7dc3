// Command hub runs one relay node of a hub mesh.
//
// Configuration comes from an optional TOML file, HUBMESH_* environment
// variables and command-line flags, in increasing order of precedence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/hubmesh/address"
	"github.com/opd-ai/hubmesh/config"
	"github.com/opd-ai/hubmesh/discovery"
	"github.com/opd-ai/hubmesh/hub"
	"github.com/opd-ai/hubmesh/metrics"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the command-line flags.
type CLIConfig struct {
	configFile string
	port       int
	seeds      string
	name       string
	clusters   string
	logLevel   string
	logFile    string
	metrics    string
	lan        bool
	etcd       string
	help       bool
}

func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, map[string]bool, error) {
	c := &CLIConfig{}
	fs.StringVar(&c.configFile, "config", "", "TOML configuration file")
	fs.IntVar(&c.port, "port", 0, "Hub port (overrides "+config.KeyHubPort+")")
	fs.StringVar(&c.seeds, "seeds", "", "Comma separated hub endpoints to join")
	fs.StringVar(&c.name, "name", "", "Hub name shown to peers (default: host name)")
	fs.StringVar(&c.clusters, "clusters", "", "Comma separated clusters to answer discovery for")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&c.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.StringVar(&c.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	fs.BoolVar(&c.lan, "lan", false, "Answer and send LAN discovery probes")
	fs.StringVar(&c.etcd, "etcd", "", "Comma separated etcd endpoints for the seed registry")
	fs.BoolVar(&c.help, "help", false, "Show help message")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return c, set, nil
}

// buildProperties layers defaults, the file, the environment and the flags
// that were given.
func buildProperties(c *CLIConfig, set map[string]bool, lookup func(string) (string, bool)) (*config.Properties, error) {
	props := config.New()
	if c.configFile != "" {
		if err := props.LoadFile(c.configFile); err != nil {
			return nil, err
		}
	}
	props.ApplyEnvironment(lookup)

	if set["port"] {
		if c.port <= 0 || c.port > 65535 {
			return nil, fmt.Errorf("invalid port %d", c.port)
		}
		props.Set(config.KeyHubPort, strconv.Itoa(c.port))
	}
	if set["seeds"] {
		props.Set(config.KeyHubAddresses, c.seeds)
	}
	if set["name"] {
		props.Set(config.KeyHubName, c.name)
	}
	if set["clusters"] {
		props.Set(config.KeyHubClusters, c.clusters)
	}
	if set["log-level"] {
		props.Set(config.KeyLogLevel, c.logLevel)
	}
	if set["metrics"] {
		props.Set(config.KeyMetricsAddress, c.metrics)
	}
	if set["lan"] {
		props.Set(config.KeyDiscoveryEnabled, strconv.FormatBool(c.lan))
	}
	if set["etcd"] {
		props.Set(config.KeyEtcdEndpoints, c.etcd)
	}
	return props, nil
}

func setupLogging(props *config.Properties, logFile string) (*os.File, error) {
	level, err := logrus.ParseLevel(props.String(config.KeyLogLevel))
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if logFile == "" {
		return nil, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(f)
	return f, nil
}

func endpointsOf(hubs []address.Set) []string {
	var out []string
	for _, h := range hubs {
		out = append(out, h.Endpoints()...)
	}
	return out
}

// startLAN answers discovery probes and probes once for peers.
func startLAN(ctx context.Context, h *hub.Hub, props *config.Properties, log *logrus.Entry) (*discovery.Responder, error) {
	port := props.Int(config.KeyDiscoveryPort)
	r, err := discovery.NewResponder(net.JoinHostPort("", strconv.Itoa(port)), h.Clusters(), h.Address().String(), log)
	if err != nil {
		return nil, err
	}
	r.Start()

	go func() {
		found, err := discovery.Find(ctx, discovery.BroadcastTargets(port),
			props.String(config.KeyDiscoveryCluster), props.Duration(config.KeyDiscoveryTimeout))
		if err != nil {
			log.WithFields(logrus.Fields{
				"function": "startLAN",
				"error":    err.Error(),
			}).Info("No hubs found on the LAN")
			return
		}
		var peers []address.Set
		for _, f := range found {
			if !f.Equal(h.Address()) {
				peers = append(peers, f)
			}
		}
		h.AddSeeds(endpointsOf(peers)...)
	}()
	return r, nil
}

// startRegistry registers the hub in etcd and follows the other hubs.
func startRegistry(ctx context.Context, h *hub.Hub, props *config.Properties, log *logrus.Entry) (*discovery.Registry, error) {
	reg, err := discovery.NewRegistry(props.StringList(config.KeyEtcdEndpoints),
		props.String(config.KeyEtcdPrefix), props.Duration(config.KeyEtcdTTL), log)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := reg.Register(rctx, h.Address()); err != nil {
		reg.Close()
		return nil, err
	}
	seeds, err := reg.Seeds(rctx)
	if err != nil {
		reg.Close()
		return nil, err
	}
	h.AddSeeds(endpointsOf(seeds)...)
	reg.Watch(ctx, func(seeds []address.Set) {
		h.AddSeeds(endpointsOf(seeds)...)
	})
	return reg, nil
}

func startMetrics(h *hub.Hub, addr string, log *logrus.Entry) (*http.Server, error) {
	handler, err := metrics.Handler(h)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(logrus.Fields{
				"function": "startMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()
	return srv, nil
}

// setupSignalHandling cancels on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc, log *logrus.Entry) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()
}

func run(props *config.Properties) error {
	log := logrus.WithField("component", "hub")

	h, err := hub.New(hub.Options{Properties: props, Logger: log})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	defer h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel, log)

	if props.Bool(config.KeyDiscoveryEnabled) {
		r, err := startLAN(ctx, h, props, logrus.WithField("component", "discovery"))
		if err != nil {
			return err
		}
		defer r.Stop()
	}
	if endpoints := strings.TrimSpace(props.String(config.KeyEtcdEndpoints)); endpoints != "" {
		reg, err := startRegistry(ctx, h, props, logrus.WithField("component", "registry"))
		if err != nil {
			return fmt.Errorf("etcd registry: %w", err)
		}
		defer reg.Close()
	}
	if addr := props.String(config.KeyMetricsAddress); addr != "" {
		srv, err := startMetrics(h, addr, logrus.WithField("component", "metrics"))
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.WithFields(logrus.Fields{
		"function": "run",
		"address":  h.Address().String(),
		"name":     h.Name(),
	}).Info("Hub running")
	<-ctx.Done()
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	c, set, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if c.help {
		fmt.Printf("Usage: %s [options]\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
		os.Exit(0)
	}

	props, err := buildProperties(c, set, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	logFile, err := setupLogging(props, c.logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging setup failed: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	if err := run(props); err != nil {
		logrus.WithError(err).Error("Hub failed")
		if logFile != nil {
			logFile.Close()
		}
		os.Exit(1)
	}
}
