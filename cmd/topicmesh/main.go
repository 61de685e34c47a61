package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/config"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/httpapi"
)

const (
	// Application info
	appName    = "TopicMesh"
	appVersion = "0.1.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", strings.ToLower(appName), err)
		os.Exit(1)
	}
}

// options are the command-line flags. Flags that were set override the
// configuration file.
type options struct {
	configPath    string
	nodeID        string
	httpPort      string
	dataDir       string
	clusterListen string
	peers         string
	patternPolicy string
	noAuth        bool
	logLevel      string
	logFormat     string
	showVersion   bool
	showHealth    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, map[string]bool, error) {
	fs := flag.NewFlagSet(strings.ToLower(appName), flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.configPath, "config", "", "Path to a YAML configuration file")
	fs.StringVar(&o.nodeID, "node-id", "", "Unique node identifier (default derived from hostname)")
	fs.StringVar(&o.httpPort, "http-port", httpapi.DefaultPort, "HTTP API port")
	fs.StringVar(&o.dataDir, "data-dir", "", "Directory for persistent messages (empty keeps them in memory)")
	fs.StringVar(&o.clusterListen, "cluster-listen", "", "Listen address for cluster links (empty runs standalone)")
	fs.StringVar(&o.peers, "peers", "", "Comma-separated cluster members as id@host:port")
	fs.StringVar(&o.patternPolicy, "pattern-policy", "", "Pattern policy: strict or extended")
	fs.BoolVar(&o.noAuth, "no-auth", false, "Disable authentication (development only)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&o.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&o.showHealth, "health", false, "Show health status and exit")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return &o, set, nil
}

// loadFile reads the configuration file, if any, and applies the flags that
// were set on top of it.
func loadFile(o *options, set map[string]bool) (*config.File, error) {
	file := &config.File{}
	if o.configPath != "" {
		f, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		file = f
	}

	if set["node-id"] {
		file.Node.ID = o.nodeID
	}
	if file.Node.ID == "" {
		file.Node.ID = getDefaultNodeID()
	}
	if set["http-port"] || file.HTTP.Port == "" {
		file.HTTP.Port = o.httpPort
	}
	if set["data-dir"] {
		file.Store.DataDir = o.dataDir
	}
	if set["pattern-policy"] {
		file.Node.PatternPolicy = o.patternPolicy
	}
	if set["no-auth"] {
		file.HTTP.NoAuth = o.noAuth
	}
	if set["log-level"] || file.Log.Level == "" {
		file.Log.Level = o.logLevel
	}
	if set["log-format"] || file.Log.Format == "" {
		file.Log.Format = o.logFormat
	}
	if set["cluster-listen"] || set["peers"] {
		if file.Cluster == nil {
			file.Cluster = &config.Cluster{}
		}
		if set["cluster-listen"] {
			file.Cluster.Listen = o.clusterListen
		}
		if set["peers"] {
			file.Cluster.Peers = splitList(o.peers)
		}
	}
	return file, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, set, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	// Handle version flag
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s v%s\n", appName, appVersion)
		return nil
	}

	file, err := loadFile(opts, set)
	if err != nil {
		return err
	}
	logger, err := file.Logger(stderr)
	if err != nil {
		return err
	}
	brokerConfig, err := file.Broker(logger)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	b, err := broker.New(brokerConfig)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("topicmesh: error closing broker", "error", err)
		}
	}()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}

	// Handle health check flag
	if opts.showHealth {
		return showHealthStatus(ctx, stdout, b)
	}

	logger.Info("topicmesh: starting", "version", appVersion, "node", brokerConfig.NodeID,
		"http_port", file.HTTP.Port, "clustered", brokerConfig.Cluster != nil)

	apiConfig := file.HTTPAPI(logger)
	if apiConfig.NoAuth {
		logger.Warn("topicmesh: authentication disabled, every request acts as " + httpapi.DevClientID)
	}
	api := httpapi.NewServer(b, apiConfig)
	l, err := net.Listen("tcp", ":"+apiConfig.Port)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", apiConfig.Port, err)
	}
	logger.Info("httpapi: listening", "addr", l.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(l)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("topicmesh: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("topicmesh: error stopping http server", "error", err)
	}
	if err := b.Stop(shutdownCtx); err != nil {
		logger.Warn("topicmesh: error stopping broker", "error", err)
	}
	logger.Info("topicmesh: stopped", "node", brokerConfig.NodeID)
	return nil
}

// getDefaultNodeID generates a default node ID based on hostname
func getDefaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "topicmesh-node-1"
	}
	return fmt.Sprintf("topicmesh-%s", hostname)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// showHealthStatus prints the broker health (for the -health flag)
func showHealthStatus(ctx context.Context, w io.Writer, b *broker.Broker) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to get health status: %w", err)
	}

	fmt.Fprintf(w, "%s Node Health Status:\n", appName)
	fmt.Fprintf(w, "  Node: %s\n", b.NodeID())
	fmt.Fprintf(w, "  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Fprintf(w, "  Store: %s\n", healthStatus(health.StoreHealthy))
	fmt.Fprintf(w, "  Cluster: %s\n", healthStatus(health.ClusterHealthy))
	fmt.Fprintf(w, "  Connected Clients: %d\n", health.ConnectedClients)
	fmt.Fprintf(w, "  Cluster Members: %d\n", health.ClusterMembers)
	fmt.Fprintf(w, "  Message: %s\n", health.Message)

	if !health.Healthy {
		return errors.New("broker is unhealthy")
	}
	return nil
}

func healthStatus(healthy bool) string {
	if healthy {
		return "Healthy"
	}
	return "Unhealthy"
}
