package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metalkiln/metalkiln/pkg/agent"
	"github.com/metalkiln/metalkiln/pkg/api"
	"github.com/metalkiln/metalkiln/pkg/conductor"
	"github.com/metalkiln/metalkiln/pkg/config"
	"github.com/metalkiln/metalkiln/pkg/lock"
	"github.com/metalkiln/metalkiln/pkg/node"
	"github.com/metalkiln/metalkiln/pkg/observability"
	"github.com/metalkiln/metalkiln/pkg/power"
	"github.com/metalkiln/metalkiln/pkg/statemachine"
	"github.com/metalkiln/metalkiln/pkg/version"
)

const (
	exitOK           = 0
	exitRuntimeError = 1
	exitUsage        = 64
	exitConfigError  = 65
	exitRequestError = 66
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "simulate-heartbeat":
		return commandSimulateHeartbeat(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: provision-conductor <command> [options]
Commands:
  run                  Start the conductor daemon
  validate-config      Validate the configuration file
  simulate-heartbeat   Send a heartbeat request to a running conductor
  version              Print build version
`)
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}

func commandRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "conductor failed: %v\n", err)
		return exitRuntimeError
	}
	return exitOK
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewJSONLogger(os.Stdout,
		observability.WithDefaultComponent("provision-conductor"))
	collector := observability.NewPrometheusCollector()
	reporter := conductor.NewStructuredReporter("conductor", logger, collector)

	tlsConfig, err := buildEtcdTLS(cfg.EtcdTLS)
	if err != nil {
		return fmt.Errorf("configure etcd TLS: %w", err)
	}

	store, closeStore, err := buildStore(cfg, tlsConfig)
	if err != nil {
		return fmt.Errorf("configure node store: %w", err)
	}
	defer closeStore()

	locker, closeLocker, err := buildLockManager(cfg, tlsConfig)
	if err != nil {
		return fmt.Errorf("configure lock manager: %w", err)
	}
	defer closeLocker()

	retryMin, retryMax := cfg.AgentRetryBackoffBounds()
	agentClient := agent.NewHTTPClient(agent.HTTPClientOptions{
		Timeout:         cfg.AgentTimeout(),
		RetryAttempts:   uint64(cfg.AgentRetryAttempts),
		RetryBackoffMin: retryMin,
		RetryBackoffMax: retryMax,
	})

	controller, err := power.NewExecController(power.ExecControllerOptions{
		PowerCmd:                     cfg.Power.PowerCmd,
		BootDeviceCmd:                cfg.Power.BootDeviceCmd,
		RemoveProvisioningNetworkCmd: cfg.Power.RemoveProvisioningNetCmd,
		ConfigureTenantNetworksCmd:   cfg.Power.ConfigureTenantNetworksCmd,
		Stderr:                       os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("configure power controller: %w", err)
	}

	sequencer, err := statemachine.NewSequencer(statemachine.NewEngine(), agentClient, store,
		statemachine.WithSequencerReporter(conductor.NewStructuredReporter("sequencer", logger, collector)))
	if err != nil {
		return fmt.Errorf("configure sequencer: %w", err)
	}

	softMin, softMax := cfg.SoftPowerOffBounds()
	core, err := conductor.New(agentClient, locker, store, sequencer, controller, controller, controller,
		conductor.WithReporter(reporter),
		conductor.WithSoftPowerOffPolicy(uint64(cfg.SoftPowerOffAttempts), softMin, softMax),
	)
	if err != nil {
		return fmt.Errorf("configure conductor: %w", err)
	}

	sweeper, err := conductor.NewSweeper(store, locker, core, cfg.HeartbeatTimeout(), cfg.SweepInterval(),
		conductor.WithSweeperReporter(conductor.NewStructuredReporter("sweeper", logger, collector)),
		conductor.WithSweeperErrorHandler(func(err error) {
			_ = logger.Log(ctx, observability.Event{
				Level:  observability.LevelError,
				Event:  "liveness_sweep_error",
				Fields: map[string]interface{}{"error": err.Error()},
			})
		}),
	)
	if err != nil {
		return fmt.Errorf("configure liveness sweeper: %w", err)
	}

	apiOpts := []api.Option{api.WithReporter(reporter)}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, api.WithMetricsHandler(collector.Handler()))
	}
	server, err := api.New(cfg.APIListen, core, store, apiOpts...)
	if err != nil {
		return fmt.Errorf("configure API server: %w", err)
	}

	_ = logger.Log(ctx, observability.Event{
		Level: observability.LevelInfo,
		Event: "conductor_started",
		Fields: map[string]interface{}{
			"conductor": cfg.ConductorName,
			"listen":    cfg.APIListen,
			"store":     cfg.StoreBackend,
			"version":   version.Version,
		},
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		err := sweeper.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(cfg *config.Config, tlsConfig *tls.Config) (node.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return node.NewMemoryStore(), func() {}, nil
	case "etcd":
		store, err := node.NewEtcdStore(node.EtcdStoreOptions{
			Endpoints: cfg.EtcdEndpoints,
			Namespace: cfg.EtcdNamespace,
			TLS:       tlsConfig,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func buildLockManager(cfg *config.Config, tlsConfig *tls.Config) (lock.Manager, func(), error) {
	if cfg.StoreBackend != "etcd" {
		// The API serves heartbeats concurrently even in a single-process
		// deployment, so the memory backend still needs per-node mutual
		// exclusion.
		return lock.NewMemoryManager(), func() {}, nil
	}
	manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Endpoints:     cfg.EtcdEndpoints,
		Namespace:     cfg.EtcdNamespace,
		LockPrefix:    cfg.LockPrefix,
		TTL:           cfg.LockTTL(),
		TLS:           tlsConfig,
		ConductorName: cfg.ConductorName,
	})
	if err != nil {
		return nil, nil, err
	}
	return manager, func() { _ = manager.Close() }, nil
}

func buildEtcdTLS(cfg *config.EtcdTLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	caData, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, fmt.Errorf("CA file %s contains no usable certificates", cfg.CAFile)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            pool,
		InsecureSkipVerify: cfg.Insecure,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

func commandSimulateHeartbeat(args []string) int {
	return commandSimulateHeartbeatWithWriters(args, os.Stdout, os.Stderr)
}

func commandSimulateHeartbeatWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate-heartbeat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("endpoint", "http://127.0.0.1:6385", "base URL of the running conductor API")
	nodeID := fs.String("node", "", "node identifier to heartbeat")
	callbackURL := fs.String("callback-url", "", "agent callback URL to report")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*nodeID) == "" || strings.TrimSpace(*callbackURL) == "" {
		fmt.Fprintln(stderr, "--node and --callback-url are required")
		return exitUsage
	}

	payload, err := json.Marshal(map[string]string{"callback_url": *callbackURL})
	if err != nil {
		fmt.Fprintf(stderr, "failed to encode request: %v\n", err)
		return exitRequestError
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	url := strings.TrimRight(*endpoint, "/") + "/v1/heartbeat/" + *nodeID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(stderr, "failed to build request: %v\n", err)
		return exitRequestError
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "heartbeat request failed: %v\n", err)
		return exitRequestError
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(stderr, "conductor rejected heartbeat: status %d: %s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return exitRequestError
	}

	fmt.Fprintf(stdout, "heartbeat for node %s accepted\n", *nodeID)
	return exitOK
}
