package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/swarmcoordd/swarmcoordd/pkg/config"
	"github.com/swarmcoordd/swarmcoordd/pkg/cooldown"
	"github.com/swarmcoordd/swarmcoordd/pkg/lock"
	"github.com/swarmcoordd/swarmcoordd/pkg/observability"
	"github.com/swarmcoordd/swarmcoordd/pkg/probe"
	"github.com/swarmcoordd/swarmcoordd/pkg/scram"
	"github.com/swarmcoordd/swarmcoordd/pkg/swap"
	"github.com/swarmcoordd/swarmcoordd/pkg/swarmstate"
	"github.com/swarmcoordd/swarmcoordd/pkg/windows"
)

const (
	etcdDialTimeout     = 5 * time.Second
	publishTimeout      = 5 * time.Second
	scramCommandTimeout = 60 * time.Second

	// Cooldown windows live beside the swap lock in etcd. The key is fixed
	// so every coordinator in a fleet observes the same window.
	swapCooldownKey = "/swarm/swarm-coordinator/swap-cooldown"
)

// buildReporter wires the JSON event logger and the Prometheus collector into
// one structured reporter. The collector is always constructed so its registry
// can be exposed when the metrics listener is enabled.
func buildReporter(cfg *config.Config, logs io.Writer) (*observability.StructuredReporter, *observability.PrometheusCollector) {
	collector := observability.NewPrometheusCollector()
	logger := observability.NewJSONLogger(logs)
	return observability.NewStructuredReporter(cfg.NodeName, logger, collector), collector
}

// startMetricsServer exposes the collector on /metrics. The listener is bound
// synchronously so bind failures surface before the coordination loop starts;
// the returned function shuts the server down.
func startMetricsServer(listen string, handler http.Handler, stderr io.Writer) (func(), error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listen, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "metrics listener error: %v\n", serveErr)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// buildStatusPublisher selects the status backend from configuration. The
// returned closer is nil for backends without connections to release.
func buildStatusPublisher(cfg *config.Config) (swarmstate.Publisher, func() error, error) {
	switch cfg.Status.Backend {
	case "", "none":
		return swarmstate.NewNoopPublisher(), nil, nil
	case "etcd":
		tlsCfg, err := etcdTLSConfig(cfg.EtcdTLS)
		if err != nil {
			return nil, nil, err
		}
		pub, err := swarmstate.NewEtcdPublisher(swarmstate.EtcdPublisherOptions{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			Namespace:   cfg.EtcdNamespace,
			Prefix:      cfg.Status.Key,
			TLS:         tlsCfg,
			Coordinator: cfg.NodeName,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialise etcd status publisher: %w", err)
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported status backend %q", cfg.Status.Backend)
	}
}

// statusPublishingEnabled reports whether a real status backend is configured.
func statusPublishingEnabled(cfg *config.Config) bool {
	return cfg.Status.Backend != "" && cfg.Status.Backend != "none"
}

// buildLockManager selects the swap lock backend from configuration.
func buildLockManager(cfg *config.Config) (lock.Manager, func() error, error) {
	switch cfg.Swap.Lock.Backend {
	case "", "none":
		return lock.NewNoopManager(), nil, nil
	case "local":
		return lock.NewLocalManager(), nil, nil
	case "etcd":
		tlsCfg, err := etcdTLSConfig(cfg.EtcdTLS)
		if err != nil {
			return nil, nil, err
		}
		mgr, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			LockKey:     cfg.Swap.Lock.Key,
			Namespace:   cfg.EtcdNamespace,
			TTL:         cfg.SwapLockTTL(),
			TLS:         tlsCfg,
			Coordinator: cfg.NodeName,
			ProcessID:   os.Getpid(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialise etcd swap lock: %w", err)
		}
		return mgr, mgr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported swap lock backend %q", cfg.Swap.Lock.Backend)
	}
}

// buildCooldownManager returns nil when no cooldown is configured. An etcd
// lock backend implies a fleet, so the cooldown is shared through etcd too;
// otherwise the window only needs to outlive the process invocation.
func buildCooldownManager(cfg *config.Config) (cooldown.Manager, func() error, error) {
	if cfg.SwapCooldown() <= 0 {
		return nil, nil, nil
	}
	if cfg.Swap.Lock.Backend == "etcd" {
		tlsCfg, err := etcdTLSConfig(cfg.EtcdTLS)
		if err != nil {
			return nil, nil, err
		}
		mgr, err := cooldown.NewEtcdManager(cooldown.EtcdManagerOptions{
			Endpoints:   cfg.EtcdEndpoints,
			DialTimeout: etcdDialTimeout,
			Namespace:   cfg.EtcdNamespace,
			Key:         swapCooldownKey,
			TLS:         tlsCfg,
			Coordinator: cfg.NodeName,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialise etcd cooldown manager: %w", err)
		}
		return mgr, mgr.Close, nil
	}
	return cooldown.NewMemoryManager(cfg.NodeName, time.Now), nil, nil
}

// buildBooter prefers the configured readiness probe script and falls back to
// the deterministic in-process booter.
func buildBooter(cfg *config.Config) (swap.Booter, error) {
	if cfg.Swap.ReadinessProbe.Script == "" {
		return swap.NewSimBooter(0), nil
	}
	script, err := probe.NewScriptProbe(cfg.Swap.ReadinessProbe.Script, cfg.ProbeTimeout(), cfg.BaseEnvironment())
	if err != nil {
		return nil, fmt.Errorf("initialise readiness probe: %w", err)
	}
	return swap.NewProbeBooter(script)
}

// buildWindowEvaluator parses the configured maintenance windows. A nil
// evaluator means swaps are permitted at any time.
func buildWindowEvaluator(cfg *config.Config) (windows.Evaluator, error) {
	return windows.NewEvaluator(cfg.Swap.Windows.Allow, cfg.Swap.Windows.Deny)
}

// etcdTLSConfig materialises a tls.Config from the optional etcd TLS block.
func etcdTLSConfig(cfg *config.EtcdTLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		tlsCfg.InsecureSkipVerify = true
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read etcd CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("etcd CA file %s contains no certificates", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("etcd TLS requires both cert_file and key_file")
		}
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load etcd client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	return tlsCfg, nil
}

// writeReport persists one protocol report and prints its location. Failures
// are reported but never mask the protocol outcome.
func writeReport(dir string, doc scram.Document, stdout, stderr io.Writer) bool {
	path, err := scram.WriteFile(dir, doc)
	if err != nil {
		fmt.Fprintf(stderr, "failed to write %s report: %v\n", doc.Protocol, err)
		return false
	}
	fmt.Fprintf(stdout, "report written to %s\n", path)
	return true
}

// runScramCommand executes the operator-configured scram hook for a committed
// halt. Dry-run mode logs the command instead of executing it. Hook failures
// are reported but never change the halt exit path.
func runScramCommand(cfg *config.Config, cause scram.Cause, stdout, stderr io.Writer) {
	if len(cfg.ScramCommand) == 0 {
		return
	}
	if cfg.DryRun {
		fmt.Fprintf(stdout, "dry-run: skipping scram command %q\n", strings.Join(cfg.ScramCommand, " "))
		return
	}

	env := cfg.BaseEnvironment()
	for k, v := range scram.CommandEnvironment(cfg.NodeName, cause) {
		env[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), scramCommandTimeout)
	defer cancel()
	executor := scram.NewExecCommandExecutor(stdout, stderr)
	if err := executor.Execute(ctx, cfg.ScramCommand, env); err != nil {
		fmt.Fprintf(stderr, "scram command failed: %v\n", err)
	}
}

// closeQuietly invokes an optional closer, logging any error.
func closeQuietly(closeFn func() error, stderr io.Writer, what string) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", what, err)
	}
}
