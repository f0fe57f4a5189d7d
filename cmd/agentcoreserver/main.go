// Command agentcoreserver runs the control-plane process: it loads
// configuration, runs the production hardening gate, wires every internal
// package into a Dispatcher and an HTTP operator surface, and serves both
// until an interrupt or SIGTERM asks it to shut down. The overall wiring
// shape — sequential dependency construction with warn-and-degrade on
// optional failures, a signal.NotifyContext-driven shutdown, and a
// deferred cleanup closure for an optionally-started secondary server — is
// generalized from cmd/buckley/serve.go's runServeCommand; the HTTP
// listener's own ListenAndServe-in-a-goroutine/Shutdown(ctx) pattern is
// grounded on pkg/ipc/server.go's Start method.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/agent"
	"github.com/odvcencio/agentcoreserver/internal/agentfsm"
	"github.com/odvcencio/agentcoreserver/internal/audit"
	"github.com/odvcencio/agentcoreserver/internal/bus"
	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/cluster"
	"github.com/odvcencio/agentcoreserver/internal/config"
	"github.com/odvcencio/agentcoreserver/internal/dispatcher"
	"github.com/odvcencio/agentcoreserver/internal/httpapi"
	"github.com/odvcencio/agentcoreserver/internal/metrics"
	"github.com/odvcencio/agentcoreserver/internal/policy"
	"github.com/odvcencio/agentcoreserver/internal/ratelimit"
	"github.com/odvcencio/agentcoreserver/internal/sandbox"
	"github.com/odvcencio/agentcoreserver/internal/scheduler"

	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("agentcoreserver", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file (defaults applied if unset)")
	listenAddr := fs.String("listen", "", "override server.listen_addr (persistent-stream listener)")
	httpAddr := fs.String("http", "", "override server.http_addr (operator HTTP surface)")
	nodeID := fs.String("node-id", "", "override cluster.node_id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := log.New(os.Stderr, "agentcoreserver: ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *nodeID != "" {
		cfg.Cluster.NodeID = *nodeID
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1:7420"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:7421"
	}

	resolver := config.NewResolver()

	ruleSet, err := loadRuleSet(cfg.Policy)
	if err != nil {
		return fmt.Errorf("load policy rule set: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !config.RunHardeningGate(ctx, cfg, resolver, ruleSet, logger) {
		config.Exit()
		return nil
	}

	signingSecret, err := resolver.Resolve(ctx, cfg.Capability.SigningSecret)
	if err != nil {
		logger.Printf("warning: permission signing secret unresolved, using an ephemeral one: %v", err)
	}
	if signingSecret == "" {
		signingSecret = ephemeralSecret()
	}

	eventBus := bus.New(1024, logger)
	lifecycle := agentfsm.New(eventBus)
	capabilities := capability.NewManager(signingSecret)
	policyEngine := policy.NewEngine(ruleSet)

	auditStore, closeAudit := buildAuditStore(cfg, logger)
	defer closeAudit()

	metricsReg := metrics.New()

	sandboxes := sandbox.NewRegistry(sandbox.RegistryConfig{
		ErrorThreshold: cfg.Agent.MaxErrors,
		MaxRetries:     cfg.Agent.MaxRestarts,
	}, lifecycle, logger)

	rateLimits := ratelimit.NewLimiter(func(string) ratelimit.Limits {
		return ratelimit.Limits{RequestsPerMinute: 60, TokensPerMinute: 100_000}
	})

	agents := agent.New(agent.Config{
		Lifecycle:      lifecycle,
		Sandboxes:      sandboxes,
		Capabilities:   capabilities,
		Policy:         policyEngine,
		Audit:          auditStore,
		Bus:            eventBus,
		Metrics:        metricsReg,
		Logger:         logger,
		ErrorThreshold: cfg.Agent.MaxErrors,
	})
	jobs := scheduler.New(logger)
	if err := jobs.Register(scheduler.JobSpec{
		ID:       "capability-token-sweep",
		Interval: 5 * time.Minute,
		Handler: func() {
			if n := capabilities.PruneExpired(); n > 0 {
				logger.Printf("capability-token-sweep: pruned %d expired token(s)", n)
			}
		},
	}); err != nil {
		logger.Printf("warning: capability-token-sweep not scheduled: %v", err)
	}
	defer jobs.Shutdown(5 * time.Second)

	var forwarder dispatcher.ClusterForwarder
	local := &localBox{}
	stopCluster := func() {}
	if cfg.Cluster.Enabled {
		fwd, stop, err := startCluster(ctx, cfg, resolver, local, logger)
		if err != nil {
			logger.Printf("warning: cluster disabled, failed to start: %v", err)
		} else {
			forwarder = fwd
			stopCluster = stop
		}
	}
	defer stopCluster()

	d := dispatcher.New(dispatcher.Config{
		Policy:       policyEngine,
		Agents:       agents,
		Capabilities: capabilities,
		RateLimits:   rateLimits,
		Sandboxes:    sandboxes,
		Lifecycle:    lifecycle,
		Bus:          eventBus,
		Audit:        auditStore,
		Cluster:      forwarder,
		Metrics:      metricsReg,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Logger:       logger,
	})
	local.d = d

	httpServer := httpapi.New(httpapi.Config{
		Version: "0.1.0",
		Policy:  policyEngine,
		Audit:   auditStore,
		Metrics: metricsReg,
		Agents:  agents,
		Checks: map[string]httpapi.Checker{
			"sandboxes": httpapi.CheckerFunc(func() bool { return sandboxes != nil }),
		},
		Logger: logger,
	})

	// The persistent message stream (§6.1) and the operator HTTP surface
	// (§6.2) are two distinct listeners, matching the config's separate
	// listen_addr/http_addr — a client speaking the native stream protocol
	// never shares a port with /health, /evaluate, or /metrics.
	streamMux := http.NewServeMux()
	streamMux.Handle("/", d.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(gctx, cfg.Server.ListenAddr, streamMux, logger) })
	g.Go(func() error { return serveHTTP(gctx, cfg.Server.HTTPAddr, httpServer, logger) })
	return g.Wait()
}

// serveHTTP runs an HTTP server until ctx is cancelled, then gives
// in-flight requests five seconds to finish before returning.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Printf("serving on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func loadRuleSet(cfg config.PolicyConfig) (*policy.RuleSet, error) {
	if cfg.RuleSetPath != "" {
		return policy.LoadRuleSetFile(cfg.RuleSetPath)
	}
	if rs := policy.PresetRuleSet(cfg.Preset); rs != nil {
		return rs, nil
	}
	return policy.DefaultRuleSet(), nil
}

// buildAuditStore picks the durable sink §4.F's database config names:
// a "sqlite:" URL opens a local SQLite file, any other non-empty URL is
// treated as a Postgres DSN, and an unset URL falls back to the rotating
// file sink used by single-node deployments with no database configured.
// Any failure degrades further, first to the file sink and finally to a
// console sink, so a storage hiccup never blocks the rest of the process
// from serving traffic.
func buildAuditStore(cfg *config.Config, logger *log.Logger) (*audit.Store, func()) {
	if cfg.Database.URL != "" {
		if path, ok := strings.CutPrefix(cfg.Database.URL, "sqlite:"); ok {
			if sink, err := audit.NewSQLiteSink(path); err == nil {
				return audit.NewStore(audit.NewRedactor(audit.DefaultSecretFieldPatterns()), sink), func() { _ = sink.Close() }
			} else {
				logger.Printf("warning: sqlite audit sink unavailable, falling back: %v", err)
			}
		} else if sink, err := audit.NewPostgresSink(cfg.Database.URL); err == nil {
			return audit.NewStore(audit.NewRedactor(audit.DefaultSecretFieldPatterns()), sink), func() { _ = sink.Close() }
		} else {
			logger.Printf("warning: postgres audit sink unavailable, falling back: %v", err)
		}
	}

	sink, err := audit.NewFileSink("data/audit", "audit", 256, logger)
	if err != nil {
		logger.Printf("warning: audit file sink unavailable, falling back to console: %v", err)
		return audit.NewStore(audit.NewRedactor(audit.DefaultSecretFieldPatterns()), audit.NewConsoleSink(os.Stderr)), func() {}
	}
	return audit.NewStore(audit.NewRedactor(audit.DefaultSecretFieldPatterns()), sink), func() { _ = sink.Close() }
}

// localBox defers binding a cluster.LocalExecutor until the Dispatcher it
// wraps exists: the coordinator needs a LocalExecutor at construction time,
// but the dispatcher needs the coordinator's forwarder at its own
// construction time, so each is built with a placeholder for the other and
// local.d is filled in once the dispatcher is ready. A coordinator only
// calls Local after an inbound peer forward arrives, always after startup.
type localBox struct{ d *dispatcher.Dispatcher }

func (b *localBox) Local(ctx context.Context, env dispatcher.Envelope) (dispatcher.Envelope, error) {
	if b.d == nil {
		return dispatcher.Envelope{}, fmt.Errorf("cluster: local dispatcher not ready")
	}
	return b.d.Local(ctx, env)
}

// startCluster brings up this node's Raft membership registry and gRPC
// peer server, bootstrapping a new cluster when no join address is
// configured. With a join address set it does not bootstrap and performs
// no join itself: the node takes part only once the current leader adds
// it as a voter.
func startCluster(ctx context.Context, cfg *config.Config, resolver *config.Resolver, local cluster.LocalExecutor, logger *log.Logger) (dispatcher.ClusterForwarder, func(), error) {
	registry, err := cluster.NewRegistry(cluster.RegistryConfig{
		NodeID:   cfg.Cluster.NodeID,
		BindAddr: cfg.Cluster.BindAddr,
		DataDir:  cfg.Cluster.DataDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cluster registry: %w", err)
	}

	if cfg.Cluster.JoinAddr == "" {
		if err := registry.Bootstrap(cfg.Cluster.BindAddr); err != nil {
			logger.Printf("warning: cluster bootstrap: %v (continuing, may already be bootstrapped)", err)
		}
	}

	peerSecret, err := resolver.Resolve(ctx, cfg.Cluster.PeerSecret)
	if err != nil || peerSecret == "" {
		peerSecret = ephemeralSecret()
	}
	tokens := cluster.NewTokenManager(peerSecret)

	coord := cluster.NewCoordinator(registry, local, cfg.Cluster.NodeID, tokens)

	lis, err := net.Listen("tcp", cfg.Cluster.PeerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster peer listener: %w", err)
	}
	peerServer := cluster.NewPeerServer(coord, tokens)
	go func() {
		if err := cluster.Serve(peerServer, lis); err != nil {
			logger.Printf("cluster: peer server stopped: %v", err)
		}
	}()

	stop := func() {
		peerServer.GracefulStop()
		_ = lis.Close()
	}
	return coord.Client(), stop, nil
}

func ephemeralSecret() string {
	return fmt.Sprintf("ephemeral-%d", time.Now().UnixNano())
}
