package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"vmrelay/internal/adapter/executor"
	"vmrelay/internal/adapter/gateway"
	"vmrelay/internal/adapter/inventory"
	"vmrelay/internal/domain"
	"vmrelay/internal/infra/config"
	"vmrelay/internal/infra/logger"
	"vmrelay/internal/infra/middleware"
	"vmrelay/internal/infra/tracer"
	"vmrelay/internal/metrics"
	"vmrelay/internal/usecase/eventbus"
	"vmrelay/internal/usecase/execution"
	"vmrelay/internal/usecase/progress"
	"vmrelay/internal/usecase/provision"
)

// app holds the wired relay components in start order.
type app struct {
	bus          *eventbus.Bus
	unsubMetrics func()
	executions   *execution.Manager
	progress     *progress.Broadcaster
	provisioner  *provision.Provisioner
	server       *gateway.Server
	logger       *slog.Logger
}

func runServe(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("setup tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
	}()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	log.Info("relayd starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"vms", len(cfg.Inventory.VMs),
		"ssh", cfg.Executor.SSH.Enabled,
	)
	return a.run(ctx, cfg.Server.ShutdownTimeout)
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	exec, err := newExecutor(cfg.Executor, log)
	if err != nil {
		return nil, err
	}

	inv, err := inventory.NewStatic(vmTargets(cfg.Inventory.VMs), inventory.Options{
		ReadyTimeout:  cfg.Inventory.ReadyTimeout,
		ProbeInterval: cfg.Inventory.ProbeInterval,
		DefaultPort:   cfg.Executor.SSH.Port,
	}, log.With("component", "inventory"))
	if err != nil {
		return nil, fmt.Errorf("build inventory: %w", err)
	}

	log.Debug("inventory loaded", "pools", inv.Pools())

	a := &app{logger: log, unsubMetrics: func() {}}
	a.bus = eventbus.New(log.With("component", "eventbus"), eventbus.DefaultQueueSize)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		m := metrics.New()
		a.unsubMetrics = m.Subscribe(a.bus)
		metricsHandler = m.Handler()
	}

	ec := cfg.Execution
	a.executions = execution.NewManager(execution.ManagerConfig{
		MinTimeout:      time.Duration(ec.MinTimeoutSeconds) * time.Second,
		MaxTimeout:      time.Duration(ec.MaxTimeoutSeconds) * time.Second,
		MaxPerVM:        ec.MaxPerVM,
		SessionTTL:      ec.SessionTTL,
		CleanupInterval: ec.CleanupInterval,
		ListenerBuffer:  ec.ListenerBuffer,
		OutputTailBytes: ec.OutputTailBytes,
	}, exec, a.bus, log.With("component", "execution"))

	pc := cfg.Progress
	a.progress = progress.New(progress.Config{
		MaxHistory:      pc.MaxHistory,
		HistoryTTL:      pc.HistoryTTL,
		StaleTTL:        pc.StaleTTL,
		CleanupInterval: pc.CleanupInterval,
	}, a.bus, log.With("component", "progress"))

	a.provisioner = provision.New(inv, a.executions, a.progress, a.bus, log.With("component", "provision"))

	server, err := gateway.NewServer(gatewayConfig(cfg.Server), gateway.Deps{
		Executions:  a.executions,
		Progress:    a.progress,
		Provisioner: a.provisioner,
		Resolver:    inv,
		Auth:        gateway.NewStaticTokenAuth(tokenEntries(cfg.Server.Auth.Tokens)),
		Bus:         a.bus,
		Metrics:     metricsHandler,
	}, log.With("component", "gateway"))
	if err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("build gateway: %w", err)
	}
	a.server = server

	if len(cfg.Server.Auth.Tokens) == 0 {
		log.Warn("no auth tokens configured; every channel and API request will be rejected")
	}
	return a, nil
}

// run serves until ctx is cancelled, then stops components in reverse order.
func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	serveErr := a.server.Start(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(sctx)

	if serveErr != nil {
		return serveErr
	}
	a.logger.Info("relayd stopped")
	return nil
}

func (a *app) close(ctx context.Context) {
	if err := a.provisioner.Stop(ctx); err != nil {
		a.logger.Warn("provisioner shutdown", "error", err)
	}
	if err := a.executions.Stop(ctx); err != nil {
		a.logger.Warn("execution manager shutdown", "error", err)
	}
	a.progress.Stop()
	a.unsubMetrics()
	a.bus.Close()
}

func newExecutor(cfg config.ExecutorConfig, log *slog.Logger) (domain.RemoteExecutor, error) {
	local := executor.NewLocal(cfg.Shell, log.With("component", "executor.local"))
	if !cfg.SSH.Enabled {
		return executor.NewRouter(local, nil), nil
	}

	remote, err := executor.NewSSH(executor.SSHConfig{
		User:           cfg.SSH.User,
		Port:           cfg.SSH.Port,
		PrivateKeyPath: cfg.SSH.PrivateKeyPath,
		Passphrase:     cfg.SSH.Passphrase,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		Insecure:       cfg.SSH.Insecure,
		DialTimeout:    cfg.SSH.DialTimeout,
		Breaker: executor.BreakerConfig{
			MaxFailures: cfg.SSH.Breaker.MaxFailures,
			Timeout:     cfg.SSH.Breaker.Timeout,
			Interval:    cfg.SSH.Breaker.Interval,
		},
	}, log.With("component", "executor.ssh"))
	if err != nil {
		return nil, err
	}
	return executor.NewRouter(local, remote), nil
}

func vmTargets(vms []config.VMConfig) []domain.VMTarget {
	out := make([]domain.VMTarget, len(vms))
	for i, vm := range vms {
		out[i] = domain.VMTarget{ID: vm.ID, Host: vm.Host, Port: vm.Port, User: vm.User, Pool: vm.Pool}
	}
	return out
}

func tokenEntries(tokens []config.TokenConfig) []gateway.TokenEntry {
	out := make([]gateway.TokenEntry, len(tokens))
	for i, t := range tokens {
		out[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name}
	}
	return out
}

func gatewayConfig(s config.ServerConfig) gateway.Config {
	return gateway.Config{
		Addr:                  s.Addr,
		AllowedOrigins:        s.AllowedOrigins,
		SendBuffer:            s.SendBuffer,
		WriteTimeout:          s.WriteTimeout,
		SendTimeout:           s.SendTimeout,
		HandshakeTimeout:      s.HandshakeTimeout,
		DefaultTimeoutSeconds: s.DefaultTimeoutSeconds,
		ShutdownTimeout:       s.ShutdownTimeout,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: s.RateLimit.RequestsPerMin,
			BurstSize:      s.RateLimit.Burst,
			TrustedProxies: s.RateLimit.TrustedProxies,
		},
	}
}
