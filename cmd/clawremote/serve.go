package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawremote/internal/agent"
	"github.com/basket/clawremote/internal/audit"
	"github.com/basket/clawremote/internal/auth"
	"github.com/basket/clawremote/internal/bus"
	"github.com/basket/clawremote/internal/config"
	"github.com/basket/clawremote/internal/credential"
	"github.com/basket/clawremote/internal/cron"
	"github.com/basket/clawremote/internal/gateway"
	otelPkg "github.com/basket/clawremote/internal/otel"
	"github.com/basket/clawremote/internal/persistence"
	"github.com/basket/clawremote/internal/replay"
	"github.com/basket/clawremote/internal/session"
	"github.com/basket/clawremote/internal/telemetry"
)

const tokenSweepSchedule = "*/5 * * * *"

func runServe(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	recorder := persistence.NewRecorder(store, eventBus, telemetry.Component(logger, "recorder"))
	// Detached from ctx so the snapshots published during shutdown still land.
	recorder.Start(context.WithoutCancel(ctx))
	defer recorder.Stop()

	keys, err := credential.LoadAuthorizedKeys(cfg.AuthorizedKeysFile)
	if err != nil {
		fatalStartup(logger, "E_AUTHORIZED_KEYS", err)
	}
	if len(keys.IDs()) == 0 {
		logger.Warn("no authorized keys; every handshake will fail until keys are added", "path", cfg.AuthorizedKeysFile)
	}
	authn := auth.New(auth.Config{
		Keys:         keys,
		ChallengeTTL: cfg.Session.ChallengeTTL(),
		TokenTTL:     cfg.Session.TokenTTL(),
		Logger:       telemetry.Component(logger, "auth"),
	})

	adapter := agent.NewProcess(agent.ProcessConfig{
		Command:         cfg.Agent.Command,
		Args:            cfg.Agent.Args,
		SessionFlag:     cfg.Agent.SessionFlag,
		ResumeFlag:      cfg.Agent.ResumeFlag,
		GitCommand:      cfg.Agent.GitCommand,
		ProjectsRoot:    cfg.Agent.ProjectsRoot,
		Env:             cfg.Agent.Env,
		ShutdownTimeout: cfg.Agent.ShutdownTimeout(),
		Logger:          telemetry.Component(logger, "agent"),
	})

	sessions := session.New(newSessionConfig(cfg, adapter, authn, eventBus, logger, metrics, otelProvider))
	restored, err := restoreProjects(ctx, store, sessions, logger)
	if err != nil {
		fatalStartup(logger, "E_SESSION_RESTORE", err)
	}
	logger.Info("startup phase", "phase", "sessions_restored", "projects", restored)

	gw := gateway.New(gateway.Config{
		Sessions:          sessions,
		Auth:              authn,
		Store:             store,
		Gateway:           cfg.Gateway,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Metrics:           otelProvider,
		HandshakeTimeout:  cfg.Session.HandshakeTimeout(),
		Logger:            telemetry.Component(logger, "gateway"),
	})
	gw.Limiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger, cfg.AuthorizedKeysFile)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			handleReload(ev.Path, cfg, keys, gw, logger)
		}
	}()

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Jobs:   housekeepingJobs(cfg, sessions, authn, store, logger),
		Logger: telemetry.Component(logger, "cron"),
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	audit.Record(audit.DecisionAllow, audit.ActionStartup, "ready", "", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, then detach every session so snapshots are published,
	// then stop the agents.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := sessions.Close(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	agentCtx, cancelAgents := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout()+5*time.Second)
	defer cancelAgents()
	if err := adapter.Close(agentCtx); err != nil {
		logger.Warn("agent shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func newSessionConfig(cfg config.Config, adapter agent.Adapter, tokens session.TokenService, b *bus.Bus, logger *slog.Logger, metrics *otelPkg.Metrics, provider *otelPkg.Provider) session.Config {
	return session.Config{
		Adapter:           adapter,
		Tokens:            tokens,
		Bus:               b,
		Logger:            telemetry.Component(logger, "session"),
		Metrics:           metrics,
		Tracer:            provider.Tracer,
		HeartbeatInterval: cfg.Session.HeartbeatInterval(),
		HeartbeatGrace:    cfg.Session.HeartbeatGrace(),
		HandshakeTimeout:  cfg.Session.HandshakeTimeout(),
		ShutdownTimeout:   cfg.Agent.ShutdownTimeout(),
		WriteTimeout:      cfg.Session.WriteTimeout(),
		PermissionTimeout: cfg.Session.PermissionTimeout(),
		Retention: replay.Retention{
			MaxEnvelopes: cfg.Session.ReplayMaxEnvelopes,
			MaxAge:       cfg.Session.ReplayMaxAge(),
		},
		MaxProtocolViolations: cfg.Session.MaxProtocolViolations,
	}
}

// restoreProjects registers every persisted project with the session
// manager, seeding each from its last snapshot when one exists.
func restoreProjects(ctx context.Context, store *persistence.Store, sessions *session.Manager, logger *slog.Logger) (int, error) {
	recs, err := store.ListProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	n := 0
	for _, rec := range recs {
		snap, err := store.LoadSnapshot(ctx, rec.ID)
		if err != nil {
			logger.Warn("snapshot unreadable; restoring without it", "project_id", rec.ID, "error", err)
			snap = nil
		}
		err = sessions.Restore(session.Restored{
			ID:             rec.ID,
			Path:           rec.Path,
			RepoURL:        rec.RepoURL,
			AgentSessionID: rec.AgentSessionID,
			Initialized:    rec.Initialized,
			State:          rec.State,
			Snapshot:       snap,
		})
		if err != nil {
			logger.Warn("project restore failed", "project_id", rec.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func housekeepingJobs(cfg config.Config, sessions *session.Manager, authn *auth.Authenticator, store *persistence.Store, logger *slog.Logger) []cron.Job {
	return []cron.Job{
		{
			Name:     "replay-prune",
			CronExpr: cfg.RetentionSchedule,
			Run: func(ctx context.Context) error {
				if n := sessions.Prune(ctx, time.Now()); n > 0 {
					logger.Info("replay buffers pruned", "envelopes", n)
				}
				return nil
			},
		},
		{
			Name:     "token-sweep",
			CronExpr: tokenSweepSchedule,
			Run: func(ctx context.Context) error {
				if n := authn.Sweep(); n > 0 {
					logger.Debug("expired challenges and tokens swept", "count", n)
				}
				return nil
			},
		},
		{
			Name:     "store-retention",
			CronExpr: cfg.RetentionSchedule,
			Run: func(ctx context.Context) error {
				res, err := store.RunRetention(ctx, cfg.RetentionSnapshotDays, cfg.RetentionAuditDays)
				if err != nil {
					return err
				}
				if res.PurgedSnapshots+res.PurgedAuditLogs > 0 {
					logger.Info("retention job completed",
						"purged_snapshots", res.PurgedSnapshots,
						"purged_audit_logs", res.PurgedAuditLogs,
					)
				}
				return nil
			},
		},
	}
}

// reloader is the part of the gateway a config reload touches.
type reloader interface {
	SetAPIKeys([]config.APIKeyEntry)
}

// handleReload applies a changed file. The authorized keys and API keys
// take effect immediately; anything else covered by the fingerprint needs
// a restart.
func handleReload(path string, running config.Config, keys *credential.AuthorizedKeys, gw reloader, logger *slog.Logger) {
	switch filepath.Clean(path) {
	case filepath.Clean(keys.Path()):
		if err := keys.Reload(); err != nil {
			logger.Error("authorized_keys reload rejected; retaining previous keys", "error", err)
			return
		}
		logger.Info("authorized_keys hot-reloaded", "identities", len(keys.IDs()))
	case filepath.Clean(config.ConfigPath(running.HomeDir)):
		next, err := config.LoadFrom(running.HomeDir)
		if err != nil {
			logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
			return
		}
		gw.SetAPIKeys(next.Gateway.APIKeys)
		logger.Info("config.yaml hot-reloaded", "api_keys", len(next.Gateway.APIKeys))
		if next.Fingerprint() != running.Fingerprint() {
			logger.Warn("config change requires restart", "running", running.Fingerprint(), "on_disk", next.Fingerprint())
		}
	}
}
