package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/app"
	"github.com/rendis/bizflow/internal/eventbus"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/secrets"
	"github.com/rendis/bizflow/internal/store"
)

// runtime owns everything a command opened and closes it in reverse order.
type runtime struct {
	cfg    Config
	logger *slog.Logger
	store  *store.LibSQLStore
	audit  *store.AuditLog
	vault  *secrets.AESVault
	app    *app.App

	shutdownTracing func(context.Context) error
}

// newLogger writes to stderr; stdout belongs to the MCP stdio transport.
func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

// openStore opens the libSQL database at cfg.DBPath and applies migrations.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if !strings.Contains(cfg.DBPath, ":") {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(dsn(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// dsn turns a plain path into the file URI the libsql driver expects.
func dsn(path string) string {
	if strings.Contains(path, ":") {
		return path
	}
	return "file:" + path
}

func newBus(cfg Config, logger *slog.Logger) (*eventbus.Bus, error) {
	switch cfg.EventBus {
	case "kafka":
		return eventbus.NewKafka(cfg.Kafka, logger.With("module", "eventbus"))
	default:
		return eventbus.NewGoChannel(logger.With("module", "eventbus")), nil
	}
}

// newVault returns nil when no passphrase is configured.
func newVault(cfg Config, st secrets.Store) (*secrets.AESVault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, nil
	}
	return secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
}

// buildRuntime wires store, audit log, event bus, tracing and the App.
// The App owns the store and bus once built.
func buildRuntime(ctx context.Context, cfg Config) (*runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := newLogger(cfg, os.Stderr)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bus, err := newBus(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, store: st, audit: store.NewAuditLog(st, logger.With("module", "audit"))}

	opts := app.Options{
		Store:         st,
		Capabilities:  actions.LoggingCapabilities(logger.With("module", "actions")),
		Bus:           bus,
		Notifier:      rt.audit,
		Engine:        cfg.engineConfig(),
		Workers:       cfg.Workers,
		SweepInterval: cfg.SweepInterval.std(),
		SeedTemplates: cfg.SeedTemplates,
		Logger:        logger,
	}
	brk := cfg.breakerConfig()
	opts.Breaker = &brk

	vault, err := newVault(cfg, st)
	if err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if vault != nil {
		rt.vault = vault
		opts.Vault = vault
	}

	if cfg.Tracing {
		tracer, shutdown, err := newTracer(ctx, cfg.ServiceName)
		if err != nil {
			_ = bus.Close()
			_ = st.Close()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		opts.Tracer = tracer
		rt.shutdownTracing = shutdown
	}

	a, err := app.New(opts)
	if err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, err
	}
	rt.app = a
	return rt, nil
}

// Close shuts the App (and with it the bus and store) and flushes traces.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if r.app != nil {
		errs = append(errs, r.app.Close())
	}
	if r.shutdownTracing != nil {
		errs = append(errs, r.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
