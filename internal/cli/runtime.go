package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/cascade/internal/actionlog"
	"github.com/roach88/cascade/internal/concept"
	"github.com/roach88/cascade/internal/config"
	"github.com/roach88/cascade/internal/demo"
	"github.com/roach88/cascade/internal/engine"
	"github.com/roach88/cascade/internal/eventing"
	"github.com/roach88/cascade/internal/ir"
	"github.com/roach88/cascade/internal/pgstore"
	"github.com/roach88/cascade/internal/store"
)

// closeTimeout bounds how long Close waits for queued stream events.
const closeTimeout = 5 * time.Second

// runtime is an engine wired to the configured journals: the SQLite store,
// an optional Postgres mirror and an optional Redis event stream.
type runtime struct {
	Engine *engine.Engine
	Store  *store.Store // nil when no database is configured

	pg     *pgstore.Store
	redis  *redis.Client
	events *eventing.Async
}

// openRuntime builds the engine with the demo concepts and rules, plus the
// rules under rulesDir when it is set. On error everything opened so far is
// closed again.
func openRuntime(ctx context.Context, opts *RootOptions, rulesDir string) (*runtime, error) {
	cfg := opts.Config
	logger := opts.Logger
	rt := &runtime{}
	ready := false
	defer func() {
		if !ready {
			rt.Close()
		}
	}()

	var err error

	var journals engine.MultiJournal
	log := actionlog.New()

	if cfg.Database != "" {
		rt.Store, err = store.Open(cfg.Database)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		// Continue the journal's seq so records from earlier runs keep
		// their order.
		last, err := rt.Store.LastSeq(ctx)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read journal", err)
		}
		log = actionlog.NewWithClock(actionlog.NewClockAt(last))
		journals = append(journals, rt.Store)
	}

	if cfg.PostgresURL != "" {
		rt.pg, err = pgstore.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to connect to postgres", err)
		}
		if err := rt.pg.Migrate(ctx); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to migrate postgres", err)
		}
		journals = append(journals, rt.pg)
	}

	if cfg.RedisURL != "" {
		rt.redis, err = eventing.ConnectRedis(cfg.RedisURL)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to configure redis", err)
		}
		stream := eventing.NewStream(rt.redis, cfg.RedisStream)
		if err := stream.Ping(ctx); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		rt.events = eventing.NewAsync(stream, logger)
		journals = append(journals, rt.events)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithLog(log),
		engine.WithMaxSteps(cfg.MaxSteps),
	}
	if len(journals) > 0 {
		engineOpts = append(engineOpts, engine.WithJournal(journals))
	}
	if cfg.Sweep.Mode == config.SweepFixpoint {
		engineOpts = append(engineOpts, engine.WithFixpoint(cfg.Sweep.MaxPasses))
	}

	reg := concept.NewRegistry()
	if _, err := demo.Register(reg); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register concepts", err)
	}
	rules, err := runtimeRules(rulesDir)
	if err != nil {
		return nil, err
	}

	rt.Engine = engine.New(reg, engineOpts...)
	if err := rt.Engine.RegisterAll(rules); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to register rules", err)
	}

	logger.Debug("runtime ready",
		"database", cfg.Database,
		"postgres", cfg.PostgresURL != "",
		"redis", cfg.RedisURL != "",
		"rules", len(rules),
	)
	ready = true
	return rt, nil
}

// runtimeRules returns the demo rules followed by the rules of dir.
func runtimeRules(dir string) ([]ir.SyncRule, error) {
	rules, err := demo.Rules()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to compile demo rules", err)
	}
	if dir == "" {
		return rules, nil
	}
	loaded, err := LoadRules(dir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load rules", err)
	}
	return append(rules, loaded.Rules...), nil
}

// Close drains the event stream and releases every journal.
func (rt *runtime) Close() error {
	var errs []error
	if rt.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		errs = append(errs, rt.events.Close(ctx))
		cancel()
	}
	if rt.redis != nil {
		errs = append(errs, rt.redis.Close())
	}
	if rt.pg != nil {
		rt.pg.Close()
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close runtime: %w", err)
	}
	return nil
}

// openStore opens the configured journal for reading.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Database == "" {
		return nil, NewExitError(ExitCommandError, "no database configured")
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	return st, nil
}
