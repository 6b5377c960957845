// Command permit-server puts the permit engine in front of a demo Fiber (or
// net/http) application. Every request is authorized from the method, path
// and X-Tenant-ID / X-Actor-ID headers.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	phlog "github.com/oarkflow/log"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/permit"
	"github.com/oarkflow/permit/fiberauth"
	"github.com/oarkflow/permit/stores"
)

func main() {
	if err := run(); err != nil {
		phlog.Error().Str("err", err.Error()).Msg("permit-server stopped")
		os.Exit(1)
	}
}

// run returns once the server has stopped and every store is closed.
func run() error {
	var (
		source    = flag.String("rules", "rules.yaml", "rule file (.yaml, .json, .rules) or SQLite database (.db)")
		addr      = flag.String("addr", ":3000", "listen address")
		redisAddr = flag.String("redis", "", "optional redis address for the shared rule cache")
		cacheTTL  = flag.Duration("cache-ttl", 30*time.Second, "rule cache ttl, 0 disables")
		plainHTTP = flag.Bool("nethttp", false, "serve with net/http instead of fiber")
	)
	flag.Parse()

	eng, cleanup, err := buildEngine(*source, *redisAddr, *cacheTTL)
	if err != nil {
		return fmt.Errorf("engine setup from %s: %w", *source, err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *plainHTTP {
		return serveHTTP(ctx, eng, *addr)
	}
	return serveFiber(ctx, eng, *addr)
}

// buildEngine wires the configured rule source behind the optional caches.
func buildEngine(source, redisAddr string, ttl time.Duration) (*permit.Engine, func(), error) {
	var (
		store    permit.RuleStore
		opts     []permit.EngineOption
		closers  []func()
		cleanupF = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	switch strings.ToLower(filepath.Ext(source)) {
	case ".db", ".sqlite", ".sqlite3":
		sqlDB, err := sql.Open("sqlite", source)
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		closers = append(closers, func() { _ = sqlDB.Close() })
		db := squealx.NewDb(sqlDB, "sqlite", "permit")
		if err := stores.Migrate(db); err != nil {
			cleanupF()
			return nil, nil, err
		}
		store = stores.NewSQLRuleStore(db)
		opts = append(opts, permit.WithAuditStore(stores.NewSQLAuditStore(db)))
	default:
		cfg, err := permit.LoadConfigFile(source)
		if err != nil {
			return nil, nil, err
		}
		engineOpts, err := cfg.Engine.Options()
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, engineOpts...)
		if d := cfg.Engine.RuleCacheDuration(); d > 0 {
			ttl = d
		}
		store = cfg.Store()
		opts = append(opts, permit.WithAuditStore(stores.NewMemoryAuditStore()))
	}

	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		closers = append(closers, func() { _ = client.Close() })
		store = stores.NewRedisRuleStore(client, store, ttl)
	}
	if ttl > 0 {
		cached, err := stores.NewCachedRuleStore(store, ttl, 0)
		if err != nil {
			cleanupF()
			return nil, nil, err
		}
		closers = append(closers, cached.Close)
		store = cached
	}

	eng, err := permit.NewEngine(store, opts...)
	if err != nil {
		cleanupF()
		return nil, nil, err
	}
	// the engine flushes audit entries before the stores close
	closers = append(closers, func() { _ = eng.Close() })
	return eng, cleanupF, nil
}

func serveFiber(ctx context.Context, eng *permit.Engine, addr string) error {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberauth.New(fiberauth.Options{Engine: eng}))
	app.All("/*", func(c *fiber.Ctx) error {
		return c.JSON(c.Locals(fiberauth.DecisionKey))
	})

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()
	phlog.Info().Str("addr", addr).Msg("permit-server listening (fiber)")
	return app.Listen(addr)
}

func serveHTTP(ctx context.Context, eng *permit.Engine, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		d, _ := permit.DecisionFromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           permit.NewHTTPMiddleware(eng, permit.HTTPOptions{})(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	phlog.Info().Str("addr", addr).Msg("permit-server listening (net/http)")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
