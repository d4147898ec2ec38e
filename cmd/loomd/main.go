package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tanglehq/loom/internal/api"
	"github.com/tanglehq/loom/internal/config"
	"github.com/tanglehq/loom/internal/eventbus"
	"github.com/tanglehq/loom/internal/exec"
	"github.com/tanglehq/loom/internal/gc"
	"github.com/tanglehq/loom/internal/idgen"
	"github.com/tanglehq/loom/internal/registry"
	"github.com/tanglehq/loom/internal/router"
	"github.com/tanglehq/loom/internal/schema"
	"github.com/tanglehq/loom/internal/store"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	bus := eventbus.NewBus(db)

	if err := bootstrapReserved(context.Background(), st); err != nil {
		log.Fatalf("bootstrap reserved entries: %v", err)
	}

	reg, err := registry.LoadDefault(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("load handler registry: %v", err)
	}

	executor := exec.New(reg, bus,
		exec.WithMaxConcurrent(cfg.MaxConcurrentHandlers),
		exec.WithHandlerTimeout(cfg.HandlerTimeout),
	)
	rt := router.New(reg, st, bus, router.WithExecutor(executor))

	sweeper := gc.New(st, bus,
		gc.WithStalenessWindow(cfg.StalenessWindow),
		gc.WithAccessCountFloor(cfg.AccessCountFloor),
		gc.WithEpisodicRetention(cfg.EpisodicRetention),
	)
	scheduler := gc.NewScheduler(sweeper, nil)

	serverCtx, serverCancel := context.WithCancel(context.Background())
	if err := scheduler.Start(serverCtx, gc.Cadences{
		Expiry:      cfg.ExpirySweepSpec,
		Staleness:   cfg.StalenessSweepSpec,
		FullRebuild: cfg.FullRebuildSpec,
	}); err != nil {
		log.Fatalf("start sweep scheduler: %v", err)
	}

	apiServer := &api.Server{
		Router:    rt,
		Store:     st,
		Sweeper:   sweeper,
		Bus:       bus,
		Registry:  reg,
		StartedAt: time.Now().UTC(),
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("loomd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

// bootstrapReserved seeds the reserved well-known entries if this is a
// fresh database. Existing records are left untouched.
func bootstrapReserved(ctx context.Context, st *store.Store) error {
	seeds := map[string]store.Entry{
		"mem-system-config": {
			Scope:     schema.ScopeGlobal,
			Type:      schema.TypeFactual,
			Content:   "system configuration anchor",
			Tags:      []string{"protected", "system"},
			Priority:  schema.PriorityCritical,
			CreatedBy: "bootstrap",
		},
		"mem-glossary": {
			Scope:     schema.ScopeGlobal,
			Type:      schema.TypeSemantic,
			Content:   "shared glossary anchor",
			Tags:      []string{"protected", "system"},
			Priority:  schema.PriorityCritical,
			CreatedBy: "bootstrap",
		},
	}
	for id, entry := range seeds {
		if !idgen.IsReserved(id) {
			continue
		}
		exists, err := st.Exists(ctx, id)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := st.Bootstrap(ctx, id, entry); err != nil {
			return err
		}
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
