package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/gridweave/gridweave/engine/convert"
	"github.com/gridweave/gridweave/engine/model"
	"github.com/gridweave/gridweave/engine/service"
	"github.com/gridweave/gridweave/engine/topology"
	"github.com/gridweave/gridweave/pkg/config"
	"github.com/gridweave/gridweave/pkg/graphstore"
	"github.com/gridweave/gridweave/pkg/metrics"
	"github.com/gridweave/gridweave/pkg/mid"
	"github.com/gridweave/gridweave/pkg/resilience"
)

// runServe starts the NATS conversion worker plus an HTTP endpoint for
// health, metrics and the registry of converted systems.
func runServe(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "YAML config file (env overrides apply)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("gridweave-worker"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)

	reg := metrics.New()
	worker := service.NewWorker(logger,
		convert.NewPipeline(logger, convert.Default(logger, cfg.Workers)),
		service.Options{
			Subject: cfg.JobSubject,
			Limiter: resilience.NewLimiter(cfg.JobsPerSec, cfg.JobBurst),
			Store:   graphstore.New(driver, logger),
			Metrics: reg,
		})

	sub, err := worker.Start(nc)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.JobSubject, err)
	}
	defer sub.Drain()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /api/systems", handleSystems(worker.Systems()))
	mux.HandleFunc("GET /api/systems/{name}", handleSystem(worker.Systems()))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("gridweave"),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "port", cfg.HTTPPort, "subject", cfg.JobSubject)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleSystems(reg *service.SystemRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"systems": reg.Names()})
	}
}

func handleSystem(reg *service.SystemRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sys, ok := reg.Get(r.PathValue("name"))
		if !ok {
			http.Error(w, `{"error":"unknown system"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := sys.SaveJSON(w); err != nil {
			http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		}
	}
}

// runExportGraph mirrors a saved canonical model into Neo4j.
func runExportGraph(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("export-graph", flag.ExitOnError)
	input := fs.String("input", "", "canonical JSON model file")
	url := fs.String("neo4j-url", "neo4j://localhost:7687", "Neo4j bolt URL")
	user := fs.String("neo4j-user", "neo4j", "Neo4j user")
	pass := fs.String("neo4j-pass", "password", "Neo4j password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		fs.Usage()
		return fmt.Errorf("export-graph needs -input")
	}

	f, err := os.Open(*input)
	if err != nil {
		return err
	}
	sys, err := model.LoadJSON(f)
	f.Close()
	if err != nil {
		return err
	}
	topology.Apply(sys)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(*url, neo4j.BasicAuth(*user, *pass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)

	store := graphstore.New(driver, logger)
	if err := store.MirrorSystem(ctx, sys); err != nil {
		return err
	}
	nodes, rels, err := store.Stats(ctx, sys.Name)
	if err != nil {
		return err
	}
	logger.Info("graph exported", "system", sys.Name, "nodes", nodes, "relationships", rels)
	return nil
}
