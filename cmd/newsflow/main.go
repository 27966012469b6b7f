package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"newsflow/internal/api"
	"newsflow/internal/config"
	"newsflow/internal/job"
	"newsflow/internal/jobs/shell"
	"newsflow/internal/jobs/webhook"
	"newsflow/internal/pipeline"
	"newsflow/internal/scheduler"
	"newsflow/internal/store"
	"newsflow/internal/worker"
)

func main() {
	var (
		mode    = flag.String("mode", "all", "process role: scheduler | worker | pipeline | all")
		stage   = flag.String("stage", "", "pipeline stage to run (mode=pipeline); empty runs all stages")
		addr    = flag.String("addr", ":8080", "HTTP bind address (empty disables the API)")
		dbPath  = flag.String("db", "newsflow.db", "SQLite DB path")
		cfgPath = flag.String("config", "", "optional YAML config file")
		seed    = flag.Bool("seed", false, "insert the default task set if the table is empty")
	)
	flag.Parse()

	workerID := store.ProcessIdentity()
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout}).With().Str("worker_id", workerID).Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db, workerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *seed {
		if n, err := st.SeedDefaultTasks(ctx); err != nil {
			log.Fatal().Err(err).Msg("seed default tasks")
		} else if n > 0 {
			log.Info().Int("tasks", n).Msg("seeded default task set")
		}
	}

	reg := buildRegistry(cfg)
	log.Info().Strs("job_types", reg.TaskTypes()).Msg("job registry built")

	switch *mode {
	case "scheduler":
		go scheduler.New(st, cfg, log.Logger).Run(ctx)
	case "worker":
		go worker.NewPool(st, reg, cfg, log.Logger).Run(ctx)
	case "pipeline":
		if *stage != "" {
			w, err := pipeline.NewStageWorker(*stage, st, reg, cfg, log.Logger)
			if err != nil {
				log.Fatal().Err(err).Msg("start stage worker")
			}
			go w.Run(ctx)
		} else {
			go pipeline.NewRunner(st, reg, cfg, log.Logger).Run(ctx)
		}
	case "all":
		go scheduler.New(st, cfg, log.Logger).Run(ctx)
		go worker.NewPool(st, reg, cfg, log.Logger).Run(ctx)
		go pipeline.NewRunner(st, reg, cfg, log.Logger).Run(ctx)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}

	// Secondary processes on the same host run with -addr "" so only one
	// of them serves the API.
	var srv *http.Server
	if *addr != "" {
		srv = &http.Server{Addr: *addr, Handler: api.NewServer(st, reg, cfg)}
		go func() {
			log.Info().Str("addr", *addr).Str("mode", *mode).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// buildRegistry wires the configured job specs into an explicit registry.
// Task types without a spec stay unregistered and fail with "unknown job
// type" if something schedules them.
func buildRegistry(cfg *config.Config) *job.Registry {
	reg := job.NewRegistry()
	for taskType, spec := range cfg.Jobs {
		switch {
		case spec.Webhook != "":
			reg.Register(taskType, webhook.Job(spec.Webhook))
		case len(spec.Command) > 0:
			reg.Register(taskType, shell.Job(spec.Command[0], spec.Command[1:]...))
		default:
			log.Warn().Str("task_type", taskType).Msg("job spec has neither command nor webhook")
		}
	}
	for stg, spec := range cfg.Stages {
		switch {
		case spec.Webhook != "":
			reg.RegisterStage(stg, webhook.StageJob(spec.Webhook))
		case len(spec.Command) > 0:
			reg.RegisterStage(stg, shell.StageJob(spec.Command[0], spec.Command[1:]...))
		default:
			log.Warn().Str("stage", stg).Msg("stage spec has neither command nor webhook")
		}
	}
	return reg
}
