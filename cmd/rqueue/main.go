// Command rqueue runs the broker.
//
// Configuration comes from RQUEUE_* environment variables (and a .env file
// in the working directory); --port and --threads override them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/jackc/pgx/v5"

	"github.com/subnetmarco/rqueue"
)

func main() {
	cfg, err := rqueue.LoadConfig()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	flag.IntVar(&cfg.Threads, "threads", cfg.Threads, "number of worker goroutines")
	flag.Parse()

	cfg.Logger = rqueue.InitLogger(cfg.Level())

	// validate DSN early
	if cfg.PostgresDSN != "" {
		if _, err := pgx.ParseConfig(cfg.PostgresDSN); err != nil {
			cfg.Logger.Error("bad RQUEUE_PG_DSN", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if err := run(cfg); err != nil {
		cfg.Logger.Error("rqueue exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg rqueue.Config) error {
	svc, err := rqueue.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- svc.ListenAndServe(context.Background()) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	cfg.Logger.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulDrain+5*time.Second)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		return err
	}
	return <-errc
}
