package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/programme-lv/judge/internal/callback"
	"github.com/programme-lv/judge/internal/config"
	"github.com/programme-lv/judge/internal/execute"
	"github.com/programme-lv/judge/internal/fanout"
	"github.com/programme-lv/judge/internal/httpserver"
	"github.com/programme-lv/judge/internal/language"
	"github.com/programme-lv/judge/internal/queue"
	"github.com/programme-lv/judge/internal/ratelimit"
	"github.com/programme-lv/judge/internal/sandbox"
	"github.com/programme-lv/judge/internal/submission"
	"github.com/programme-lv/judge/internal/worker"
)

func main() {
	root := &cli.Command{
		Name:  "judge",
		Usage: "code execution and judging service",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Commands: []*cli.Command{
			{
				Name:   "server",
				Usage:  "run the submission API",
				Action: runServer,
			},
			{
				Name:  "worker",
				Usage: "run a judging worker",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "jobs judged in parallel"},
				},
				Action: runWorker,
			},
			{
				Name:  "all",
				Usage: "run API and worker in one process",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "jobs judged in parallel"},
					&cli.BoolFlag{Name: "follow", Usage: "print lifecycle updates for every submission to the terminal"},
				},
				Action: runAll,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cmd *cli.Command) *slog.Logger {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (submission.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return submission.NewMemStore(), nil
	}
	return submission.NewPgStore(ctx, cfg.DatabaseURL)
}

// brokerQueue is any backend usable for both publishing and consuming.
type brokerQueue interface {
	queue.Publisher
	queue.Consumer
}

func openQueue(ctx context.Context, cfg config.Config, log *slog.Logger) (brokerQueue, error) {
	switch cfg.QueueDriver {
	case "memory":
		log.Warn("using in-memory queue, API and worker must share one process")
		return queue.NewMemQueue(256), nil
	case "nats":
		return queue.NewNatsQueue(cfg.NATSURL, cfg.NATSStream, cfg.NATSSubject)
	case "sqs":
		return queue.NewSqsQueue(ctx, cfg.AWSRegion, cfg.SQSQueueURL)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd)
	cfg := config.Load()

	langs, err := language.LoadRegistry(cfg.LanguagesFile)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := openQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	hub := fanout.NewHub(log, cfg.CacheTTL)
	defer hub.Close()
	if cfg.QueueDriver == "nats" {
		// Workers run elsewhere; relay their frames into this hub.
		bridge, err := fanout.NewNatsBridge(cfg.NATSURL, cfg.NATSEvents, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		if err := bridge.RelayTo(hub); err != nil {
			return err
		}
	}
	limiter := ratelimit.New(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitShards)
	defer limiter.Stop()

	svc := submission.NewService(store, q, langs, cfg, log)
	srv := httpserver.New(cfg, svc, hub, langs, limiter, log)
	return srv.Run(ctx)
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd)
	cfg := config.Load()

	langs, err := language.LoadRegistry(cfg.LanguagesFile)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := openQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	exec, err := sandbox.NewLocalExecutor(cfg.Workspace)
	if err != nil {
		return err
	}

	hub := fanout.NewHub(log, cfg.CacheTTL)
	defer hub.Close()
	var events worker.Broadcaster = hub
	if cfg.QueueDriver == "nats" {
		// Subscribers live on the API process; publish frames there.
		bridge, err := fanout.NewNatsBridge(cfg.NATSURL, cfg.NATSEvents, log)
		if err != nil {
			return err
		}
		defer bridge.Close()
		events = bridge
	}

	orch := execute.NewOrchestrator(exec, log, cfg.NetworkIsolation)
	actor := worker.NewActor(store, orch, events, callback.NewClient(log), langs, cfg.ExecutionHost, log)
	dispatcher := worker.NewDispatcher(q, worker.NewRegistry(actor), int(cmd.Int("concurrency")), log)

	log.Info("worker started", slog.String("host", cfg.ExecutionHost))
	return dispatcher.Run(ctx)
}

func runAll(ctx context.Context, cmd *cli.Command) error {
	log := newLogger(cmd)
	cfg := config.Load()

	langs, err := language.LoadRegistry(cfg.LanguagesFile)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	q, err := openQueue(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer q.Close()

	exec, err := sandbox.NewLocalExecutor(cfg.Workspace)
	if err != nil {
		return err
	}
	hub := fanout.NewHub(log, cfg.CacheTTL)
	defer hub.Close()
	limiter := ratelimit.New(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitShards)
	defer limiter.Stop()

	svc := submission.NewService(store, q, langs, cfg, log)
	if cmd.Bool("follow") {
		svc.OnCreate(func(token string) {
			hub.Subscribe(token, fanout.NewTermSubscriber("term-"+token))
		})
	}
	srv := httpserver.New(cfg, svc, hub, langs, limiter, log)

	orch := execute.NewOrchestrator(exec, log, cfg.NetworkIsolation)
	actor := worker.NewActor(store, orch, hub, callback.NewClient(log), langs, cfg.ExecutionHost, log)
	dispatcher := worker.NewDispatcher(q, worker.NewRegistry(actor), int(cmd.Int("concurrency")), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	return g.Wait()
}
