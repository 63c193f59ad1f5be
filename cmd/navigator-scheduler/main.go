// Navigator Scheduler — регистрирует повторяющиеся служебные job.
//
// Лидер выбирается через pg_try_advisory_lock; остальные экземпляры
// ждут освобождения блокировки.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/navigator/internal/app"
	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/jobs"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/scheduler"
)

func main() {
	configFile := flag.String("config", "", "path to navigator.yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Start(ctx, app.Options{
		Service:  "navigator-scheduler",
		Config:   config.Options{File: *configFile},
		Repeater: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "navigator-scheduler:", err)
		os.Exit(1)
	}
	defer rt.Close()

	cfg := rt.Config

	sched, err := scheduler.New(scheduler.Config{
		Lock:     repo.NewAdvisoryLock(rt.Pool, cfg.Scheduler.LockKey),
		Queue:    rt.Queue,
		Repeater: rt.Repeater,
		Jobs: []scheduler.Job{{
			Queue:   jobs.QueueRecoverStalled,
			Name:    jobs.NameRecoverStalled,
			Payload: jobs.RecoverStalled{Limit: cfg.Orchestrator.RecoveryBatch},
			Every:   cfg.Scheduler.RecoveryInterval,
		}},
		Retry:  cfg.Scheduler.LockRetry,
		Logger: rt.Logger,
	})
	if err != nil {
		rt.Logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.Logger.Error("scheduler stopped", "error", err)
			cancel()
		}
	}()

	if err := rt.Serve(ctx, cfg.Ports.Scheduler, nil); err != nil {
		rt.Logger.Error("server error", "error", err)
		cancel()
	}
	<-done
	rt.Logger.Info("navigator-scheduler stopped")
}
