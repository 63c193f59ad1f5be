// Navigator Dispatcher — маршрутизирует внешние события.
//
// Для каждого integrations:process-event ставит flow:create-run активным
// flows с подходящим trigger и agent:process-trigger ожидающим node.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/navigator/internal/app"
	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/dispatcher"
	"github.com/shaiso/navigator/internal/repo"
)

func main() {
	configFile := flag.String("config", "", "path to navigator.yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Start(ctx, app.Options{
		Service: "navigator-dispatcher",
		Config:  config.Options{File: *configFile},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "navigator-dispatcher:", err)
		os.Exit(1)
	}
	defer rt.Close()

	d, err := dispatcher.New(dispatcher.Config{
		Flows:       repo.NewFlowRepo(rt.Pool),
		Nodes:       repo.NewNodeRepo(rt.Pool),
		Queue:       rt.Queue,
		FanOut:      rt.Config.Dispatcher.FanOut,
		Concurrency: rt.Config.Dispatcher.Concurrency,
		Logger:      rt.Logger,
	})
	if err != nil {
		rt.Logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	d.RegisterHandlers(rt.Worker)

	if err := rt.Worker.Start(ctx); err != nil {
		rt.Logger.Error("failed to start queue worker", "error", err)
		os.Exit(1)
	}

	if err := rt.Serve(ctx, rt.Config.Ports.Dispatcher, nil); err != nil {
		rt.Logger.Error("server error", "error", err)
		cancel()
	}

	rt.Worker.Stop()
	rt.Logger.Info("navigator-dispatcher stopped")
}
