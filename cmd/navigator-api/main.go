// Navigator API — HTTP-интерфейс к flows и runs.
//
// API не меняет runs напрямую: запуск, остановка, ответы пользователя
// и события ставятся в очереди и исполняются navigator-orchestrator
// и navigator-dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/navigator/internal/api"
	"github.com/shaiso/navigator/internal/app"
	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/repo"
)

func main() {
	configFile := flag.String("config", "", "path to navigator.yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Start(ctx, app.Options{
		Service: "navigator-api",
		Config:  config.Options{File: *configFile},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "navigator-api:", err)
		os.Exit(1)
	}
	defer rt.Close()

	handler, err := api.NewHandler(api.Config{
		Flows:    repo.NewFlowRepo(rt.Pool),
		Runs:     repo.NewRunRepo(rt.Pool),
		Nodes:    repo.NewNodeRepo(rt.Pool),
		Messages: repo.NewMessageRepo(rt.Pool),
		Queue:    rt.Queue,
		Logger:   rt.Logger,
	})
	if err != nil {
		rt.Logger.Error("failed to create api handler", "error", err)
		os.Exit(1)
	}

	if err := rt.Serve(ctx, rt.Config.Ports.API, handler.RegisterRoutes); err != nil {
		rt.Logger.Error("server error", "error", err)
	}
	rt.Logger.Info("navigator-api stopped")
}
