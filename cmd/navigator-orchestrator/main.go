// Navigator Orchestrator — исполняет runs.
//
// Orchestrator:
//   - Создаёт runs из flow:create-run
//   - Продвигает node по agent:advance-node (решение агента, действия в браузере)
//   - Возобновляет node по событиям и ответам пользователя
//   - Останавливает runs и восстанавливает зависшие node (base:recover-stalled)
//
// С queue.backend=memory процесс также обрабатывает integrations:process-event,
// так как память очередей не разделяется между процессами.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/shaiso/navigator/internal/actions"
	"github.com/shaiso/navigator/internal/agent"
	"github.com/shaiso/navigator/internal/app"
	"github.com/shaiso/navigator/internal/browser"
	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/dispatcher"
	"github.com/shaiso/navigator/internal/llm"
	"github.com/shaiso/navigator/internal/orchestrator"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
)

func main() {
	configFile := flag.String("config", "", "path to navigator.yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.Start(ctx, app.Options{
		Service: "navigator-orchestrator",
		Config:  config.Options{File: *configFile},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "navigator-orchestrator:", err)
		os.Exit(1)
	}
	defer rt.Close()

	cfg := rt.Config
	logger := rt.Logger

	// LLM: OpenAI-совместимый клиент с повторами и лимитом запросов.
	var client llm.Client = llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout,
		Logger:  logger,
	})
	client = llm.NewRetryingClient(client, llm.RetryConfig{
		MaxRetries:      cfg.LLM.MaxRetries,
		InitialInterval: cfg.LLM.RetryInterval,
		MaxInterval:     cfg.LLM.RetryMaxBackoff,
	}, logger)
	if cfg.LLM.RateLimit > 0 {
		client = llm.NewRateLimitedClient(client, rate.Limit(cfg.LLM.RateLimit), cfg.LLM.RateBurst)
	}

	agents := agent.NewRegistry()
	agents.Register(agent.NewLLMAgent(agent.LLMConfig{
		Client:       client,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		MaxDepth:     cfg.LLM.MaxDepth,
		HistoryLimit: cfg.LLM.HistoryLimit,
		Logger:       logger,
	}))

	browsers := browser.NewManager(browser.Config{
		CDPURL:      cfg.Browser.CDPURL,
		ChromePath:  cfg.Browser.ChromePath,
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.Browser.UserDataDir,
		SessionTTL:  cfg.Browser.SessionTTL,
		Logger:      logger,
	})
	defer browsers.Close()

	flows := repo.NewFlowRepo(rt.Pool)
	nodes := repo.NewNodeRepo(rt.Pool)

	orch, err := orchestrator.New(orchestrator.Config{
		Flows:    flows,
		Runs:     repo.NewRunRepo(rt.Pool),
		Nodes:    nodes,
		Messages: repo.NewMessageRepo(rt.Pool),
		Queue:    rt.Queue,
		Agents:   agents,
		Browser:  browsers,
		Actions: actions.NewDefaultRegistry(actions.Config{
			ActionTimeout: cfg.Browser.ActionTimeout,
			FetchTimeout:  cfg.Browser.FetchTimeout,
			Screenshots:   cfg.Browser.Screenshots,
		}),
		WorkerID:      cfg.Orchestrator.WorkerID,
		LeaseTTL:      cfg.Orchestrator.LeaseTTL,
		MaxSteps:      cfg.Orchestrator.MaxSteps,
		ActionRetries: cfg.Orchestrator.ActionRetries,
		ActionBackoff: cfg.Orchestrator.ActionBackoff,
		JobAttempts:   cfg.Queue.Attempts,
		StopCacheSize: cfg.Orchestrator.StopCacheSize,
		StalledAfter:  cfg.Orchestrator.StalledAfter,
		RecoveryBatch: cfg.Orchestrator.RecoveryBatch,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create orchestrator", "error", err)
		os.Exit(1)
	}

	orch.RegisterHandlers(rt.Worker)
	rt.Worker.SetConcurrency(queue.Flow, cfg.Queue.FlowConcurrency)
	rt.Worker.SetConcurrency(queue.Agent, cfg.Queue.AgentConcurrency)

	if cfg.Queue.Backend == "memory" {
		d, err := dispatcher.New(dispatcher.Config{
			Flows:       flows,
			Nodes:       nodes,
			Queue:       rt.Queue,
			FanOut:      cfg.Dispatcher.FanOut,
			Concurrency: cfg.Dispatcher.Concurrency,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("failed to create dispatcher", "error", err)
			os.Exit(1)
		}
		d.RegisterHandlers(rt.Worker)
	}

	if err := rt.Worker.Start(ctx); err != nil {
		logger.Error("failed to start queue worker", "error", err)
		os.Exit(1)
	}

	if err := rt.Serve(ctx, cfg.Ports.Orchestrator, nil); err != nil {
		logger.Error("server error", "error", err)
		cancel()
	}

	rt.Worker.Stop()
	logger.Info("navigator-orchestrator stopped")
}
