package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/emanueleielo/ciana-parrot/internal/agent"
	"github.com/emanueleielo/ciana-parrot/internal/agent/tools"
	"github.com/emanueleielo/ciana-parrot/internal/bridge"
	"github.com/emanueleielo/ciana-parrot/internal/gateway"
	"github.com/emanueleielo/ciana-parrot/internal/router"
	"github.com/emanueleielo/ciana-parrot/internal/scheduler"
	"github.com/emanueleielo/ciana-parrot/internal/state"
	"github.com/emanueleielo/ciana-parrot/internal/telegram"
	"github.com/emanueleielo/ciana-parrot/internal/types"
	"github.com/emanueleielo/ciana-parrot/pkg/llm"
	"github.com/emanueleielo/ciana-parrot/pkg/llm/anthropic"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.Agent.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	provider := anthropic.New(&llm.Config{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
	})

	taskStore := state.NewTaskStore(cfg.Scheduler.DataFile)

	registry := agent.NewRegistry()
	registry.Register(tools.NewSchedule(taskStore))
	registry.Register(tools.NewListTasks(taskStore))
	registry.Register(tools.NewCancelTask(taskStore))

	if cfg.Gateway.URL != "" {
		client := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.Token)
		registry.Register(tools.NewHostExecute(client, cfg.BridgeCommands(), cfg.Gateway.DefaultTimeout))
	}

	rt := agent.New(provider, registry, agent.Config{
		DataDir:      cfg.Agent.DataDir,
		SystemPrompt: loadSystemPrompt(cfg.Agent.Workspace),
		MaxRounds:    cfg.Agent.MaxToolIterations,
		ModelTiers:   cfg.Provider.ModelTiers,
	})

	var bridgeMgr *bridge.Manager
	if cfg.ClaudeCode.Enabled {
		var err error
		bridgeMgr, err = bridge.NewManager(bridge.Config{
			CLIPath:        cfg.ClaudeCode.CLIPath,
			ProjectsDir:    cfg.ClaudeCode.ProjectsDir,
			PermissionMode: cfg.ClaudeCode.PermissionMode,
			Timeout:        cfg.ClaudeCode.Timeout,
			StateFile:      cfg.ClaudeCode.StateFile,
			GatewayURL:     cfg.Gateway.URL,
			GatewayToken:   cfg.Gateway.Token,
			GatewayBridge:  cfg.ClaudeCode.GatewayBridge,
		})
		if err != nil {
			return fmt.Errorf("create bridge manager: %w", err)
		}
	}

	policies := map[string]router.ChannelPolicy{
		telegram.ChannelName: {
			Trigger:      cfg.Channels.Telegram.Trigger,
			AllowedUsers: cfg.Channels.Telegram.AllowedUsers,
		},
	}

	rtr, err := router.New(rt, policies, cfg.Agent.DataDir)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	// Reconcile reset counters before serving so restored backups cannot
	// collide with future thread ids.
	rtr.SyncCounters(rt)

	channels := make(map[string]types.Channel)
	var tg *telegram.Channel
	if cfg.Channels.Telegram.Enabled {
		tg, err = telegram.New(cfg.Channels.Telegram.Token, bridgeMgr)
		if err != nil {
			return fmt.Errorf("create telegram channel: %w", err)
		}
		tg.OnMessage(rtr.HandleMessage)
		channels[tg.Name()] = tg
	} else {
		slog.Warn("telegram channel disabled")
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(taskStore, rt, channels, time.Duration(cfg.Scheduler.PollInterval)*time.Second)
		sched.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("cianaparrot started",
		"data_dir", cfg.Agent.DataDir,
		"model", cfg.Provider.Model,
		"scheduler", cfg.Scheduler.Enabled,
		"bridge", cfg.ClaudeCode.Enabled,
	)

	g, gctx := errgroup.WithContext(ctx)
	if tg != nil {
		g.Go(func() error { return tg.Start(gctx) })
	}

	<-gctx.Done()
	slog.Info("shutting down")

	if tg != nil {
		tg.Stop()
	}
	if sched != nil {
		sched.Stop()
	}
	return g.Wait()
}

// loadSystemPrompt reads the optional system prompt from the workspace.
func loadSystemPrompt(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, "system_prompt.md"))
	if err != nil {
		return ""
	}
	return string(data)
}
