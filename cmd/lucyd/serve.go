package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/channels"
	"github.com/lucydhq/lucyd/internal/config"
	"github.com/lucydhq/lucyd/internal/cost"
	"github.com/lucydhq/lucyd/internal/dispatch"
	"github.com/lucydhq/lucyd/internal/gateway"
	"github.com/lucydhq/lucyd/internal/observability"
	"github.com/lucydhq/lucyd/internal/providers"
	"github.com/lucydhq/lucyd/internal/queue"
	"github.com/lucydhq/lucyd/internal/security"
	"github.com/lucydhq/lucyd/internal/session"
	"github.com/lucydhq/lucyd/internal/tools/files"
	"github.com/lucydhq/lucyd/internal/tools/message"
	"github.com/lucydhq/lucyd/internal/tools/shell"
	"github.com/lucydhq/lucyd/internal/tools/subagent"
	"github.com/lucydhq/lucyd/pkg/models"
)

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lucyd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	ledger := cost.NewLedger(cfg.CostDBPath())
	if err := ledger.Init(ctx); err != nil {
		return fmt.Errorf("init cost ledger: %w", err)
	}

	store, err := session.NewStore(cfg.SessionsDir(), logger)
	if err != nil {
		return err
	}

	bindings, err := buildBindings(cfg)
	if err != nil {
		return err
	}
	primary := bindings[dispatch.DefaultRoute]

	q := queue.New(cfg.QueueCapacity, metrics)

	channelRegistry := channels.NewRegistry()
	var telegram *channels.Telegram
	if cfg.Channels.Telegram.Token != "" {
		telegram, err = channels.NewTelegram(cfg.Channels.Telegram, q, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		channelRegistry.Register(telegram)
	}

	registry, scheduler, err := buildToolRegistry(cfg, channelRegistry, bindings, ledger, logger, metrics)
	if err != nil {
		return err
	}

	summarizer := primary
	if b, ok := bindings["summarizer"]; ok {
		summarizer = b
	}
	compactor := session.NewCompactor(summarizer.Provider, store,
		cfg.Agent.SummaryInstruction, cfg.Agent.CompactionThreshold, logger, metrics)

	dispatcher, err := dispatch.New(dispatch.Options{
		Queue:     q,
		Store:     store,
		Registry:  registry,
		Bindings:  bindings,
		Routes:    cfg.Models.Routes,
		Builder:   newContextBuilder(cfg.AgentName, store),
		Compactor: compactor,
		Ledger:    ledger,
		Channels:  channelRegistry,
		Config: dispatch.Config{
			MaxTurns:       cfg.Agent.MaxTurns,
			MaxCost:        cfg.Agent.MaxCost,
			PerCallTimeout: cfg.Agent.PerCallTimeout,
			ErrorMessage:   cfg.Agent.ErrorMessage,
			MonitorPath:    cfg.MonitorPath(),
			WebhookURL:     cfg.WebhookURL,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	server := gateway.NewServer(cfg.Gateway, q, store, ledger, logger, metrics)

	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 3)
	go func() { errCh <- server.Start(ctx) }()
	go func() { errCh <- dispatcher.Run(ctx) }()
	if telegram != nil {
		go func() { errCh <- telegram.Start(ctx) }()
	}

	logger.Info(ctx, "lucyd started", "state_dir", cfg.StateDir, "version", version)

	var firstErr error
	select {
	case firstErr = <-errCh:
		stop()
	case <-ctx.Done():
	}

	// Give in-flight work a moment, then snapshot everything.
	time.Sleep(200 * time.Millisecond)
	for _, sess := range store.Active() {
		if err := store.SaveState(sess); err != nil {
			logger.Warn(ctx, "final snapshot failed", "session_id", sess.ID, "error", err)
		}
	}

	if firstErr != nil && firstErr != context.Canceled {
		return firstErr
	}
	return nil
}

// buildBindings creates one provider instance per named model.
func buildBindings(cfg *config.Config) (map[string]dispatch.ModelBinding, error) {
	bindings := make(map[string]dispatch.ModelBinding, len(cfg.Models.Named))
	for name, model := range cfg.Models.Named {
		provider, err := providers.New(cfg.Providers[model.Provider])
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", name, err)
		}
		bindings[name] = dispatch.ModelBinding{Provider: provider, Rates: model.Rates}
	}
	return bindings, nil
}

// buildToolRegistry assembles the full tool set: filesystem tools behind
// the allowlist, the shell tool, messaging tools, and the sub-agent
// spawner.
func buildToolRegistry(
	cfg *config.Config,
	channelRegistry *channels.Registry,
	bindings map[string]dispatch.ModelBinding,
	ledger *cost.Ledger,
	logger *observability.Logger,
	metrics *observability.Metrics,
) (*agent.Registry, *message.Scheduler, error) {
	registry := agent.NewRegistry(logger, cfg.Tools.TruncateAt)

	allow, err := security.NewAllowlist(cfg.Tools.Allowlist)
	if err != nil {
		return nil, nil, fmt.Errorf("allowlist: %w", err)
	}
	registry.RegisterMany(files.Tools(allow))
	registry.Register(shell.Tool(cfg.Tools.Shell, logger))

	scheduler := message.NewScheduler(func(ctx context.Context, channel, contact, text string) error {
		return channelRegistry.Send(ctx, channel, contact, text)
	}, logger)
	defaultChannel := ""
	if names := channelRegistry.Names(); len(names) > 0 {
		defaultChannel = names[0]
	}
	registry.RegisterMany(message.Tools(channelRegistry, defaultChannel, scheduler))

	subBinding := bindings[dispatch.DefaultRoute]
	if cfg.Subagent.Model != "" {
		if b, ok := bindings[cfg.Subagent.Model]; ok {
			subBinding = b
		}
	}
	subCfg := cfg.Subagent
	subCfg.Contacts = contactNames(cfg)
	spawner := subagent.NewSpawner(subBinding.Provider, registry, ledger, subBinding.Rates, subCfg, logger, metrics)
	registry.Register(spawner.Tool())

	return registry, scheduler, nil
}

func contactNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Channels.Telegram.Contacts))
	for name := range cfg.Channels.Telegram.Contacts {
		names = append(names, name)
	}
	return names
}

// contextBuilder assembles the system prompt: a stable identity block,
// a dynamic clock block, and a recall block when the session is new.
type contextBuilder struct {
	agentName string
	store     *session.Store
}

func newContextBuilder(agentName string, store *session.Store) *contextBuilder {
	return &contextBuilder{agentName: agentName, store: store}
}

func (b *contextBuilder) Build(ctx context.Context, tier string, sess *session.Session) []models.SystemBlock {
	blocks := []models.SystemBlock{
		{
			Tier: models.TierStable,
			Text: fmt.Sprintf("You are %s, a personal assistant reachable over chat and HTTP. Be concise. Use the available tools when they help.", b.agentName),
		},
	}
	if len(sess.Messages) == 0 {
		if recall := b.store.BuildRecall(sess.Contact, b.agentName, 10); recall != "" {
			blocks = append(blocks, models.SystemBlock{Tier: models.TierSemiStable, Text: recall})
		}
	}
	blocks = append(blocks, models.SystemBlock{
		Tier: models.TierDynamic,
		Text: fmt.Sprintf("Current time: %s. Conversation tier: %s.", time.Now().Format(time.RFC1123), tierOrDefault(tier)),
	})
	return blocks
}

func tierOrDefault(tier string) string {
	if tier == "" {
		return "standard"
	}
	return tier
}
