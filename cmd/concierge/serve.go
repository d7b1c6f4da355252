package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rahul/concierge/internal/agent"
	"github.com/rahul/concierge/internal/drafts"
	"github.com/rahul/concierge/internal/gateway"
	"github.com/rahul/concierge/internal/governance"
	"github.com/rahul/concierge/internal/observability"
	"github.com/rahul/concierge/internal/store"
	"github.com/rahul/concierge/internal/tools"
	"github.com/rahul/concierge/pkg/config"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Default safety rules: block dangerous destructive commands.
var defaultDeniedArguments = []string{`rm\s+-rf`, `mkfs`, `shutdown`, `reboot`}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant on the configured chat gateways",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	st, err := store.NewStore(cfg.Memory.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	llm, err := newModel(cfg)
	if err != nil {
		return err
	}

	router := gateway.NewRouter()
	registry := newRegistry(cfg, st, router)

	gov, err := governance.NewPolicyEngine(cfg.Governance.DeniedTools,
		append(defaultDeniedArguments, cfg.Governance.DeniedArguments...))
	if err != nil {
		return err
	}

	logger := observability.NewLogger()
	prompts := agent.NewPromptManager(cfg.App.Prompts)
	planner := agent.NewLLMPlanner(llm, registry, st, prompts, logger)
	interpreter := agent.NewInterpreter(agent.NewLLMClassifier(llm, prompts, logger))

	orch := agent.NewOrchestrator(st, planner, registry, drafts.NewManager(st, registry),
		interpreter, gov, logger, cfg.Workflow)
	orch.Metrics = observability.NewMetrics(prometheus.DefaultRegisterer)

	var messengers []gateway.Messenger
	if tgCfg, ok := cfg.GetGatewayConfig("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(tgCfg.Token, orch)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		router.Add(gateway.TelegramPrefix, tg)
		messengers = append(messengers, tg)
	}
	if dcCfg, ok := cfg.GetGatewayConfig("discord"); ok {
		dc, err := gateway.NewDiscordGateway(dcCfg.Token, orch)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		router.Add(gateway.DiscordPrefix, dc)
		messengers = append(messengers, dc)
	}
	if len(messengers) == 0 {
		return errors.New("no chat gateway is enabled or token is missing")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Work a previous process left behind cannot be resumed safely.
	recovered, err := orch.Recover(ctx)
	if err != nil {
		log.Printf("Warning: recovery failed: %v", err)
	}
	for _, wf := range recovered {
		if err := router.Send(wf.SessionID, wf.Explanation); err != nil {
			log.Printf("Warning: could not notify %s: %v", wf.SessionID, err)
		}
	}

	scheduler := agent.NewScheduler(st, st, router, cfg.Workflow.DraftRetention.Std())
	go scheduler.Start(ctx)

	if cfg.App.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.App.MetricsAddr)
	}

	// Start Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	for _, m := range messengers {
		go func(m gateway.Messenger) {
			if err := m.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				stop() // stop caller if gateway dies
			}
		}(m)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	router.Stop()

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	// Give a short time for final logs/syncs
	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] CORE DE-INITIALIZED. GOODBYE.\033[0m")
	return nil
}

func newModel(cfg *config.Config) (llms.Model, error) {
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return nil, errors.New("no enabled provider found in config")
	}

	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		return openai.New(opts...)
	}
	return nil, fmt.Errorf("provider %s not yet implemented", pName)
}

// newRegistry builds the capability manifest. The kind each tool reports
// here decides whether it runs directly or behind a confirmation.
func newRegistry(cfg *config.Config, st *store.Store, messenger tools.Messenger) *tools.Registry {
	registry := tools.NewRegistry()

	searchTool, err := tools.NewSearchTool()
	if err != nil {
		log.Printf("Warning: Failed to initialize search tool: %v", err)
	} else {
		registry.Register(searchTool)
	}
	registry.Register(tools.NewScraperTool())
	registry.Register(tools.NewBrowserTool())

	for _, t := range tools.NewNotesTools(cfg.App.Workspace) {
		registry.Register(t)
	}
	registry.Register(tools.NewCalendarListTool(st))
	registry.Register(tools.NewCalendarCreateTool(st))
	registry.Register(tools.NewReminderTool(st))
	registry.Register(tools.NewReminderClearTool(st))
	registry.Register(tools.NewEmailTool(&tools.SMTPSender{
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		From:     cfg.Email.From,
	}))
	registry.Register(tools.NewChatTool(messenger))
	registry.Register(tools.NewShellTool(cfg.App.Workspace))
	return registry
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("Metrics server stopped: %v", err)
	}
}
