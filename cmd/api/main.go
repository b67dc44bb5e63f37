// Package main is the entry point for the support desk server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/agent"
	"github.com/capitalize-ai/support-desk/internal/background"
	"github.com/capitalize-ai/support-desk/internal/config"
	"github.com/capitalize-ai/support-desk/internal/discord"
	"github.com/capitalize-ai/support-desk/internal/handler"
	"github.com/capitalize-ai/support-desk/internal/llm"
	natsclient "github.com/capitalize-ai/support-desk/internal/nats"
	"github.com/capitalize-ai/support-desk/internal/notify"
	"github.com/capitalize-ai/support-desk/internal/search"
	"github.com/capitalize-ai/support-desk/internal/service"
	"github.com/capitalize-ai/support-desk/internal/store"
	"github.com/capitalize-ai/support-desk/internal/tools"
	"github.com/capitalize-ai/support-desk/pkg/logger"
	"github.com/capitalize-ai/support-desk/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "support-desk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting support desk",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, "support-desk", cfg.Tracing.Endpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	queue := background.NewQueue(background.Options{Logger: log})

	model, err := llm.NewClient(llm.Config{
		Provider:   llm.Provider(cfg.LLM.Provider),
		APIKey:     providerKey(cfg),
		BaseURL:    cfg.LLM.OpenAIBaseURL,
		Model:      cfg.LLM.Model,
		EmbedModel: cfg.LLM.EmbedModel,
		MaxTokens:  cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	var embedder llm.Embedder
	if e, ok := model.(llm.Embedder); ok && cfg.LLM.EmbedModel != "" {
		embedder = e
	}
	if cfg.Docs.Dir != "" {
		if _, err := search.NewIndexer(st, embedder, log).ImportDir(ctx, cfg.Docs.Dir); err != nil {
			log.Warn("failed to import knowledge base", zap.String("dir", cfg.Docs.Dir), zap.Error(err))
		}
	}
	searcher := search.NewSearcher(st, embedder, log)

	// Interfaces stay nil unless the backing service is configured.
	var (
		events      tools.EventPublisher
		eventSource handler.EventSource
		natsPing    handler.Pinger
	)
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATS.URL,
			CAFile:   cfg.NATS.CAFile,
			CertFile: cfg.NATS.CertFile,
			KeyFile:  cfg.NATS.KeyFile,
			Token:    cfg.NATS.Token,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()

		streams := natsclient.NewStreamManager(nc)
		if err := streams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		events, eventSource, natsPing = streams, streams, nc
	}

	var (
		bot       *discord.Bot
		deliverer tools.ReplyDeliverer
		notifiers []tools.EscalationNotifier
	)
	if cfg.Discord.Token != "" {
		bot, err = discord.New(discord.Options{
			Token:     cfg.Discord.Token,
			Store:     st,
			Model:     model,
			ModelName: cfg.LLM.Model,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		deliverer = bot
		notifiers = append(notifiers, bot)
	}
	if cfg.Slack.BotToken != "" {
		slack, err := notify.NewSlack(notify.SlackOptions{
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.EscalationChannel,
			Tickets:   st,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		notifiers = append(notifiers, slack)
	}

	dispatcher, err := tools.NewDispatcher(tools.Options{
		Store:     st,
		Searcher:  searcher,
		Deliverer: deliverer,
		Notifier:  notify.NewMulti(log, notifiers...),
		Events:    events,
		Queue:     queue,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	registry := agent.NewRegistry(agent.RegistryOptions{
		Store:        st,
		Model:        model,
		Dispatcher:   dispatcher,
		SystemPrompt: agent.LoadSystemPrompt(cfg.Agent.SystemPromptFile),
		ModelName:    cfg.LLM.Model,
		MaxRounds:    cfg.Agent.MaxRounds,
		MaxTokens:    cfg.LLM.MaxTokens,
		Logger:       log,
	})

	var evictor *cron.Cron
	if cfg.Agent.IdleTTL > 0 && cfg.Agent.EvictSchedule != "" {
		evictor, err = registry.ScheduleEviction(cfg.Agent.EvictSchedule, cfg.Agent.IdleTTL)
		if err != nil {
			return err
		}
	}

	tickets := service.NewTicketService(st, log)
	messages := service.NewMessageService(registry, st, events, log)

	if bot != nil {
		if err := bot.Start(ctx, messages); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handler.NewRouter(handler.RouterOptions{
			Tickets:     handler.NewTicketHandler(tickets, messages, log),
			Events:      handler.NewEventHandler(eventSource, tickets, log),
			Health:      handler.NewHealthHandler(st, natsPing),
			JWTSecret:   cfg.Auth.JWTSecret,
			RateLimit:   cfg.RateLimit.Requests,
			RateWindow:  cfg.RateLimit.Window,
			CORSOrigins: cfg.Server.CORSOrigins,
			Logger:      log,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if bot != nil {
		if err := bot.Close(); err != nil {
			log.Warn("failed to close discord session", zap.Error(err))
		}
	}
	if evictor != nil {
		<-evictor.Stop().Done()
	}
	if err := queue.Drain(shutdownCtx); err != nil {
		log.Warn("background writes did not complete", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func providerKey(cfg *config.Config) string {
	if llm.Provider(cfg.LLM.Provider) == llm.ProviderAnthropic {
		return cfg.LLM.AnthropicAPIKey
	}
	return cfg.LLM.OpenAIAPIKey
}
