package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"visa-chatter/internal/agent"
	"visa-chatter/internal/analytics"
	"visa-chatter/internal/auth"
	"visa-chatter/internal/config"
	"visa-chatter/internal/conversation"
	"visa-chatter/internal/dedup"
	"visa-chatter/internal/handoff"
	"visa-chatter/internal/llm"
	"visa-chatter/internal/metrics"
	"visa-chatter/internal/outbound"
	"visa-chatter/internal/scheduler"
	"visa-chatter/internal/server"
	"visa-chatter/internal/session"
	"visa-chatter/internal/storage"
	"visa-chatter/internal/telegram"
	"visa-chatter/internal/whatsapp"
)

const (
	shutdownTimeout = 10 * time.Second
	drainTimeout    = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, the Telegram bot and the report scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	admit, err := newDedup(cfg)
	if err != nil {
		return err
	}

	repo, closeRepo, err := newRepository(cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	store := session.NewStore(repo, session.WithReadTimeout(cfg.StorageTimeout))

	recorder, err := storage.NewFileRecorder(cfg.LogFilePath)
	if err != nil {
		return errors.Wrap(err, "init interaction log")
	}

	client, err := llm.NewFactory(cfg).CreateClient()
	if err != nil {
		return errors.Wrap(err, "init llm client")
	}
	if client == nil {
		log.Warn().Str("provider", string(cfg.LLMProvider)).Msg("llm credentials missing, unmatched messages get the safe reply")
	}
	inferer := agent.New(client, m)
	broker := handoff.NewBroker()

	mux := &outbound.Mux{}
	if cfg.WhatsAppEnabled {
		mux.WhatsApp = whatsapp.NewClient(cfg.GraphVersion, cfg.WhatsAppPhoneID, cfg.WhatsAppToken)
	}

	var bot *telegram.Bot
	if cfg.TelegramBotToken != "" {
		bot, err = newTelegramBot(cfg, broker)
		if err != nil {
			return err
		}
		mux.Telegram = bot
	}

	opts := conversation.DefaultOptions()
	opts.FallbackTimeout = cfg.FallbackTimeout
	opts.HandoffTTL = cfg.HandoffTTL
	opts.PacingDelay = cfg.PacingDelay
	opts.MaxTypingDelay = cfg.MaxTypingDelay

	deps := conversation.Deps{
		Dedup:    admit,
		Store:    store,
		Agent:    inferer,
		Handoffs: broker,
		Sender:   mux,
		Recorder: recorder,
		Metrics:  m,
	}
	if bot != nil {
		deps.Notifier = bot
	}
	orch := conversation.New(deps, opts)
	if bot != nil {
		bot.SetDispatcher(orch)
	}

	srv := server.New(fmt.Sprintf(":%d", cfg.Port), server.Options{
		VerifyToken:     cfg.WhatsAppVerifyToken,
		VerifySignature: cfg.VerifySignature,
		AppSecret:       cfg.AppSecret,
		AdminToken:      cfg.AdminToken,
	}, server.Deps{
		Dispatcher: orch,
		Store:      store,
		Desk:       broker,
		Sender:     mux,
		Agent:      inferer,
		Metrics:    m,
	})

	if cfg.ReportRecipient != "" {
		sched := scheduler.New(time.UTC)
		reporter := &analytics.Reporter{Recorder: recorder, Sender: mux, Recipient: cfg.ReportRecipient}
		if err := sched.Add("daily_report", cfg.ReportCron, reporter.Run); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(srv.Start)
	eg.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(sctx)
	})
	if bot != nil {
		eg.Go(func() error { return bot.Start(gctx) })
	}

	err = eg.Wait()
	drain(orch)
	log.Info().Msg("stopped")
	return err
}

// drain gives in-flight turns a moment to finish. Turns parked on a handoff
// are abandoned.
func drain(orch *conversation.Orchestrator) {
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Warn().Msg("in-flight turns still running at exit")
	}
}

func newDedup(cfg *config.Config) (conversation.Admitter, error) {
	if cfg.DedupBackend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.DedupTTL).Msg("dedup backed by redis")
		return dedup.NewRedis(rdb, cfg.DedupTTL), nil
	}
	c, err := dedup.New(cfg.DedupCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "init dedup cache")
	}
	return c, nil
}

func newRepository(cfg *config.Config) (session.Repository, func(), error) {
	if cfg.StorageBackend == config.BackendMemory {
		return session.NewMemoryRepository(), func() {}, nil
	}
	repo, err := session.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open session db")
	}
	closeFn := func() {
		if err := repo.Close(); err != nil {
			log.Warn().Err(err).Msg("close session db")
		}
	}
	return repo, closeFn, nil
}

func newTelegramBot(cfg *config.Config, broker *handoff.Broker) (*telegram.Bot, error) {
	var repo auth.Repository
	if cfg.OperatorsFilePath != "" {
		fr, err := auth.NewFileRepository(cfg.OperatorsFilePath)
		if err != nil {
			log.Warn().Err(err).Msg("operators file unavailable, using OPERATOR_USERS only")
		} else {
			repo = fr
		}
	}
	operators, err := auth.NewWithRepo(repo, cfg.OperatorUsers)
	if err != nil {
		return nil, errors.Wrap(err, "init operators")
	}
	return telegram.New(cfg.TelegramBotToken, operators, broker)
}
