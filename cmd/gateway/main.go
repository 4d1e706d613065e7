package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/projectboxes/slack-gateway/internal/biz/repo"
	"github.com/projectboxes/slack-gateway/internal/biz/usecase"
	"github.com/projectboxes/slack-gateway/internal/conf"
	"github.com/projectboxes/slack-gateway/internal/data"
	"github.com/projectboxes/slack-gateway/internal/event"
	openaiinfra "github.com/projectboxes/slack-gateway/internal/infra/openai"
	"github.com/projectboxes/slack-gateway/internal/infra/slack"
	"github.com/projectboxes/slack-gateway/internal/ratelimit"
	"github.com/projectboxes/slack-gateway/internal/server"
	"github.com/projectboxes/slack-gateway/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway exited with error", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *conf.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, err := data.NewRepositories(cfg.Store.DataDir, logger)
	if err != nil {
		return err
	}
	defer repos.Close()

	bus := event.NewBus()
	chatClient := slack.NewClient(logger)
	limiter := ratelimit.NewLimiter(bus, logger, ratelimit.Options{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		BackoffFloor: cfg.Retry.BackoffFloor,
		BackoffCeil:  cfg.Retry.BackoffCeil,
	})
	breakers := ratelimit.NewBreakers(logger, 3, 0)

	var analyzer repo.Analyzer
	if cfg.OpenAI.APIKey != "" {
		analyzer = openaiinfra.NewAnalyzer(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, logger)
		logger.Info("using model-backed analysis", zap.String("model", cfg.OpenAI.Model))
	} else {
		analyzer = usecase.LocalAnalyzer{}
		logger.Info("no analysis API key set, using pattern extraction")
	}

	connMgr := service.NewConnectionManager(
		repos.Vault, chatClient, repos.Settings,
		limiter, breakers, bus, logger, cfg.OAuth.RedirectURI,
	)
	if err := connMgr.LoadState(ctx); err != nil {
		return err
	}
	seedCredentials(ctx, cfg, connMgr, logger)

	orch := service.NewJobOrchestrator(analyzer, repos.Audit, bus, logger)
	orch.Start(ctx)
	defer orch.Stop()

	scheduler := service.NewDiscoveryScheduler(
		connMgr, chatClient, repos.Settings, repos.Audit,
		orch, limiter, breakers, bus, logger,
	)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	connMgr.StartHealthLoop(ctx)
	defer connMgr.StopHealthLoop()

	oauthSrv := server.NewOAuthServer(cfg.OAuth.ListenAddr, connMgr, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return oauthSrv.Start(gctx)
	})
	g.Go(func() error {
		logEvents(gctx, bus, logger)
		return nil
	})

	logger.Info("gateway started",
		zap.String("data_dir", cfg.Store.DataDir),
		zap.String("oauth_addr", cfg.OAuth.ListenAddr))

	return g.Wait()
}

// seedCredentials configures the connection from the environment on
// first launch. Credentials set through the app always win.
func seedCredentials(ctx context.Context, cfg *conf.Config, connMgr *service.ConnectionManager, logger *zap.Logger) {
	if cfg.Slack.ClientID == "" || cfg.Slack.ClientSecret == "" {
		return
	}
	if connMgr.State().IsConfigured {
		return
	}
	if err := connMgr.Configure(ctx, cfg.Slack.ClientID, cfg.Slack.ClientSecret); err != nil {
		logger.Warn("failed to seed credentials from environment", zap.Error(err))
	}
}

// logEvents mirrors bus traffic into the log until ctx ends.
func logEvents(ctx context.Context, bus *event.Bus, logger *zap.Logger) {
	events, cancel := bus.Subscribe(64)
	defer cancel()

	logger = logger.Named("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch ev := e.(type) {
			case event.JobFailed:
				logger.Warn(e.Topic(),
					zap.String("job_id", ev.JobID),
					zap.String("error", ev.Err),
					zap.Bool("can_retry", ev.CanRetry))
			case event.Notification:
				logger.Info(e.Topic(),
					zap.String("severity", ev.Severity),
					zap.String("title", ev.Title),
					zap.String("message", ev.Message))
			default:
				logger.Debug(e.Topic())
			}
		}
	}
}
