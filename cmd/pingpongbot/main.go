// Command pingpongbot is the composition root: it wires config,
// logging, storage, the entity repositories, the retry harness, the
// identity verifier, the command router, the match engine and the bot
// façade together, then starts whichever chat-gateway adapter
// bot.mode selects.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shopmindai/pingpongbot/internal/botfacade"
	"github.com/shopmindai/pingpongbot/internal/command"
	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/dedup"
	"github.com/shopmindai/pingpongbot/internal/domain"
	"github.com/shopmindai/pingpongbot/internal/events"
	"github.com/shopmindai/pingpongbot/internal/gateway"
	"github.com/shopmindai/pingpongbot/internal/identity"
	"github.com/shopmindai/pingpongbot/internal/logging"
	"github.com/shopmindai/pingpongbot/internal/matchengine"
	"github.com/shopmindai/pingpongbot/internal/metrics"
	"github.com/shopmindai/pingpongbot/internal/repository"
	"github.com/shopmindai/pingpongbot/internal/retry"
	"github.com/shopmindai/pingpongbot/internal/store"
)

// version is set at release time; "dev" is what a local build reports.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	printVersion := flag.Bool("version", false, "print the build version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pingpongbot: %v\n", err)
		os.Exit(1)
	}
	cfg.Version = version

	log := logging.New(cfg.Logging.Level)
	log.WithField("version", version).Info("starting pingpongbot")

	gatewayDB, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer gatewayDB.Close()

	if err := gatewayDB.Migrate(); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	groups := repository.NewGroupRepo(cfg.Rating.MaxRating)
	players := repository.NewPlayerRepo()
	matches := repository.NewMatchRepo(cfg.Rating.MaxRating)
	history := repository.NewEloHistoryRepo()
	failedOps := repository.NewFailedOperationsRepo()
	verifications := repository.NewPlayerVerificationRepo()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	authzRedisAddr := ""
	if cfg.Authz.DistributedPolicy {
		authzRedisAddr = cfg.Redis.Addr
	}
	authorizer, err := command.NewCasbinAuthorizer(cfg.Authz.ModelPath, cfg.Authz.PolicyPath, authzRedisAddr, cfg.Redis.Password)
	if err != nil {
		log.WithError(err).Fatal("build command authorizer")
	}

	topics := &groupTopicChecker{groups: groups, db: gatewayDB, log: log}
	router := command.New(topics, authorizer)

	username, password, err := loadIdentityCredentials(cfg.Identity.CredentialsEnv)
	if err != nil {
		log.WithError(err).Fatal("load identity credentials")
	}
	verifier, err := identity.New(cfg.Identity, username, password, log)
	if err != nil {
		log.WithError(err).Fatal("build identity verifier")
	}
	defer verifier.Close()

	retryCfg := retry.DefaultMatchEngineConfig()
	retryCfg.MaxRetries = cfg.Retry.MaxRetries
	retryCfg.InitialDelay = cfg.Retry.InitialDelay
	retryCfg.Multiplier = cfg.Retry.Multiplier

	var publisher matchengine.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.New(cfg.Kafka.Brokers, log)
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	engine := matchengine.New(gatewayDB, groups, players, matches, history, failedOps, cfg.Rating, retryCfg, publisher, log)

	m := metrics.New()

	responder := gateway.NewHTTPResponder(cfg.Gateway.ResponderURL)
	deduper := dedup.New(redisClient)

	facade := botfacade.New(router, engine, verifier, gatewayDB, groups, players, verifications, responder, deduper, m, log, cfg.Topics)

	ctx, stop := signalContext()
	defer stop()

	healthCheck := func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gatewayDB.HealthCheck(checkCtx)
	}

	switch cfg.Bot.Mode {
	case config.BotModeWebhook:
		runWebhook(ctx, cfg, facade, healthCheck, m, log)
	default:
		runPolling(ctx, cfg, facade, log)
	}

	log.Info("pingpongbot stopped")
}

func runWebhook(ctx context.Context, cfg *config.Config, facade *botfacade.Facade, healthCheck func() error, m *metrics.Metrics, log *logrus.Logger) {
	decoder := gateway.NewJSONDecoder()
	server := gateway.NewWebhookServer(cfg.Bot.WebhookPath, cfg.Bot.WebhookSecret, decoder, facade, healthCheck, m.Handler(), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Bot.WebhookPort),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Bot.WebhookPort).Info("starting webhook listener")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("webhook listener failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down webhook listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("webhook listener shutdown")
	}
}

func runPolling(ctx context.Context, cfg *config.Config, facade *botfacade.Facade, log *logrus.Logger) {
	decoder := gateway.NewJSONDecoder()

	if cfg.Gateway.UseStream {
		stream := gateway.NewStream(cfg.Gateway.StreamURL, decoder, facade, log)
		log.Info("starting streaming gateway adapter")
		stream.Run(ctx)
		return
	}

	poller := gateway.NewPoller(cfg.Gateway.BaseURL, cfg.Gateway.UpdatesPath, cfg.Gateway.PollInterval, decoder, facade, log)
	log.Info("starting polling gateway adapter")
	poller.Run(ctx)
}

// loadIdentityCredentials reads "username:password" out of the named
// environment variable, keeping env access at the composition root
// rather than scattered through internal/identity.
func loadIdentityCredentials(envVar string) (username, password string, err error) {
	if envVar == "" {
		return "", "", fmt.Errorf("identity.credentialsEnv is not configured")
	}
	raw := os.Getenv(envVar)
	if raw == "" {
		return "", "", fmt.Errorf("environment variable %s is not set", envVar)
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("environment variable %s must be \"username:password\"", envVar)
	}
	return parts[0], parts[1], nil
}

// groupTopicChecker adapts repository.GroupRepo's context-aware,
// error-returning lookups to command.TopicChecker's synchronous
// contract. A lookup failure (including "not configured") is reported
// as "not configured" — the router's fallback behavior for an
// unconfigured topic is to accept the command anywhere, which is also
// the right behavior when the lookup itself fails.
type groupTopicChecker struct {
	groups *repository.GroupRepo
	db     *store.Gateway
	log    *logrus.Logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func (c *groupTopicChecker) HasTopicOfType(chatID string, topicType domain.TopicType) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	group, err := c.groups.CreateOrGet(ctx, c.db.DB(), chatID, "")
	if err != nil {
		c.log.WithError(err).Warn("command: resolve group for topic scoping failed")
		return "", false
	}

	topic, err := c.groups.GetTopicByType(ctx, c.db.DB(), group.ID, topicType)
	if err != nil {
		return "", false
	}
	return topic.PlatformTopicID, true
}
