package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/crypto"
	"identity-service/internal/delivery"
	"identity-service/internal/events"
	"identity-service/internal/handler"
	"identity-service/internal/repository/postgres"
	redisrepo "identity-service/internal/repository/redis"
	"identity-service/internal/service"
	"identity-service/internal/tls"
	"identity-service/internal/util"
)

// Factory builds and owns the application dependency graph.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	pgClient    *postgres.Client
	redisClient *client.RedisClient
	kafkaClient *client.KafkaClient

	hasher *crypto.Hasher
	cipher *crypto.SecretCipher

	publisher events.Publisher
	sender    delivery.Sender

	otpService      *service.OtpService
	passwordService *service.PasswordService
	totpService     *service.TotpService

	authHandler *handler.AuthHandler

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(&cfg.Server)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeCore()

	util.Info("Factory initialized",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", f.kafkaClient != nil),
		util.Bool("debug_echo", cfg.Delivery.DebugEcho))

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgClient, err := postgres.NewClient(ctx, &f.config.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	f.pgClient = pgClient

	redisClient, err := client.NewRedisClient(&f.config.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	// Kafka is best-effort: the service runs without the event stream.
	if len(f.config.Kafka.Brokers) > 0 {
		kafkaClient, err := client.NewKafkaClient(&f.config.Kafka)
		if err != nil {
			util.Warn("Kafka initialization failed, proceeding without event stream", util.ErrorField(err))
		} else {
			f.kafkaClient = kafkaClient
		}
	}

	return nil
}

func (f *Factory) initializeCore() {
	f.hasher = crypto.NewHasher(f.config.Auth.Pepper)
	f.cipher = crypto.NewSecretCipher(f.config.Auth.EncryptionSeed)
	f.sender = delivery.NewSender(&f.config.Delivery)

	if f.kafkaClient != nil {
		f.publisher = events.NewKafkaPublisher(f.kafkaClient)
	} else {
		f.publisher = events.NoopPublisher{}
	}

	identifiers := postgres.NewIdentifierRepository(f.pgClient)
	users := postgres.NewUserRepository(f.pgClient)
	challenges := postgres.NewChallengeRepository(f.pgClient)
	totpCreds := postgres.NewTotpRepository(f.pgClient)
	audits := postgres.NewAuditRepository(f.pgClient)
	limiter := redisrepo.NewRateLimitCache(f.redisClient)
	sessions := redisrepo.NewSessionCache(f.redisClient)

	f.otpService = service.NewOtpService(
		f.hasher, identifiers, users, challenges, audits,
		limiter, f.sender, f.pgClient, f.publisher,
	)
	f.passwordService = service.NewPasswordService(
		f.hasher, identifiers, users, totpCreds, audits,
		sessions, f.pgClient, f.publisher,
	)
	f.totpService = service.NewTotpService(
		f.hasher, f.cipher, f.config.Auth.TOTPIssuer,
		identifiers, users, totpCreds, audits,
		sessions, f.pgClient, f.publisher,
	)

	f.authHandler = handler.NewAuthHandler(
		f.otpService, f.passwordService, f.totpService,
		f.config.IsDevelopment(), util.Get(),
	)
}

// HealthCheck probes the backing stores in parallel.
func (f *Factory) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := f.pgClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaClient != nil {
			if err := f.kafkaClient.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.pgClient != nil {
			f.pgClient.Close()
			util.Info("PostgreSQL pool closed")
		}

		util.Sync()
	})
	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) AuthHandler() *handler.AuthHandler {
	return f.authHandler
}
