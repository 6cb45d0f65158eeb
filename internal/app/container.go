package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/analytics"
	"github.com/acme/whatsapp-broadcast/internal/api/handlers"
	"github.com/acme/whatsapp-broadcast/internal/config"
	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/infra/db"
	"github.com/acme/whatsapp-broadcast/internal/infra/redis"
	"github.com/acme/whatsapp-broadcast/internal/queue"
	"github.com/acme/whatsapp-broadcast/internal/ratelimit"
	"github.com/acme/whatsapp-broadcast/internal/recipient"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	pgrepo "github.com/acme/whatsapp-broadcast/internal/repository/postgres"
	scyllarepo "github.com/acme/whatsapp-broadcast/internal/repository/scylla"
	"github.com/acme/whatsapp-broadcast/internal/scheduler"
	campaignsvc "github.com/acme/whatsapp-broadcast/internal/service/campaign"
	"github.com/acme/whatsapp-broadcast/internal/service/concurrency"
	"github.com/acme/whatsapp-broadcast/internal/whatsapp"
	"github.com/acme/whatsapp-broadcast/internal/whatsapp/cloud"
	whatsappmock "github.com/acme/whatsapp-broadcast/internal/whatsapp/mock"
	"github.com/acme/whatsapp-broadcast/internal/worker/broadcast"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *repositories
		services     *services
		dispatchers  *dispatchers
		broadcast    *broadcasting
	}
}

type repositories struct {
	Campaign repository.CampaignRepository
	Contacts repository.ContactRepository
	Segments repository.SegmentRepository
	Messages repository.MessageStore
}

type services struct {
	Campaign    *campaignsvc.Service
	Analytics   *analytics.Aggregator
	RateLimiter *ratelimit.Limiter
}

type dispatchers struct {
	StatusPublisher *queue.StatusPublisher
	DeadLetter      *queue.DeadLetterPublisher
}

type broadcasting struct {
	Store     scheduler.Store
	Scheduler *scheduler.Scheduler
	Processor *broadcast.Processor
	Sender    whatsapp.Sender
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		redisClient.Close()
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	if err := container.init(); err != nil {
		_ = container.Close(ctx)
		return nil, err
	}
	return container, nil
}

func (c *Container) init() error {
	c.components.once.Do(func() {
		c.components.err = c.initComponents()
	})
	return c.components.err
}

func (c *Container) initComponents() error {
	cfg := c.Config
	lg := c.Logger

	repos := &repositories{
		Campaign: pgrepo.NewCampaignRepository(c.Postgres.DB()),
		Contacts: pgrepo.NewContactRepository(c.Postgres.DB()),
		Segments: pgrepo.NewSegmentRepository(c.Postgres.DB()),
		Messages: scyllarepo.NewMessageStore(c.Scylla.Session()),
	}

	disp := &dispatchers{
		StatusPublisher: queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic),
	}
	if cfg.Kafka.DeadLetterTopic != "" {
		disp.DeadLetter = queue.NewDeadLetterPublisher(c.Kafka, cfg.Kafka.DeadLetterTopic, lg)
	}

	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisCounterStore(c.Redis.Inner()),
		ratelimit.Limits{
			MessagesPerMinute: cfg.RateLimit.MessagesPerMinute,
			MessagesPerHour:   cfg.RateLimit.MessagesPerHour,
		},
		lg,
	)
	aggregator := analytics.NewAggregator(repos.Campaign, lg)

	sender, err := c.newSender()
	if err != nil {
		return err
	}

	processor := broadcast.NewProcessor(
		repos.Campaign,
		repos.Contacts,
		repos.Messages,
		limiter,
		sender,
		aggregator,
		broadcast.Config{
			RateLimitRetryDelay: cfg.Broadcast.RateLimitRetryDelay,
			RequestTimeout:      cfg.WhatsApp.RequestTimeout,
		},
		lg,
	)

	store, err := c.newJobStore()
	if err != nil {
		return err
	}

	sched := scheduler.New(store, processor, c.newSlotLimiter(), scheduler.Config{
		PollInterval: cfg.Broadcast.PollInterval,
		BatchSize:    cfg.Broadcast.BatchSize,
	}, lg)

	campaigns := campaignsvc.NewService(
		repos.Campaign,
		recipient.NewResolver(repos.Contacts, repos.Segments),
		sched,
		campaignsvc.Defaults{
			MessagesPerSecond: 1,
			Retry: domain.RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
			},
		},
		lg,
	)

	sched.OnFinish(campaigns.HandleJobFinished)
	if disp.DeadLetter != nil {
		sched.OnFinish(disp.DeadLetter.HandleJobFinished)
	}

	c.components.repositories = repos
	c.components.dispatchers = disp
	c.components.services = &services{
		Campaign:    campaigns,
		Analytics:   aggregator,
		RateLimiter: limiter,
	}
	c.components.broadcast = &broadcasting{
		Store:     store,
		Scheduler: sched,
		Processor: processor,
		Sender:    sender,
	}
	return nil
}

func (c *Container) newSender() (whatsapp.Sender, error) {
	switch c.Config.WhatsApp.Provider {
	case "cloud":
		sender, err := cloud.NewSender(c.Config.WhatsApp, c.Logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap whatsapp sender: %w", err)
		}
		return sender, nil
	case "mock":
		c.Logger.Warn("using mock whatsapp sender")
		return whatsappmock.NewSender(), nil
	default:
		return nil, fmt.Errorf("bootstrap whatsapp sender: unknown provider %q", c.Config.WhatsApp.Provider)
	}
}

func (c *Container) newJobStore() (scheduler.Store, error) {
	b := c.Config.Broadcast
	switch b.Store {
	case "redis":
		return scheduler.NewRedisStore(c.Redis.Inner(), c.Config.Redis.KeyPrefix, b.RetainCompleted, b.RetainFailed,
			scheduler.WithStallTimeout(b.StallTimeout),
			scheduler.WithStalledHook(func(n int) {
				c.Logger.Warn("recovered stalled broadcast jobs", zap.Int("jobs", n))
			}),
		), nil
	case "memory":
		if !b.EmbeddedDispatch {
			c.Logger.Warn("memory job store without embedded dispatch: jobs are only visible to this process")
		}
		return scheduler.NewMemoryStore(b.RetainCompleted, b.RetainFailed), nil
	default:
		return nil, fmt.Errorf("bootstrap job store: unknown store %q", b.Store)
	}
}

func (c *Container) newSlotLimiter() scheduler.SlotLimiter {
	b := c.Config.Broadcast
	if b.DistributedSlots {
		return concurrency.NewLimiter(c.Redis.Inner(), c.Config.Redis.KeyPrefix, b.OrgConcurrency, b.SlotTTL, c.Logger)
	}
	return concurrency.NewLocalLimiter(b.OrgConcurrency)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	return c.components.services
}

// Dispatchers exposes Kafka publishers.
func (c *Container) Dispatchers() *dispatchers {
	return c.components.dispatchers
}

// Broadcast exposes the job queue and its executor.
func (c *Container) Broadcast() *broadcasting {
	return c.components.broadcast
}

// HealthChecks returns a connectivity check per backing store.
func (c *Container) HealthChecks() map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"postgres": c.Postgres.Ping,
		"scylla":   c.Scylla.Ping,
		"redis":    c.Redis.Ping,
	}
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	return handlers.NewHandlerSet(handlers.Deps{
		Campaigns:    c.components.services.Campaign,
		Queue:        c.components.broadcast.Scheduler,
		RateLimiter:  c.components.services.RateLimiter,
		Messages:     c.components.repositories.Messages,
		Statuses:     c.components.dispatchers.StatusPublisher,
		VerifyToken:  c.Config.WhatsApp.VerifyToken,
		HealthChecks: c.HealthChecks(),
		Logger:       c.Logger,
	})
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var err error
	if d := c.components.dispatchers; d != nil {
		if d.StatusPublisher != nil {
			err = multierr.Append(err, wrapClose("status publisher", d.StatusPublisher.Close()))
		}
		if d.DeadLetter != nil {
			err = multierr.Append(err, wrapClose("dead letter publisher", d.DeadLetter.Close()))
		}
	}
	if c.Redis != nil {
		err = multierr.Append(err, wrapClose("redis", c.Redis.Close()))
	}
	if c.Scylla != nil {
		err = multierr.Append(err, wrapClose("scylla", c.Scylla.Close()))
	}
	if c.Postgres != nil {
		err = multierr.Append(err, wrapClose("postgres", c.Postgres.Close(ctx)))
	}
	if c.Logger != nil {
		if err != nil {
			c.Logger.Warn("container close", zap.Error(err))
		}
		c.Logger.Sync()
	}
	return err
}

func wrapClose(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s close: %w", name, err)
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx,
		queue.TopicSpec{Name: c.Config.Kafka.StatusTopic, Partitions: 24, ReplicationFactor: 1},
		queue.TopicSpec{Name: c.Config.Kafka.DeadLetterTopic, Partitions: 6, ReplicationFactor: 1},
	)
}
