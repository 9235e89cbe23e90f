package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/rmap"

	"goa.design/goa-llm/features/llm/anthropic"
	"goa.design/goa-llm/features/llm/batchstore"
	"goa.design/goa-llm/features/llm/batchstore/memory"
	mongostore "goa.design/goa-llm/features/llm/batchstore/mongo"
	redisstore "goa.design/goa-llm/features/llm/batchstore/redis"
	"goa.design/goa-llm/features/llm/bedrock"
	"goa.design/goa-llm/features/llm/middleware"
	"goa.design/goa-llm/features/llm/openai"
	"goa.design/goa-llm/runtime/llm/batch"
	"goa.design/goa-llm/runtime/llm/chat"
	"goa.design/goa-llm/runtime/llm/config"
	"goa.design/goa-llm/runtime/llm/telemetry"
)

// rateLimitMap names the replicated map holding shared rate budgets.
const rateLimitMap = "llm-rate-limits"

type (
	// app holds the clients built from the configuration.
	app struct {
		cfg    *config.Config
		logger telemetry.Logger
		out    io.Writer

		chat       chat.Client
		batches    batch.API
		reconciler *batch.Reconciler
		store      batchstore.Store

		closers []func(context.Context) error
	}

	// provider bundles the per-vendor clients.
	provider struct {
		chat       chat.Client
		batches    batch.API
		reconciler *batch.Reconciler
	}
)

func newApp(ctx context.Context, cfg *config.Config, out io.Writer) (*app, error) {
	logger := telemetry.NewClueLogger()
	a := &app{cfg: cfg, logger: logger, out: out}

	opts := chat.Options{
		Defaults: cfg.Request(),
		Retry:    cfg.Retry,
		Observers: telemetry.NewObservers(logger,
			telemetry.NewLogObserver(logger),
			telemetry.NewOTELObserver(telemetry.NewOTELMetrics(), telemetry.NewOTELTracer()),
		),
		Logger: logger,
	}
	p, err := newProvider(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	a.chat, a.batches, a.reconciler = p.chat, p.batches, p.reconciler

	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		if rdb, err = redisClient(cfg.Store.RedisURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
	}
	if cfg.RateLimit.TPM > 0 {
		lopts := middleware.Options{
			InitialTPM: cfg.RateLimit.TPM,
			MaxTPM:     cfg.RateLimit.MaxTPM,
			Key:        cfg.RateLimit.ClusterKey,
			Logger:     logger,
		}
		if lopts.Key != "" && rdb != nil {
			m, err := rmap.Join(ctx, rateLimitMap, rdb)
			if err != nil {
				return nil, a.closeWith(ctx, fmt.Errorf("join rate limit map: %w", err))
			}
			a.closers = append(a.closers, func(context.Context) error { m.Close(); return nil })
			lopts.Cluster = m
		}
		a.chat = middleware.NewRateLimiter(ctx, lopts).Wrap(a.chat)
	}

	if a.store, err = a.newStore(ctx, rdb); err != nil {
		return nil, a.closeWith(ctx, err)
	}
	return a, nil
}

func newProvider(ctx context.Context, cfg *config.Config, opts chat.Options) (*provider, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		c, err := anthropic.NewSDKClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("anthropic: %w", err)
		}
		p, err := anthropic.New(&c.Messages, anthropic.Options{})
		if err != nil {
			return nil, err
		}
		b := anthropic.NewBatches(c, anthropic.Options{}, opts.Defaults)
		return &provider{chat: chat.New[*anthropic.Payload](p, opts), batches: b, reconciler: b.Reconciler()}, nil
	case config.ProviderOpenAI, config.ProviderAzure:
		var (
			c   *openaisdk.Client
			err error
		)
		if cfg.Provider == config.ProviderAzure {
			c, err = openai.NewAzureSDKClient(cfg.Azure.Endpoint, cfg.Azure.APIVersion, cfg.Azure.APIKey)
		} else {
			c, err = openai.NewSDKClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.Provider, err)
		}
		o := openai.Options{Provider: cfg.Provider}
		p, err := openai.New(c, o)
		if err != nil {
			return nil, err
		}
		b := openai.NewBatches(c, &c.Files, o, opts.Defaults)
		return &provider{chat: chat.New[*openai.Payload](p, opts), batches: b, reconciler: b.Reconciler()}, nil
	case config.ProviderBedrock:
		rt, err := bedrock.NewSDKClient(ctx, cfg.Bedrock.Region)
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		p, err := bedrock.New(rt)
		if err != nil {
			return nil, err
		}
		return &provider{chat: chat.New[*bedrock.Payload](p, opts), batches: bedrock.Batches{}}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func (a *app) newStore(ctx context.Context, rdb *redis.Client) (batchstore.Store, error) {
	switch a.cfg.Store.Kind {
	case "", config.StoreMemory:
		return memory.New(), nil
	case config.StoreRedis:
		if rdb == nil {
			return nil, errors.New("redis store requires a redis url")
		}
		return redisstore.New(rdb, "")
	case config.StoreMongo:
		client, err := mongodriver.Connect(options.Client().ApplyURI(a.cfg.Store.MongoURL))
		if err != nil {
			return nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		a.closers = append(a.closers, client.Disconnect)
		db := a.cfg.Store.MongoDatabase
		if db == "" {
			db = "llm"
		}
		return mongostore.New(ctx, client.Database(db).Collection(mongostore.DefaultCollection))
	default:
		return nil, fmt.Errorf("unknown store kind %q", a.cfg.Store.Kind)
	}
}

// Close releases the connections opened by newApp in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) closeWith(ctx context.Context, err error) error {
	return errors.Join(err, a.Close(ctx))
}

// redisClient accepts redis:// URLs as well as bare host:port addresses.
func redisClient(url string) (*redis.Client, error) {
	if !strings.Contains(url, "://") {
		return redis.NewClient(&redis.Options{Addr: url}), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
