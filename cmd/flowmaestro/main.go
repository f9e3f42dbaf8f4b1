package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	temporalclient "go.temporal.io/sdk/client"
	"goa.design/clue/log"

	"github.com/flowmaestro/flowmaestro/api"
	"github.com/flowmaestro/flowmaestro/config"
	"github.com/flowmaestro/flowmaestro/connector"
	enginetemporal "github.com/flowmaestro/flowmaestro/engine/temporal"
	"github.com/flowmaestro/flowmaestro/events"
	eventspulse "github.com/flowmaestro/flowmaestro/events/pulse"
	"github.com/flowmaestro/flowmaestro/model"
	modelanthropic "github.com/flowmaestro/flowmaestro/model/anthropic"
	modelbedrock "github.com/flowmaestro/flowmaestro/model/bedrock"
	modelopenai "github.com/flowmaestro/flowmaestro/model/openai"
	"github.com/flowmaestro/flowmaestro/node"
	"github.com/flowmaestro/flowmaestro/runtime"
	"github.com/flowmaestro/flowmaestro/store/postgres"
	"github.com/flowmaestro/flowmaestro/telemetry"
	"github.com/flowmaestro/flowmaestro/trigger"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config file (optional)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Storage.
	db, err := postgres.Open(cfg.Database.URL)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer db.Close()
	st := postgres.New(db)
	if err := st.Migrate(ctx); err != nil {
		log.Fatal(ctx, err)
	}

	// Event bus with the WebSocket hub and, when Redis is configured, the
	// Pulse stream sink for other processes.
	bus := events.NewBus()
	hub := events.NewHub(metrics)
	if _, err := bus.Register(hub); err != nil {
		log.Fatal(ctx, err)
	}
	defer hub.Close()
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password})
		pc, err := eventspulse.New(eventspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		sink, err := eventspulse.NewSink(eventspulse.SinkOptions{Client: pc})
		if err != nil {
			log.Fatal(ctx, err)
		}
		if _, err := bus.Register(sink); err != nil {
			log.Fatal(ctx, err)
		}
		defer rdb.Close()
		log.Print(ctx, log.KV{K: "pulse", V: cfg.Redis.Address})
	}

	// Node executors and their provider clients.
	svcs := node.Services{Logger: logger, Store: st, HTTPClient: http.DefaultClient}
	svcs.Models = buildModels(ctx, cfg.Models)
	svcs.Connectors = connector.NewRegistry()
	svcs.Connectors.Register(connector.NewREST(nil))
	if cfg.Auth.EncryptionKey != "" {
		sealer, err := connector.NewSealer(cfg.Auth.EncryptionKey)
		if err != nil {
			log.Fatal(ctx, err)
		}
		svcs.Sealer = sealer
	} else {
		log.Printf(ctx, "no encryption key configured, connection credentials disabled")
	}
	registry := node.DefaultRegistry(svcs)

	// Durable engine and the execution runtime on top of it.
	eng, err := enginetemporal.New(enginetemporal.Options{
		ClientOptions: &temporalclient.Options{
			HostPort:  cfg.Temporal.Address,
			Namespace: cfg.Temporal.Namespace,
		},
		WorkerOptions: enginetemporal.WorkerOptions{TaskQueue: cfg.Temporal.TaskQueue},
		Logger:        logger,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer eng.Close()

	rt := runtime.New(eng, st, registry,
		runtime.WithLogger(logger),
		runtime.WithMetrics(metrics),
		runtime.WithEventBus(bus),
		runtime.WithTaskQueue(cfg.Temporal.TaskQueue),
	)
	if err := rt.Register(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	if err := eng.Worker().Start(); err != nil {
		log.Fatal(ctx, err)
	}

	// Trigger supervisor: schedules, webhooks, event matches, admission.
	supOpts := []trigger.Option{
		trigger.WithLogger(logger),
		trigger.WithMetrics(metrics),
		trigger.WithEventBus(bus),
	}
	if cfg.Limits.MaxRunningPerUser > 0 {
		supOpts = append(supOpts, trigger.WithAdmissionCeiling(cfg.Limits.MaxRunningPerUser))
	}
	if cfg.Limits.WebhookRatePerSecond > 0 {
		supOpts = append(supOpts, trigger.WithWebhookRate(cfg.Limits.WebhookRatePerSecond, cfg.Limits.WebhookBurst))
	}
	sup := trigger.New(st, rt, supOpts...)
	if err := sup.Run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	defer sup.Close()

	// HTTP API.
	srv := api.New(st, rt, sup, hub, cfg.Auth.JWTSecret,
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithNodeRegistry(registry),
		api.WithCORSOrigins(cfg.HTTP.CORSOrigins),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "listen", V: cfg.ListenAddr()})
		errc <- httpServer.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, err, "http shutdown")
	}
	log.Printf(ctx, "exited")
}

// buildModels registers a client per configured provider. Providers without a
// key are skipped so llm nodes fail with a clear error instead of a broken
// client.
func buildModels(ctx context.Context, cfg config.Models) *model.Registry {
	reg := model.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		c, err := modelopenai.NewFromAPIKey(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			log.Fatal(ctx, err)
		}
		reg.Register("openai", c)
	}
	if cfg.AnthropicAPIKey != "" {
		c, err := modelanthropic.NewFromAPIKey(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		if err != nil {
			log.Fatal(ctx, err)
		}
		reg.Register("anthropic", c)
	}
	if cfg.BedrockModel != "" {
		rc := bedrockruntime.New(bedrockruntime.Options{Region: os.Getenv("AWS_REGION")})
		c, err := modelbedrock.New(rc, modelbedrock.Options{DefaultModel: cfg.BedrockModel})
		if err != nil {
			log.Fatal(ctx, err)
		}
		reg.Register("bedrock", c)
	}
	return reg
}
