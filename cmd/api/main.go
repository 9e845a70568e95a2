package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitsacco/txengine/internal/approval"
	"github.com/bitsacco/txengine/internal/config"
	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/handlers"
	"github.com/bitsacco/txengine/internal/identity"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/orchestrator"
	"github.com/bitsacco/txengine/internal/queue"
	"github.com/bitsacco/txengine/internal/repository"
	xhttp "github.com/bitsacco/txengine/pkg/http"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/bitsacco/txengine/pkg/pg"
	"github.com/bitsacco/txengine/pkg/prom"
	"github.com/bitsacco/txengine/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	settlementQ, err := queue.NewQueue(redisAdap, queue.Config{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating settlement queue", "error", err)
		return
	}

	adapters, err := buildAdapters()
	if err != nil {
		logger.Error("failed to create payment adapters", "error", err)
		return
	}

	transactionRepo := repository.NewTransactionRepository(db)
	reviewRepo := repository.NewReviewRepository(db)

	identityClient := identity.NewClient(identity.ClientConfig{
		BaseURL: config.Get().IdentityServiceUrl,
		Timeout: config.Get().AdapterTimeout,
	})

	orch := orchestrator.New(transactionRepo, adapters, settlementQ, nil, orchestrator.Options{
		Limits:               config.Get().Limits(),
		MaxInitiationRetries: config.Get().AdapterMaxRetries,
		InitiationRetryDelay: config.Get().AdapterRetryDelay,
		ResubmitCooldown:     config.Get().ApprovalResubmitCooldown,
		Auth:                 identityClient,
	})
	approvalEngine := approval.NewEngine(transactionRepo, reviewRepo, identityClient, orch.Locks())

	// v1 handlers
	transactionHandler := handlers.NewTransactionHandler(orch)
	reviewHandler := handlers.NewReviewHandler(approvalEngine, orch)
	healthHandler := handlers.NewHealthHandler(&dbHealth{db: db})

	g := s.Router.Group("/api/v1")
	handlers.RegisterTransactionRoutes(g, transactionHandler)
	handlers.RegisterReviewRoutes(g, reviewHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if err := prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}
	go func() {
		prom.ListenAndServer(":9101", "/metrics")
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func buildAdapters() (map[model.PaymentMethod]gateway.PaymentAdapter, error) {
	mpesa, err := gateway.NewMobileMoneyAdapter(gateway.ClientConfig{
		BaseURL:                 config.Get().MpesaGatewayUrl,
		Timeout:                 config.Get().AdapterTimeout,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	lightning, err := gateway.NewLightningAdapter(gateway.ClientConfig{
		BaseURL:                 config.Get().LightningGatewayUrl,
		Timeout:                 config.Get().AdapterTimeout,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return map[model.PaymentMethod]gateway.PaymentAdapter{
		model.MethodMobileMoney: mpesa,
		model.MethodLightning:   lightning,
	}, nil
}

type dbHealth struct {
	db *pg.DB
}

func (h *dbHealth) Get() error {
	var one int
	return h.db.Read(context.Background()).Raw("SELECT 1").Scan(&one).Error
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
