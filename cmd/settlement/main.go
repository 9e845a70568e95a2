package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitsacco/txengine/internal/config"
	gateway "github.com/bitsacco/txengine/internal/gateways"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/internal/monitor"
	"github.com/bitsacco/txengine/internal/orchestrator"
	"github.com/bitsacco/txengine/internal/processor"
	"github.com/bitsacco/txengine/internal/repository"
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

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Kill, os.Interrupt, syscall.SIGTERM)

	adapters, err := buildAdapters()
	if err != nil {
		logger.Error("failed to create payment adapters", "error", err)
		return
	}

	mon := monitor.New(adapters, monitor.Options{
		Interval:         config.Get().MonitorPollInterval,
		MaxAttempts:      config.Get().MonitorMaxAttempts,
		TransientRetries: config.Get().MonitorTransientRetries,
		TransientBackoff: config.Get().MonitorTransientBackoff,
	})

	transactionRepo := repository.NewTransactionRepository(db)

	// The worker applies settlement outcomes only. It never initiates or
	// enqueues, so the orchestrator runs without a queue or adapters.
	orch := orchestrator.New(transactionRepo, nil, nil, nil, orchestrator.Options{
		Limits: config.Get().Limits(),
	})

	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyService := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to create the settlement service", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewSettlementProcessor(
		mon,
		orch,
		idempotencyService,
		config.Get().MonitorMaxAttempts,
	))

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start settlement workers", "error", err)
		}
	}()

	select {
	case <-c:
		service.Stop()
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
