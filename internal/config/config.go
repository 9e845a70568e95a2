package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Config holds every tunable of the transaction engine. Only this struct
// must be used to hold configuration values, no direct access to env, ini
// or any other config source should be made.
type Config struct {
	AppEnv   string `env:"APP_ENV" default:"dev"`
	AppName  string `env:"APP_NAME" default:"tx_engine"`
	AppDebug bool   `env:"APP_DEBUG" default:"1"`

	HttpListenAddr         string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout  int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	LogLevel []string `env:"LOG_LEVEL"`

	QueueName              string        `env:"QUEUE_NAME" default:"settlement"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"settlement-workers"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME" default:"settlement-worker"`
	QueueConsumerInstances int           `env:"QUEUE_CONSUMER_INSTANCES" default:"4"`
	QueueMaxRetries        int           `env:"QUEUE_MAX_RETRIES" default:"3"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`
	QueueBatchSize         int64         `env:"QUEUE_BATCH_SIZE" default:"10"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"1"`

	// Payment gateway endpoints, one base URL per rail.
	MpesaGatewayUrl     string `env:"MPESA_GATEWAY_URL"`
	LightningGatewayUrl string `env:"LIGHTNING_GATEWAY_URL"`
	IdentityServiceUrl  string `env:"IDENTITY_SERVICE_URL"`

	// Adapter call budget, distinct from the monitor's poll budget.
	AdapterTimeout    time.Duration `env:"ADAPTER_TIMEOUT" default:"5s"`
	AdapterMaxRetries int           `env:"ADAPTER_MAX_RETRIES" default:"3"`
	AdapterRetryDelay time.Duration `env:"ADAPTER_RETRY_DELAY" default:"200ms"`

	// Settlement monitor cadence. MaxAttempts bounds one polling session,
	// not the transaction: an exhausted session leaves the transaction
	// resumable.
	MonitorPollInterval     time.Duration `env:"MONITOR_POLL_INTERVAL" default:"3s"`
	MonitorMaxAttempts      int           `env:"MONITOR_MAX_ATTEMPTS" default:"40"`
	MonitorTransientRetries int           `env:"MONITOR_TRANSIENT_RETRIES" default:"2"`
	MonitorTransientBackoff time.Duration `env:"MONITOR_TRANSIENT_BACKOFF" default:"250ms"`

	// Whether a rejected chama withdrawal may be resubmitted immediately.
	// Zero means no cooldown.
	ApprovalResubmitCooldown time.Duration `env:"APPROVAL_RESUBMIT_COOLDOWN" default:"0s"`

	// Per-context amount bounds in minor units, per rail. Zero max means
	// unbounded.
	PersonalMpesaMin     int64 `env:"PERSONAL_MPESA_MIN" default:"100"`
	PersonalMpesaMax     int64 `env:"PERSONAL_MPESA_MAX" default:"15000000"`
	PersonalLightningMin int64 `env:"PERSONAL_LIGHTNING_MIN" default:"10"`
	PersonalLightningMax int64 `env:"PERSONAL_LIGHTNING_MAX" default:"0"`

	ChamaMpesaMin     int64 `env:"CHAMA_MPESA_MIN" default:"100"`
	ChamaMpesaMax     int64 `env:"CHAMA_MPESA_MAX" default:"25000000"`
	ChamaLightningMin int64 `env:"CHAMA_LIGHTNING_MIN" default:"10"`
	ChamaLightningMax int64 `env:"CHAMA_LIGHTNING_MAX" default:"0"`

	MembershipMpesaMin     int64 `env:"MEMBERSHIP_MPESA_MIN" default:"10000"`
	MembershipMpesaMax     int64 `env:"MEMBERSHIP_MPESA_MAX" default:"50000000"`
	MembershipLightningMin int64 `env:"MEMBERSHIP_LIGHTNING_MIN" default:"1000"`
	MembershipLightningMax int64 `env:"MEMBERSHIP_LIGHTNING_MAX" default:"0"`
}

// Limits assembles the model-level amount bounds from the flat env values.
func (c *Config) Limits() model.Limits {
	return model.Limits{
		Bounds: map[model.TxContext]map[model.PaymentMethod]model.AmountBounds{
			model.ContextPersonal: {
				model.MethodMobileMoney: {Min: c.PersonalMpesaMin, Max: c.PersonalMpesaMax},
				model.MethodLightning:   {Min: c.PersonalLightningMin, Max: c.PersonalLightningMax},
			},
			model.ContextChama: {
				model.MethodMobileMoney: {Min: c.ChamaMpesaMin, Max: c.ChamaMpesaMax},
				model.MethodLightning:   {Min: c.ChamaLightningMin, Max: c.ChamaLightningMax},
			},
			model.ContextMembership: {
				model.MethodMobileMoney: {Min: c.MembershipMpesaMin, Max: c.MembershipMpesaMax},
				model.MethodLightning:   {Min: c.MembershipLightningMin, Max: c.MembershipLightningMax},
			},
		},
	}
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
