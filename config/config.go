/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	defaultIDWidthBits          = 64
	defaultPlatformFeeBps       = 200
	defaultArbitrationDepositBs = 500
	defaultConfirmTimeout       = 3 * time.Minute
	defaultReconcileInterval    = time.Minute
	defaultReconcileBatchSize   = 100
	defaultReconcileConcurrency = 4
	defaultGasLimit             = 500_000
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"ESCROW_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"ESCROW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"ESCROW_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"ESCROW_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"ESCROW_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"ESCROW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"ESCROW_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"ESCROW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"ESCROW_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	AutoReleaseQueue string `json:"auto_release_queue" envconfig:"ESCROW_QUEUE_AUTO_RELEASE"`
	ReconcileQueue   string `json:"reconcile_queue" envconfig:"ESCROW_QUEUE_RECONCILE"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"ESCROW_QUEUE_WEBHOOK"`
	MaxRetryAttempts int    `json:"max_retry_attempts" envconfig:"ESCROW_QUEUE_MAX_RETRY_ATTEMPTS"`
	// MonitoringPort serves the asynqmon dashboard from the workers process; empty disables it.
	MonitoringPort string `json:"monitoring_port" envconfig:"ESCROW_QUEUE_MONITORING_PORT"`
}

// ChainConfig points the gateway at the deployed escrow contract.
type ChainConfig struct {
	RPCUrl          string `json:"rpc_url" envconfig:"ESCROW_CHAIN_RPC_URL"`
	ChainID         int64  `json:"chain_id" envconfig:"ESCROW_CHAIN_ID"`
	EscrowContract  string `json:"escrow_contract" envconfig:"ESCROW_CHAIN_ESCROW_CONTRACT"`
	IDWidthBits     int    `json:"id_width_bits" envconfig:"ESCROW_CHAIN_ID_WIDTH_BITS"`
	PlatformKey     string `json:"platform_key" envconfig:"ESCROW_CHAIN_PLATFORM_KEY"`
	ArbitratorKey   string `json:"arbitrator_key" envconfig:"ESCROW_CHAIN_ARBITRATOR_KEY"`
	GasLimit        uint64 `json:"gas_limit" envconfig:"ESCROW_CHAIN_GAS_LIMIT"`
	PollIntervalSec int    `json:"poll_interval_sec" envconfig:"ESCROW_CHAIN_POLL_INTERVAL_SEC"`
	Confirmations   uint64 `json:"confirmations" envconfig:"ESCROW_CHAIN_CONFIRMATIONS"`
}

// EscrowConfig holds the commercial constants and the on-chain wait budgets.
type EscrowConfig struct {
	PlatformFeeBps        uint32        `json:"platform_fee_bps" envconfig:"ESCROW_PLATFORM_FEE_BPS"`
	ArbitrationDepositBps uint32        `json:"arbitration_deposit_bps" envconfig:"ESCROW_ARBITRATION_DEPOSIT_BPS"`
	StakeBps              uint32        `json:"stake_bps" envconfig:"ESCROW_STAKE_BPS"`
	ApproveTimeout        time.Duration `json:"approve_timeout" envconfig:"ESCROW_APPROVE_TIMEOUT"`
	FundingTimeout        time.Duration `json:"funding_timeout" envconfig:"ESCROW_FUNDING_TIMEOUT"`
	ActionTimeout         time.Duration `json:"action_timeout" envconfig:"ESCROW_ACTION_TIMEOUT"`
	ReleaseTimeout        time.Duration `json:"release_timeout" envconfig:"ESCROW_RELEASE_TIMEOUT"`
	DisputeTimeout        time.Duration `json:"dispute_timeout" envconfig:"ESCROW_DISPUTE_TIMEOUT"`
	FundingLockTTL        time.Duration `json:"funding_lock_ttl" envconfig:"ESCROW_FUNDING_LOCK_TTL"`
}

type ReconciliationConfig struct {
	Interval    time.Duration `json:"interval" envconfig:"ESCROW_RECONCILE_INTERVAL"`
	BatchSize   int           `json:"batch_size" envconfig:"ESCROW_RECONCILE_BATCH_SIZE"`
	Concurrency int           `json:"concurrency" envconfig:"ESCROW_RECONCILE_CONCURRENCY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"ESCROW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"ESCROW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"ESCROW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type WebhookConfig struct {
	Url     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"ESCROW_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"ESCROW_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Queue           QueueConfig          `json:"queue"`
	Chain           ChainConfig          `json:"chain"`
	Escrow          EscrowConfig         `json:"escrow"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Notification    Notification         `json:"notification"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
	// Signers is a development keyring of party id to hex private key.
	Signers map[string]string `json:"signers"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("escrow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called escrow.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Escrow Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Chain.RPCUrl = strings.TrimSpace(cnf.Chain.RPCUrl)
	cnf.Chain.EscrowContract = strings.TrimSpace(cnf.Chain.EscrowContract)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if err := cnf.Chain.validateAndAddDefaults(); err != nil {
		return err
	}
	if err := cnf.Escrow.validateAndAddDefaults(); err != nil {
		return err
	}
	cnf.Queue.addDefaults()
	cnf.Reconciliation.addDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (c *ChainConfig) validateAndAddDefaults() error {
	if c.IDWidthBits == 0 {
		c.IDWidthBits = defaultIDWidthBits
	}
	if c.IDWidthBits%8 != 0 || c.IDWidthBits < 32 || c.IDWidthBits > 128 {
		return errors.New("chain id width must be a multiple of 8 between 32 and 128 bits")
	}
	if c.GasLimit == 0 {
		c.GasLimit = defaultGasLimit
	}
	if c.PollIntervalSec <= 0 {
		c.PollIntervalSec = 2
	}
	if c.Confirmations == 0 {
		c.Confirmations = 1
	}
	return nil
}

func (e *EscrowConfig) validateAndAddDefaults() error {
	if e.PlatformFeeBps == 0 {
		e.PlatformFeeBps = defaultPlatformFeeBps
	}
	if e.ArbitrationDepositBps == 0 {
		e.ArbitrationDepositBps = defaultArbitrationDepositBs
	}
	if e.PlatformFeeBps > 10_000 || e.ArbitrationDepositBps > 10_000 || e.StakeBps > 10_000 {
		return errors.New("basis point settings must not exceed 10000")
	}
	for _, d := range []*time.Duration{&e.ApproveTimeout, &e.FundingTimeout, &e.ActionTimeout, &e.ReleaseTimeout, &e.DisputeTimeout} {
		if *d <= 0 {
			*d = defaultConfirmTimeout
		}
	}
	if e.FundingLockTTL <= 0 {
		e.FundingLockTTL = 2*e.FundingTimeout + e.ApproveTimeout
	}
	return nil
}

func (q *QueueConfig) addDefaults() {
	if q.AutoReleaseQueue == "" {
		q.AutoReleaseQueue = "escrow_auto_release"
	}
	if q.ReconcileQueue == "" {
		q.ReconcileQueue = "escrow_reconcile"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "escrow_webhook"
	}
	if q.MaxRetryAttempts <= 0 {
		q.MaxRetryAttempts = 5
	}
}

func (r *ReconciliationConfig) addDefaults() {
	if r.Interval <= 0 {
		r.Interval = defaultReconcileInterval
	}
	if r.BatchSize <= 0 {
		r.BatchSize = defaultReconcileBatchSize
	}
	if r.Concurrency <= 0 {
		r.Concurrency = defaultReconcileConcurrency
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
