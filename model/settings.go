package model

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// PoolSettings bounds the connection supervisor.
type PoolSettings struct {
	MaxConnections    int           `validate:"gt=0"`
	MaxRetries        int           `validate:"gt=0"`
	BaseBackoff       time.Duration `validate:"gt=0"`
	MaxBackoff        time.Duration `validate:"gt=0,gtefield=BaseBackoff"`
	HeartbeatInterval time.Duration `validate:"gte=0"`
}

// FeedSettings drives symbol partitioning and reconciliation.
type FeedSettings struct {
	MaxSymbolsPerWorker int           `validate:"gt=0"`
	InterestTTL         time.Duration `validate:"gt=0"`
	SweepInterval       time.Duration `validate:"gt=0"`
	ReconcileDebounce   time.Duration `validate:"gt=0"`
	HeartbeatInterval   time.Duration `validate:"gt=0"`
	DepthLevel          int           `validate:"gte=0,lte=10"`
	Essentials          []string
}

// QueueSettings bounds outbound REST traffic to the provider.
type QueueSettings struct {
	RatePerMinute int           `validate:"gt=0"`
	SafetyFactor  float64       `validate:"gte=1"`
	MaxRetries    int           `validate:"gte=0"`
	RetryBase     time.Duration `validate:"gt=0"`
}

// CacheSettings configures the three cache tiers.
type CacheSettings struct {
	MemoryMaxEntries int           `validate:"gt=0"`
	MemoryTTL        time.Duration `validate:"gt=0"`
	DiskDir          string        `validate:"required"`
}

// PipelineSettings bounds the delivery stage.
type PipelineSettings struct {
	HighCapacity   int `validate:"gt=0"`
	NormalCapacity int `validate:"gt=0"`
	BatchSize      int `validate:"gt=0"`
}

// ProviderSettings identifies the upstream feed.
type ProviderSettings struct {
	Token   string `validate:"required"`
	BaseURL string `validate:"required,url"`
	WsURL   string `validate:"required"`
}

// Settings is the full runtime configuration of the feed service,
// assembled from viper keys in cmd and validated once at startup.
type Settings struct {
	Provider ProviderSettings
	Pool     PoolSettings
	Feed     FeedSettings
	Queue    QueueSettings
	Cache    CacheSettings
	Pipeline PipelineSettings
}

// Validate 校验配置参数
func (s Settings) Validate() error {
	return validator.New().Struct(s)
}
