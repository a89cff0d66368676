package kafka

import (
	"github.com/tryfix/log"
	"github.com/tryfix/metrics"
)

// OffsetManager looks up partition watermarks without owning a consumer
// group membership. The commit recovery policy uses it to classify failed
// commits, and it is usable standalone for lag tooling.
type OffsetManager interface {
	OffsetValid(topic string, partition int32, offset int64) (isValid bool, err error)
	GetOffsetLatest(topic string, partition int32) (offset int64, err error)
	GetOffsetOldest(topic string, partition int32) (offset int64, err error)
	Close() error
}

type OffsetManagerConfig struct {
	Id               string
	BootstrapServers []string

	Logger          log.Logger
	MetricsReporter metrics.Reporter
}

func NewOffsetManagerConfig() *OffsetManagerConfig {
	return &OffsetManagerConfig{
		Logger:          log.NewNoopLogger(),
		MetricsReporter: metrics.NoopReporter(),
	}
}

type OffsetManagerBuilder func(func(config *OffsetManagerConfig)) (OffsetManager, error)
