package consumer

import (
	"time"

	"github.com/google/uuid"
	"github.com/tryfix/log"
	"github.com/tryfix/metrics"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/errors"
	"github.com/gmbyapa/krill/streams/encoding"
)

type Config struct {
	Id               string
	GroupId          string
	BootstrapServers []string

	// PollInterval is the delay between scheduler injected polls.
	PollInterval time.Duration

	// PollTimeout bounds the blocking time of a single client poll.
	PollTimeout time.Duration

	// MaxPrefetchBatches is the number of record chunks buffered per
	// partition stream, the chunk being consumed included. The partition
	// is paused at the client once the limit is reached.
	MaxPrefetchBatches int

	Commit struct {
		Recovery   CommitRecovery
		Timeout    time.Duration
		MaxRetries int
	}

	KeyEncoder   encoding.Encoder
	ValueEncoder encoding.Encoder

	// ClientBuilder provides the underlying kafka client
	// (see kafka/adaptors/librd).
	ClientBuilder kafka.ClientBuilder

	// OffsetManagerBuilder is optional. When set, commit recovery uses it
	// to validate offsets of failed commits
	// (see kafka/adaptors/sarama/offsets).
	OffsetManagerBuilder kafka.OffsetManagerBuilder

	// Properties are passed through to the underlying client untouched.
	Properties map[string]interface{}

	Logger           log.Logger
	MetricsReporter  metrics.Reporter
	ContextExtractor kafka.RecordContextBinderFunc
}

func NewConfig() *Config {
	conf := &Config{
		Id:                 `krill-consumer-` + uuid.New().String(),
		PollInterval:       50 * time.Millisecond,
		PollTimeout:        100 * time.Millisecond,
		MaxPrefetchBatches: 2,
		KeyEncoder:         encoding.ByteEncoder{},
		ValueEncoder:       encoding.ByteEncoder{},
		Properties:         map[string]interface{}{},
		Logger:             log.NewNoopLogger(),
		MetricsReporter:    metrics.NoopReporter(),
	}
	conf.Commit.Recovery = CommitRecoveryDefault
	conf.Commit.Timeout = 15 * time.Second
	conf.Commit.MaxRetries = 3

	return conf
}

func (conf *Config) validate() error {
	if conf.ClientBuilder == nil {
		return errors.New(`consumer config requires a ClientBuilder`)
	}

	if conf.PollInterval <= 0 {
		return errors.New(`PollInterval must be positive`)
	}

	if conf.PollTimeout < 0 {
		return errors.New(`PollTimeout cannot be negative`)
	}

	if conf.MaxPrefetchBatches < 1 {
		return errors.New(`MaxPrefetchBatches must be at least 1`)
	}

	if conf.Commit.MaxRetries < 0 {
		return errors.New(`Commit.MaxRetries cannot be negative`)
	}

	return nil
}
