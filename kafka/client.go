package kafka

import (
	"context"
	"regexp"
	"time"

	"github.com/tryfix/log"
	"github.com/tryfix/metrics"
)

// RecordContextBinderFunc extracts a context for a record, typically from
// trace headers.
type RecordContextBinderFunc func(record Record) context.Context

// RebalanceCallback receives partition assignment changes from the group
// coordinator. Both callbacks fire on the goroutine currently inside
// Client.Poll, before Poll returns. Callback bodies must be cheap
// book-keeping only and must never call back into the Client.
type RebalanceCallback struct {
	OnAssigned func(tps TopicPartitions)
	OnRevoked  func(tps TopicPartitions)
}

// Client is the port to the underlying kafka consumer client.
//
// Implementations are NOT safe for concurrent use. All calls must be
// serialized by the owner (see consumer.Handle). Poll drives network IO,
// group heartbeats and the rebalance callbacks.
type Client interface {
	Subscribe(topics []string, cb RebalanceCallback) error
	SubscribePattern(pattern *regexp.Regexp, cb RebalanceCallback) error
	Assign(tps TopicPartitions) error
	Unsubscribe() error

	// Poll blocks for at most timeout and returns fetched records, if any.
	// Rebalance callbacks registered via Subscribe fire from inside Poll.
	Poll(timeout time.Duration) ([]Record, error)

	CommitSync(offsets map[TopicPartition]OffsetAndMetadata) error
	CommitAsync(offsets map[TopicPartition]OffsetAndMetadata, done func(error)) error

	Seek(tp TopicPartition, offset int64) error
	SeekToBeginning(tps TopicPartitions) error
	SeekToEnd(tps TopicPartitions) error
	Position(tp TopicPartition) (int64, error)

	PartitionsFor(topic string) ([]PartitionConf, error)
	BeginningOffsets(tps TopicPartitions) (map[TopicPartition]int64, error)
	EndOffsets(tps TopicPartitions) (map[TopicPartition]int64, error)

	// Pause and Resume control fetching for assigned partitions. Only the
	// consumer actor may call these, paused state is part of its fetch
	// book-keeping.
	Pause(tps TopicPartitions) error
	Resume(tps TopicPartitions) error

	Metrics() map[string]interface{}
	Close() error
}

// ClientBuilder builds a Client from adaptor specific configs. Adaptors
// provide implementations (see kafka/adaptors/librd).
type ClientBuilder func(configure func(*ClientConfig)) (Client, error)

// ClientConfig carries the client-neutral part of an adaptor config.
type ClientConfig struct {
	Id               string
	GroupId          string
	BootstrapServers []string
	IsolationLevel   IsolationLevel
	InitialOffset    Offset
	AutoCommit       bool

	// Properties are passed through to the underlying client untouched.
	Properties map[string]interface{}

	Logger           log.Logger
	MetricsReporter  metrics.Reporter
	ContextExtractor RecordContextBinderFunc
}

// NewClientConfig returns a config with library defaults.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		IsolationLevel:  ReadCommitted,
		InitialOffset:   OffsetEarliest,
		Properties:      map[string]interface{}{},
		Logger:          log.NewNoopLogger(),
		MetricsReporter: metrics.NoopReporter(),
	}
}

// Copy returns an independent copy of the config.
func (conf *ClientConfig) Copy() *ClientConfig {
	props := make(map[string]interface{}, len(conf.Properties))
	for key, val := range conf.Properties {
		props[key] = val
	}

	return &ClientConfig{
		Id:               conf.Id,
		GroupId:          conf.GroupId,
		BootstrapServers: conf.BootstrapServers,
		IsolationLevel:   conf.IsolationLevel,
		InitialOffset:    conf.InitialOffset,
		AutoCommit:       conf.AutoCommit,
		Properties:       props,
		Logger:           conf.Logger,
		MetricsReporter:  conf.MetricsReporter,
		ContextExtractor: conf.ContextExtractor,
	}
}
