package librd

import (
	"time"

	librdKafka "github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/gmbyapa/krill/kafka"
)

type Config struct {
	*kafka.ClientConfig
	Librd *librdKafka.ConfigMap

	// MaxPollRecords bounds the number of records drained from the client
	// per Poll call.
	MaxPollRecords int

	TopicMetaFetchTimeout time.Duration
}

func NewConfig() *Config {
	return &Config{
		ClientConfig:          kafka.NewClientConfig(),
		Librd:                 defaultLibrdConfig(),
		MaxPollRecords:        500,
		TopicMetaFetchTimeout: 10 * time.Second,
	}
}

func (conf *Config) copy() *Config {
	librdCopy := librdKafka.ConfigMap{}
	for key, val := range *conf.Librd {
		librdCopy[key] = val
	}

	return &Config{
		ClientConfig:          conf.ClientConfig.Copy(),
		Librd:                 &librdCopy,
		MaxPollRecords:        conf.MaxPollRecords,
		TopicMetaFetchTimeout: conf.TopicMetaFetchTimeout,
	}
}

func defaultLibrdConfig() *librdKafka.ConfigMap {
	return &librdKafka.ConfigMap{
		"session.timeout.ms":            6000,
		"partition.assignment.strategy": "cooperative-sticky",
		"go.logs.channel.enable":        true,
		"log_level":                     7,
		"statistics.interval.ms":        5000,
	}
}

func (conf *Config) setUp() error {
	if err := conf.Librd.SetKey(`client.id`, conf.Id); err != nil {
		return err
	}

	if err := conf.Librd.SetKey(`group.id`, conf.GroupId); err != nil {
		return err
	}

	if err := conf.Librd.SetKey(`bootstrap.servers`, bootstrapServers(conf.BootstrapServers)); err != nil {
		return err
	}

	var offset string
	switch conf.InitialOffset {
	case kafka.OffsetLatest:
		offset = `latest`
	default:
		offset = `earliest`
	}

	if err := conf.Librd.SetKey(`auto.offset.reset`, offset); err != nil {
		return err
	}

	if err := conf.Librd.SetKey(`enable.auto.commit`, conf.AutoCommit); err != nil {
		return err
	}

	if err := conf.Librd.SetKey(`enable.auto.offset.store`, false); err != nil {
		return err
	}

	// The actor drives assignment changes, record delivery and offset
	// commits itself.
	if err := conf.Librd.SetKey(`go.application.rebalance.enable`, true); err != nil {
		return err
	}

	if err := conf.Librd.SetKey(`go.events.channel.enable`, false); err != nil {
		return err
	}

	switch conf.IsolationLevel {
	case kafka.ReadCommitted:
		if err := conf.Librd.SetKey(`isolation.level`, `read_committed`); err != nil {
			return err
		}
	case kafka.ReadUncommitted:
		if err := conf.Librd.SetKey(`isolation.level`, `read_uncommitted`); err != nil {
			return err
		}
	}

	// User provided properties always win.
	for key, val := range conf.Properties {
		if err := conf.Librd.SetKey(key, val); err != nil {
			return err
		}
	}

	return nil
}
