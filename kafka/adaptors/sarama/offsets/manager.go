package offsets

import (
	"github.com/Shopify/sarama"
	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/errors"
)

type Config struct {
	Sarama *sarama.Config
	*kafka.OffsetManagerConfig
}

func NewConfig() *Config {
	return &Config{
		Sarama:              sarama.NewConfig(),
		OffsetManagerConfig: kafka.NewOffsetManagerConfig(),
	}
}

type manager struct {
	client sarama.Client
	logger log.Logger
}

// NewOffsetManagerBuilder returns a kafka.OffsetManagerBuilder backed by a
// sarama client.
func NewOffsetManagerBuilder(configure func(*Config)) kafka.OffsetManagerBuilder {
	adptConf := NewConfig()
	if configure != nil {
		configure(adptConf)
	}

	return func(configure func(*kafka.OffsetManagerConfig)) (kafka.OffsetManager, error) {
		configure(adptConf.OffsetManagerConfig)
		adptConf.Sarama.ClientID = adptConf.Id

		return NewManager(adptConf)
	}
}

func NewManager(config *Config) (kafka.OffsetManager, error) {
	logger := config.Logger.NewLog(log.Prefixed(`OffsetManager`))

	client, err := sarama.NewClient(config.BootstrapServers, config.Sarama)
	if err != nil {
		return nil, errors.Wrap(err, `offset manager client failed`)
	}

	return &manager{client: client, logger: logger}, nil
}

func (m *manager) OffsetValid(topic string, partition int32, offset int64) (bool, error) {
	oldest, err := m.GetOffsetOldest(topic, partition)
	if err != nil {
		return false, errors.Wrapf(err, `offset validate failed for %s-%d`, topic, partition)
	}

	latest, err := m.GetOffsetLatest(topic, partition)
	if err != nil {
		return false, errors.Wrapf(err, `offset validate failed for %s-%d`, topic, partition)
	}

	return offset >= oldest && offset <= latest, nil
}

func (m *manager) GetOffsetLatest(topic string, partition int32) (int64, error) {
	offset, err := m.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, errors.Wrapf(err, `cannot get latest offset for %s-%d`, topic, partition)
	}

	return offset, nil
}

func (m *manager) GetOffsetOldest(topic string, partition int32) (int64, error) {
	offset, err := m.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, errors.Wrapf(err, `cannot get oldest offset for %s-%d`, topic, partition)
	}

	return offset, nil
}

func (m *manager) Close() error {
	return m.client.Close()
}
