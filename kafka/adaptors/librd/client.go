package librd

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	librdKafka "github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/tryfix/log"
	"github.com/tryfix/metrics"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/errors"
)

// client implements kafka.Client on top of librdkafka. Not safe for
// concurrent use, callers serialize access (see consumer.Handle).
type client struct {
	consumer *librdKafka.Consumer
	config   *Config
	logger   log.Logger

	rebalanceCb kafka.RebalanceCallback
	stats       map[string]interface{}

	metrics struct {
		rebalanceLatency metrics.Observer
	}
}

// NewClientBuilder returns a kafka.ClientBuilder backed by librdkafka.
func NewClientBuilder(configure func(*Config)) kafka.ClientBuilder {
	defaultConf := NewConfig()
	if configure != nil {
		configure(defaultConf)
	}

	return func(configure func(*kafka.ClientConfig)) (kafka.Client, error) {
		conf := defaultConf.copy()
		configure(conf.ClientConfig)

		return NewClient(conf)
	}
}

// NewClient creates a librdkafka backed kafka.Client.
func NewClient(conf *Config) (kafka.Client, error) {
	if err := conf.setUp(); err != nil {
		return nil, errors.Wrap(err, `librd config setup failed`)
	}

	con, err := librdKafka.NewConsumer(conf.Librd)
	if err != nil {
		return nil, errors.Wrap(err, `new consumer failed`)
	}

	c := &client{
		consumer: con,
		config:   conf,
		logger:   conf.Logger.NewLog(log.Prefixed(`LibrdClient`)),
	}

	reporter := conf.MetricsReporter.Reporter(metrics.ReporterConf{Subsystem: `krill_librd_client`})
	c.metrics.rebalanceLatency = reporter.Observer(metrics.MetricConf{
		Path: `rebalance_latency_microseconds`,
	})

	go c.printLogs()

	return c, nil
}

func (c *client) Subscribe(topics []string, cb kafka.RebalanceCallback) error {
	c.rebalanceCb = cb
	c.logger.Info(fmt.Sprintf(`Subscribing to topics %v`, topics))

	if err := c.consumer.SubscribeTopics(topics, c.rebalance); err != nil {
		return errors.Wrap(err, `consumer subscribe failed`)
	}

	return nil
}

func (c *client) SubscribePattern(pattern *regexp.Regexp, cb kafka.RebalanceCallback) error {
	c.rebalanceCb = cb
	c.logger.Info(fmt.Sprintf(`Subscribing to pattern %s`, pattern))

	// librdkafka treats topics prefixed with ^ as regex subscriptions.
	if err := c.consumer.SubscribeTopics([]string{`^` + pattern.String()}, c.rebalance); err != nil {
		return errors.Wrap(err, `consumer pattern subscribe failed`)
	}

	return nil
}

func (c *client) Assign(tps kafka.TopicPartitions) error {
	if err := c.consumer.Assign(c.toLibrd(tps, librdKafka.OffsetStored)); err != nil {
		return errors.Wrap(err, `manual assign failed`)
	}

	return nil
}

func (c *client) Unsubscribe() error {
	if err := c.consumer.Unsubscribe(); err != nil {
		return errors.Wrap(err, `consumer unsubscribe failed`)
	}

	return nil
}

func (c *client) Poll(timeout time.Duration) ([]kafka.Record, error) {
	var records []kafka.Record

	remaining := int(timeout.Milliseconds())
	for {
		ev := c.consumer.Poll(remaining)
		if ev == nil {
			break
		}

		// Once the first event arrived drain whatever else is ready
		// without blocking again.
		remaining = 0

		switch e := ev.(type) {
		case *librdKafka.Message:
			record := &Record{librd: e, ctx: context.Background()}
			if c.config.ContextExtractor != nil {
				record.ctx = c.config.ContextExtractor(record)
			}

			records = append(records, record)
			if len(records) >= c.config.MaxPollRecords {
				return records, nil
			}

		case librdKafka.PartitionEOF:
			c.logger.Debug(fmt.Sprintf(`Partition end %s`, e))

		case *librdKafka.Stats:
			var stats map[string]interface{}
			if err := json.Unmarshal([]byte(e.String()), &stats); err != nil {
				c.logger.Warn(fmt.Sprintf(`Stats decode failed due to %s`, err))
				continue
			}
			c.stats = stats

		case librdKafka.Error:
			if e.IsFatal() {
				return records, errors.Wrap(e, `fatal client error`)
			}
			c.logger.Warn(fmt.Sprintf(`Consume error due to %s`, e))

		default:
			c.logger.Trace(fmt.Sprintf(`Ignored event %v`, e))
		}
	}

	return records, nil
}

func (c *client) CommitSync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) error {
	if _, err := c.consumer.CommitOffsets(c.toLibrdOffsets(offsets)); err != nil {
		return errors.Wrap(err, `offset commit failed`)
	}

	return nil
}

func (c *client) CommitAsync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata, done func(error)) error {
	// librdkafka's Go binding only exposes a synchronous commit. The
	// completion contract (done fires once the broker acknowledged) holds
	// either way.
	_, err := c.consumer.CommitOffsets(c.toLibrdOffsets(offsets))
	if err != nil {
		err = errors.Wrap(err, `offset commit failed`)
	}

	if done != nil {
		done(err)
	}

	return nil
}

func (c *client) Seek(tp kafka.TopicPartition, offset int64) error {
	return c.seek(tp, librdKafka.Offset(offset))
}

func (c *client) SeekToBeginning(tps kafka.TopicPartitions) error {
	for _, tp := range tps {
		if err := c.seek(tp, librdKafka.OffsetBeginning); err != nil {
			return err
		}
	}

	return nil
}

func (c *client) SeekToEnd(tps kafka.TopicPartitions) error {
	for _, tp := range tps {
		if err := c.seek(tp, librdKafka.OffsetEnd); err != nil {
			return err
		}
	}

	return nil
}

func (c *client) seek(tp kafka.TopicPartition, offset librdKafka.Offset) error {
	if err := c.consumer.Seek(librdKafka.TopicPartition{
		Topic:     &tp.Topic,
		Partition: tp.Partition,
		Offset:    offset,
	}, int(c.config.TopicMetaFetchTimeout.Milliseconds())); err != nil {
		return errors.Wrapf(err, `seek failed on %s`, tp)
	}

	return nil
}

func (c *client) Position(tp kafka.TopicPartition) (int64, error) {
	positions, err := c.consumer.Position([]librdKafka.TopicPartition{{
		Topic:     &tp.Topic,
		Partition: tp.Partition,
	}})
	if err != nil {
		return 0, errors.Wrapf(err, `position fetch failed on %s`, tp)
	}

	if len(positions) < 1 {
		return 0, errors.Errorf(`position unknown for %s`, tp)
	}

	return int64(positions[0].Offset), nil
}

func (c *client) PartitionsFor(topic string) ([]kafka.PartitionConf, error) {
	meta, err := c.consumer.GetMetadata(&topic, false, int(c.config.TopicMetaFetchTimeout.Milliseconds()))
	if err != nil {
		return nil, errors.Wrapf(err, `metadata fetch failed for %s`, topic)
	}

	topicMeta, ok := meta.Topics[topic]
	if !ok {
		return nil, errors.Errorf(`topic %s does not exist`, topic)
	}

	if topicMeta.Error.Code() != librdKafka.ErrNoError {
		return nil, errors.Wrapf(topicMeta.Error, `metadata fetch failed for %s`, topic)
	}

	partitions := make([]kafka.PartitionConf, len(topicMeta.Partitions))
	for i, pt := range topicMeta.Partitions {
		partitions[i] = kafka.PartitionConf{Id: pt.ID}
		if pt.Error.Code() != librdKafka.ErrNoError {
			partitions[i].Error = pt.Error
		}
	}

	return partitions, nil
}

func (c *client) BeginningOffsets(tps kafka.TopicPartitions) (map[kafka.TopicPartition]int64, error) {
	return c.watermarks(tps, false)
}

func (c *client) EndOffsets(tps kafka.TopicPartitions) (map[kafka.TopicPartition]int64, error) {
	return c.watermarks(tps, true)
}

func (c *client) watermarks(tps kafka.TopicPartitions, end bool) (map[kafka.TopicPartition]int64, error) {
	offsets := make(map[kafka.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		low, high, err := c.consumer.QueryWatermarkOffsets(
			tp.Topic, tp.Partition, int(c.config.TopicMetaFetchTimeout.Milliseconds()))
		if err != nil {
			return nil, errors.Wrapf(err, `watermark fetch failed on %s`, tp)
		}

		if end {
			offsets[tp] = high
		} else {
			offsets[tp] = low
		}
	}

	return offsets, nil
}

func (c *client) Pause(tps kafka.TopicPartitions) error {
	if err := c.consumer.Pause(c.toLibrd(tps, librdKafka.OffsetInvalid)); err != nil {
		return errors.Wrap(err, `partition pause failed`)
	}

	return nil
}

func (c *client) Resume(tps kafka.TopicPartitions) error {
	if err := c.consumer.Resume(c.toLibrd(tps, librdKafka.OffsetInvalid)); err != nil {
		return errors.Wrap(err, `partition resume failed`)
	}

	return nil
}

func (c *client) Metrics() map[string]interface{} {
	return c.stats
}

func (c *client) Close() error {
	c.logger.Info(`Client closing...`)
	defer c.logger.Info(`Client closed`)

	return c.consumer.Close()
}

// rebalance runs inside Poll on the actor goroutine.
func (c *client) rebalance(con *librdKafka.Consumer, event librdKafka.Event) error {
	defer func(since time.Time) {
		c.metrics.rebalanceLatency.Observe(float64(time.Since(since).Microseconds()), nil)
	}(time.Now())

	cooperative := con.GetRebalanceProtocol() == `COOPERATIVE`

	switch ev := event.(type) {
	case librdKafka.AssignedPartitions:
		tps := c.fromLibrd(ev.Partitions)
		c.logger.Info(fmt.Sprintf(`Partitions %s assigning...`, tps))

		if cooperative {
			if err := con.IncrementalAssign(ev.Partitions); err != nil {
				return err
			}
		} else {
			if err := con.Assign(ev.Partitions); err != nil {
				return err
			}
		}

		if c.rebalanceCb.OnAssigned != nil {
			c.rebalanceCb.OnAssigned(tps)
		}

	case librdKafka.RevokedPartitions:
		tps := c.fromLibrd(ev.Partitions)
		c.logger.Info(fmt.Sprintf(`Partitions %s revoking...`, tps))

		if con.AssignmentLost() {
			c.logger.Warn(`Consumer assignment lost`)
		}

		if c.rebalanceCb.OnRevoked != nil {
			c.rebalanceCb.OnRevoked(tps)
		}

		if cooperative {
			if err := con.IncrementalUnassign(ev.Partitions); err != nil {
				return err
			}
		} else {
			if err := con.Unassign(); err != nil {
				return err
			}
		}

	case librdKafka.Error:
		c.logger.Warn(fmt.Sprintf(`Rebalance error due to %s`, ev))
	}

	return nil
}

func (c *client) toLibrd(tps kafka.TopicPartitions, offset librdKafka.Offset) []librdKafka.TopicPartition {
	librdTps := make([]librdKafka.TopicPartition, len(tps))
	for i := range tps {
		librdTps[i] = librdKafka.TopicPartition{
			Topic:     &tps[i].Topic,
			Partition: tps[i].Partition,
			Offset:    offset,
		}
	}

	return librdTps
}

func (c *client) toLibrdOffsets(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) []librdKafka.TopicPartition {
	librdTps := make([]librdKafka.TopicPartition, 0, len(offsets))
	for tp, om := range offsets {
		topic := tp.Topic
		meta := om.Metadata
		librdTps = append(librdTps, librdKafka.TopicPartition{
			Topic:     &topic,
			Partition: tp.Partition,
			Offset:    librdKafka.Offset(om.Offset),
			Metadata:  &meta,
		})
	}

	return librdTps
}

func (c *client) fromLibrd(tps []librdKafka.TopicPartition) kafka.TopicPartitions {
	consumerTps := make(kafka.TopicPartitions, len(tps))
	for i, tp := range tps {
		consumerTps[i] = kafka.TopicPartition{
			Topic:     *tp.Topic,
			Partition: tp.Partition,
		}
	}

	return consumerTps
}

func (c *client) printLogs() {
	logger := c.config.Logger.NewLog(log.Prefixed(`Librdkafka`))
	for lg := range c.consumer.Logs() {
		switch lg.Level {
		case 0, 1, 2:
			logger.Error(lg.String())
		case 3, 4, 5:
			logger.Warn(lg.String())
		case 6:
			logger.Info(lg.String())
		case 7:
			logger.Debug(lg.String())
		}
	}
}

func bootstrapServers(servers []string) string {
	return strings.Join(servers, `,`)
}
