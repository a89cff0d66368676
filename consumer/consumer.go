package consumer

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/async"
	"github.com/gmbyapa/krill/pkg/errors"
)

// Consumer turns a single blocking kafka client into a family of
// backpressured, partition aware record streams. All client access is
// serialized through one actor goroutine; public operations communicate with
// it by enqueueing requests and awaiting completion.
//
// A Consumer supports one active top-level stream at a time. Starting a new
// one displaces the previous.
type Consumer struct {
	config *Config
	handle *Handle
	actor  *actor
	group  *async.RunGroup

	streamIds int64

	stopOnce  sync.Once
	closeOnce sync.Once

	logger log.Logger
}

// NewConsumer builds the client through Config.ClientBuilder, spawns the
// actor and the poll scheduler and supervises them as a pair: either one
// failing or finishing stops the other.
func NewConsumer(configure func(*Config)) (*Consumer, error) {
	config := NewConfig()
	configure(config)

	if err := config.validate(); err != nil {
		return nil, errors.Wrap(err, `invalid consumer config`)
	}

	client, err := config.ClientBuilder(func(cc *kafka.ClientConfig) {
		cc.Id = config.Id
		cc.GroupId = config.GroupId
		cc.BootstrapServers = config.BootstrapServers
		cc.Logger = config.Logger
		cc.MetricsReporter = config.MetricsReporter
		cc.ContextExtractor = config.ContextExtractor
		for key, val := range config.Properties {
			cc.Properties[key] = val
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, `client build failed`)
	}

	logger := config.Logger.NewLog(log.Prefixed(fmt.Sprintf(`Consumer(%s)`, config.Id)))

	c := &Consumer{
		config: config,
		handle: NewHandle(client, config.Logger),
		logger: logger,
	}
	c.actor = newActor(c, c.handle, config)

	if config.OffsetManagerBuilder != nil {
		manager, err := config.OffsetManagerBuilder(func(oc *kafka.OffsetManagerConfig) {
			oc.Id = config.Id
			oc.BootstrapServers = config.BootstrapServers
			oc.Logger = config.Logger
			oc.MetricsReporter = config.MetricsReporter
		})
		if err != nil {
			c.actor.requests.Close()
			c.handle.Close()
			return nil, errors.Wrap(err, `offset manager build failed`)
		}
		c.actor.offsetManager = manager
	}

	c.group = async.NewRunGroup(config.Logger).
		Add(c.actor.run).
		Add(c.actor.schedulePolls)
	c.group.Run()

	// The client outlives both loops by exactly one step: once the pair
	// has stopped the handle closes.
	go func() {
		<-c.group.Stopped()
		c.closeResources()
	}()

	return c, nil
}

// Subscribe subscribes the consumer to the given topics. Partitions arrive
// through rebalance callbacks on subsequent polls.
func (c *Consumer) Subscribe(topics []string) error {
	if len(topics) == 0 {
		return errors.New(`subscribe requires at least one topic`)
	}

	req := &subscribeTopicsRequest{topics: topics, done: make(chan error, 1)}
	c.actor.send(req)
	return c.await(req.done)
}

// SubscribePattern subscribes to every topic matching pattern.
func (c *Consumer) SubscribePattern(pattern *regexp.Regexp) error {
	req := &subscribePatternRequest{pattern: pattern, done: make(chan error, 1)}
	c.actor.send(req)
	return c.await(req.done)
}

// Assign manually assigns partitions, bypassing the group coordinator.
func (c *Consumer) Assign(tps []kafka.TopicPartition) error {
	if len(tps) == 0 {
		return errors.New(`assign requires at least one partition`)
	}

	req := &assignRequest{tps: kafka.TopicPartitions(tps).Copy().Sort(), done: make(chan error, 1)}
	c.actor.send(req)
	return c.await(req.done)
}

// AssignTopic assigns the given partitions of a topic, or all of its
// partitions when none are given.
func (c *Consumer) AssignTopic(topic string, partitions ...int32) error {
	if len(partitions) == 0 {
		confs, err := c.PartitionsFor(topic)
		if err != nil {
			return err
		}
		for _, conf := range confs {
			partitions = append(partitions, conf.Id)
		}
	}

	tps := make(kafka.TopicPartitions, 0, len(partitions))
	for _, partition := range partitions {
		tps = append(tps, kafka.TopicPartition{Topic: topic, Partition: partition})
	}

	return c.Assign(tps)
}

func (c *Consumer) Unsubscribe() error {
	req := &unsubscribeRequest{done: make(chan error, 1)}
	c.actor.send(req)
	return c.await(req.done)
}

// Assignment returns the current assignment snapshot. Optional listeners are
// registered atomically with the snapshot and fire on later rebalances.
func (c *Consumer) Assignment(listeners ...*RebalanceListener) (kafka.TopicPartitions, error) {
	select {
	case <-c.group.Stopped():
		return nil, ErrConsumerClosed
	default:
	}

	for _, l := range listeners {
		c.actor.send(&assignmentRequest{user: l, reply: make(chan assignmentReply, 1)})
	}

	req := &assignmentRequest{reply: make(chan assignmentReply, 1)}
	c.actor.send(req)

	select {
	case reply := <-req.reply:
		return reply.tps, nil
	case <-c.group.Stopped():
		return nil, ErrConsumerClosed
	}
}

// Seek moves the fetch position of tp. Valid until the next record for the
// partition is polled.
func (c *Consumer) Seek(tp kafka.TopicPartition, offset int64) error {
	return c.handle.Blocking(func(client kafka.Client) error {
		return client.Seek(tp, offset)
	})
}

func (c *Consumer) SeekToBeginning(tps ...kafka.TopicPartition) error {
	return c.handle.Blocking(func(client kafka.Client) error {
		return client.SeekToBeginning(tps)
	})
}

func (c *Consumer) SeekToEnd(tps ...kafka.TopicPartition) error {
	return c.handle.Blocking(func(client kafka.Client) error {
		return client.SeekToEnd(tps)
	})
}

func (c *Consumer) Position(tp kafka.TopicPartition) (int64, error) {
	var position int64
	err := c.handle.Blocking(func(client kafka.Client) error {
		pos, err := client.Position(tp)
		position = pos
		return err
	})

	return position, err
}

func (c *Consumer) PartitionsFor(topic string) ([]kafka.PartitionConf, error) {
	var partitions []kafka.PartitionConf
	err := c.handle.Blocking(func(client kafka.Client) error {
		confs, err := client.PartitionsFor(topic)
		partitions = confs
		return err
	})

	return partitions, err
}

func (c *Consumer) BeginningOffsets(tps ...kafka.TopicPartition) (map[kafka.TopicPartition]int64, error) {
	var offsets map[kafka.TopicPartition]int64
	err := c.handle.Blocking(func(client kafka.Client) error {
		fetched, err := client.BeginningOffsets(tps)
		offsets = fetched
		return err
	})

	return offsets, err
}

func (c *Consumer) EndOffsets(tps ...kafka.TopicPartition) (map[kafka.TopicPartition]int64, error) {
	var offsets map[kafka.TopicPartition]int64
	err := c.handle.Blocking(func(client kafka.Client) error {
		fetched, err := client.EndOffsets(tps)
		offsets = fetched
		return err
	})

	return offsets, err
}

func (c *Consumer) Metrics() (map[string]interface{}, error) {
	var stats map[string]interface{}
	err := c.handle.Blocking(func(client kafka.Client) error {
		stats = client.Metrics()
		return nil
	})

	return stats, err
}

// CommitSync commits the given offsets and returns once the broker
// acknowledged, the commit recovery policy applied.
func (c *Consumer) CommitSync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) error {
	req := &commitRequest{offsets: offsets, done: make(chan error, 1)}
	c.actor.send(req)

	timeout := time.NewTimer(c.config.Commit.Timeout)
	defer timeout.Stop()

	select {
	case err := <-req.done:
		return err
	case <-timeout.C:
		return ErrCommitTimeout
	case <-c.group.Stopped():
		return ErrConsumerClosed
	}
}

// CommitAsync commits without waiting. The returned channel delivers the
// broker's acknowledgement or error.
func (c *Consumer) CommitAsync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) <-chan error {
	req := &commitRequest{offsets: offsets, done: make(chan error, 1)}
	c.actor.send(req)

	return req.done
}

// StopConsuming stops record delivery without closing the consumer. It is
// monotonic: assignment streams terminate, partition streams drain and end,
// commits in flight still complete. Blocks until the actor acknowledged.
func (c *Consumer) StopConsuming() {
	c.stopOnce.Do(func() {
		req := &stopConsumingRequest{done: make(chan struct{})}
		c.actor.send(req)

		select {
		case <-req.done:
		case <-c.group.Stopped():
		}
	})
}

// Terminate stops the actor and the poll scheduler, closes the client and
// waits for both loops to exit.
func (c *Consumer) Terminate() error {
	c.group.Stop()
	c.closeResources()

	return nil
}

// AwaitTermination blocks until the consumer terminates and returns the
// failure that stopped it, if any.
func (c *Consumer) AwaitTermination() error {
	err := c.group.Wait()
	if errors.Is(err, async.ErrInterrupted) {
		return nil
	}

	return err
}

func (c *Consumer) await(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-c.group.Stopped():
		return ErrConsumerClosed
	}
}

func (c *Consumer) closeResources() {
	c.closeOnce.Do(func() {
		c.handle.Close()
		if c.actor.offsetManager != nil {
			if err := c.actor.offsetManager.Close(); err != nil {
				c.logger.Warn(fmt.Sprintf(`Offset manager close failed due to %s`, err))
			}
		}
	})
}
