package mocks

import (
	"regexp"
	"sync"
	"time"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/errors"
)

// MockClient is a scripted kafka.Client over an in-memory Topics broker.
//
// Like the real client, group assignment changes surface only inside Poll:
// Subscribe, Unsubscribe and TriggerRebalance schedule pending events which
// the next Poll applies through the registered RebalanceCallback.
type MockClient struct {
	mu sync.Mutex

	topics *Topics
	group  string

	cb         kafka.RebalanceCallback
	subscribed []string
	pattern    *regexp.Regexp

	assignment map[kafka.TopicPartition]bool
	positions  map[kafka.TopicPartition]int64
	paused     map[kafka.TopicPartition]bool

	pendingAssign kafka.TopicPartitions
	pendingRevoke kafka.TopicPartitions

	maxPollRecords int

	pollErr   error
	commitErr []error

	commitCount int
	closed      bool
}

func NewMockClient(topics *Topics, group string) *MockClient {
	return &MockClient{
		topics:         topics,
		group:          group,
		assignment:     make(map[kafka.TopicPartition]bool),
		positions:      make(map[kafka.TopicPartition]int64),
		paused:         make(map[kafka.TopicPartition]bool),
		maxPollRecords: 100,
	}
}

// TriggerRebalance schedules a rebalance applied at the next Poll.
func (c *MockClient) TriggerRebalance(assigned, revoked kafka.TopicPartitions) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingAssign = append(c.pendingAssign, assigned...)
	c.pendingRevoke = append(c.pendingRevoke, revoked...)
}

// QueueCommitError makes upcoming commits fail in order with the given
// errors before commits succeed again.
func (c *MockClient) QueueCommitError(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commitErr = append(c.commitErr, errs...)
}

// FailNextPoll makes the next Poll return err.
func (c *MockClient) FailNextPoll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollErr = err
}

// Paused reports whether tp is currently paused.
func (c *MockClient) Paused(tp kafka.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused[tp]
}

// Assigned reports whether tp is currently assigned.
func (c *MockClient) Assigned(tp kafka.TopicPartition) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.assignment[tp]
}

// CommitCount returns the number of commit calls served, failed included.
func (c *MockClient) CommitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.commitCount
}

func (c *MockClient) Subscribe(topics []string, cb kafka.RebalanceCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(`client closed`)
	}

	c.cb = cb
	c.subscribed = topics
	c.pendingAssign = append(c.pendingAssign, c.partitionsOf(topics)...)

	return nil
}

func (c *MockClient) SubscribePattern(pattern *regexp.Regexp, cb kafka.RebalanceCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(`client closed`)
	}

	c.cb = cb
	c.pattern = pattern

	var matched []string
	for name := range c.topics.Topics() {
		if pattern.MatchString(name) {
			matched = append(matched, name)
		}
	}
	c.subscribed = matched
	c.pendingAssign = append(c.pendingAssign, c.partitionsOf(matched)...)

	return nil
}

func (c *MockClient) Assign(tps kafka.TopicPartitions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(`client closed`)
	}

	// Manual assignment bypasses the group, no callbacks fire.
	for _, tp := range tps {
		c.assignment[tp] = true
		c.resetPosition(tp)
	}

	return nil
}

func (c *MockClient) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all kafka.TopicPartitions
	for tp := range c.assignment {
		all = append(all, tp)
	}

	c.subscribed = nil
	c.pattern = nil
	c.pendingRevoke = append(c.pendingRevoke, all.Sort()...)

	return nil
}

func (c *MockClient) Poll(timeout time.Duration) ([]kafka.Record, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(`client closed`)
	}

	if err := c.pollErr; err != nil {
		c.pollErr = nil
		c.mu.Unlock()
		return nil, err
	}

	// Rebalance callbacks fire from inside Poll, revokes first.
	if len(c.pendingRevoke) > 0 {
		revoked := c.pendingRevoke
		c.pendingRevoke = nil
		for _, tp := range revoked {
			delete(c.assignment, tp)
			delete(c.positions, tp)
			delete(c.paused, tp)
		}

		if c.cb.OnRevoked != nil {
			cb := c.cb.OnRevoked
			c.mu.Unlock()
			cb(revoked)
			c.mu.Lock()
		}
	}

	if len(c.pendingAssign) > 0 {
		assigned := c.pendingAssign
		c.pendingAssign = nil
		for _, tp := range assigned {
			c.assignment[tp] = true
			c.resetPosition(tp)
		}

		if c.cb.OnAssigned != nil {
			cb := c.cb.OnAssigned
			c.mu.Unlock()
			cb(assigned)
			c.mu.Lock()
		}
	}

	var records []kafka.Record
	for tp := range c.assignment {
		if c.paused[tp] || len(records) >= c.maxPollRecords {
			continue
		}

		topic, err := c.topics.Topic(tp.Topic)
		if err != nil {
			continue
		}

		partition, err := topic.Partition(tp.Partition)
		if err != nil {
			continue
		}

		fetched := partition.Fetch(c.positions[tp], c.maxPollRecords-len(records))
		if len(fetched) > 0 {
			c.positions[tp] = fetched[len(fetched)-1].Offset() + 1
			records = append(records, fetched...)
		}
	}

	c.mu.Unlock()

	if len(records) == 0 && timeout > 0 {
		wait := timeout
		if wait > time.Millisecond {
			wait = time.Millisecond
		}
		time.Sleep(wait)
	}

	return records, nil
}

func (c *MockClient) CommitSync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) error {
	c.mu.Lock()

	c.commitCount++
	if len(c.commitErr) > 0 {
		err := c.commitErr[0]
		c.commitErr = c.commitErr[1:]
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.topics.Commit(c.group, offsets)

	return nil
}

func (c *MockClient) CommitAsync(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata, done func(error)) error {
	err := c.CommitSync(offsets)
	if done != nil {
		done(err)
	}

	return nil
}

func (c *MockClient) Seek(tp kafka.TopicPartition, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.assignment[tp] {
		return errors.Errorf(`seek on unassigned partition %s`, tp)
	}

	c.positions[tp] = offset

	return nil
}

func (c *MockClient) SeekToBeginning(tps kafka.TopicPartitions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		partition, err := c.partition(tp)
		if err != nil {
			return err
		}
		c.positions[tp] = partition.Oldest()
	}

	return nil
}

func (c *MockClient) SeekToEnd(tps kafka.TopicPartitions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		partition, err := c.partition(tp)
		if err != nil {
			return err
		}
		c.positions[tp] = partition.Latest()
	}

	return nil
}

func (c *MockClient) Position(tp kafka.TopicPartition) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, ok := c.positions[tp]
	if !ok {
		return 0, errors.Errorf(`position unknown for %s`, tp)
	}

	return pos, nil
}

func (c *MockClient) PartitionsFor(topic string) ([]kafka.PartitionConf, error) {
	t, err := c.topics.Topic(topic)
	if err != nil {
		return nil, err
	}

	return t.Meta.Partitions, nil
}

func (c *MockClient) BeginningOffsets(tps kafka.TopicPartitions) (map[kafka.TopicPartition]int64, error) {
	offsets := make(map[kafka.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		partition, err := c.partition(tp)
		if err != nil {
			return nil, err
		}
		offsets[tp] = partition.Oldest()
	}

	return offsets, nil
}

func (c *MockClient) EndOffsets(tps kafka.TopicPartitions) (map[kafka.TopicPartition]int64, error) {
	offsets := make(map[kafka.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		partition, err := c.partition(tp)
		if err != nil {
			return nil, err
		}
		offsets[tp] = partition.Latest()
	}

	return offsets, nil
}

func (c *MockClient) Pause(tps kafka.TopicPartitions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		c.paused[tp] = true
	}

	return nil
}

func (c *MockClient) Resume(tps kafka.TopicPartitions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tp := range tps {
		delete(c.paused, tp)
	}

	return nil
}

func (c *MockClient) Metrics() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		`assignment_size`: len(c.assignment),
		`commit_count`:    c.commitCount,
	}
}

func (c *MockClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *MockClient) resetPosition(tp kafka.TopicPartition) {
	if om, ok := c.topics.Committed(c.group, tp); ok {
		c.positions[tp] = om.Offset
		return
	}

	c.positions[tp] = 0
}

func (c *MockClient) partition(tp kafka.TopicPartition) (*MockPartition, error) {
	topic, err := c.topics.Topic(tp.Topic)
	if err != nil {
		return nil, err
	}

	return topic.Partition(tp.Partition)
}

func (c *MockClient) partitionsOf(topics []string) kafka.TopicPartitions {
	var tps kafka.TopicPartitions
	for _, name := range topics {
		topic, err := c.topics.Topic(name)
		if err != nil {
			continue
		}

		for _, partition := range topic.Partitions() {
			tps = append(tps, kafka.TopicPartition{Topic: name, Partition: partition.id})
		}
	}

	return tps.Sort()
}
