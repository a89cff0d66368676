package mocks

import (
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"github.com/gmbyapa/krill/kafka"
)

type MockPartition struct {
	topic   string
	id      int32
	records []kafka.Record
	mu      sync.Mutex
}

// Append adds a record to the end of the partition log, assigning the next
// offset.
func (p *MockPartition) Append(key, value []byte) kafka.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	record := &MockRecord{
		Kkey:       key,
		Kvalue:     value,
		Ktopic:     p.topic,
		Kpartition: p.id,
		Koffset:    int64(len(p.records)),
		Ktimestamp: time.Now(),
	}
	p.records = append(p.records, record)

	return record
}

// Oldest returns the first available offset.
func (p *MockPartition) Oldest() int64 {
	return 0
}

// Latest returns the offset one past the last appended record.
func (p *MockPartition) Latest() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int64(len(p.records))
}

// Fetch returns at most limit records starting at start. Logical offsets
// Earliest and Latest are resolved against the log bounds.
func (p *MockPartition) Fetch(start int64, limit int) []kafka.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	if start == int64(kafka.OffsetEarliest) {
		start = 0
	}

	if start == int64(kafka.OffsetLatest) || start > int64(len(p.records)) {
		return nil
	}

	end := start + int64(limit)
	if end > int64(len(p.records)) {
		end = int64(len(p.records))
	}

	return p.records[start:end]
}

type MockTopic struct {
	Name       string
	Meta       *kafka.Topic
	partitions []*MockPartition
	mu         sync.Mutex
}

func (tp *MockTopic) Partition(id int32) (*MockPartition, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if int(id) >= len(tp.partitions) {
		return nil, sarama.ErrUnknownTopicOrPartition
	}

	return tp.partitions[id], nil
}

func (tp *MockTopic) Partitions() []*MockPartition {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	return tp.partitions
}

// Topics is an in-memory broker shared between mock clients. It stores
// partition logs and per-group committed offsets.
type Topics struct {
	mu        sync.Mutex
	topics    map[string]*MockTopic
	committed map[string]map[kafka.TopicPartition]kafka.OffsetAndMetadata
}

func NewMockTopics() *Topics {
	return &Topics{
		topics:    make(map[string]*MockTopic),
		committed: make(map[string]map[kafka.TopicPartition]kafka.OffsetAndMetadata),
	}
}

func (td *Topics) AddTopic(topic *MockTopic) error {
	td.mu.Lock()
	defer td.mu.Unlock()

	if _, ok := td.topics[topic.Name]; ok {
		return sarama.ErrTopicAlreadyExists
	}

	topic.partitions = make([]*MockPartition, topic.Meta.NumPartitions)
	for i := int32(0); i < topic.Meta.NumPartitions; i++ {
		topic.Meta.Partitions = append(topic.Meta.Partitions, kafka.PartitionConf{Id: i})
		topic.partitions[i] = &MockPartition{topic: topic.Name, id: i}
	}
	td.topics[topic.Name] = topic

	return nil
}

func (td *Topics) Topic(name string) (*MockTopic, error) {
	td.mu.Lock()
	defer td.mu.Unlock()

	t, ok := td.topics[name]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}

	return t, nil
}

func (td *Topics) Topics() map[string]*MockTopic {
	td.mu.Lock()
	defer td.mu.Unlock()

	return td.topics
}

// Commit stores offsets for a group.
func (td *Topics) Commit(group string, offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) {
	td.mu.Lock()
	defer td.mu.Unlock()

	stored, ok := td.committed[group]
	if !ok {
		stored = make(map[kafka.TopicPartition]kafka.OffsetAndMetadata)
		td.committed[group] = stored
	}

	for tp, om := range offsets {
		stored[tp] = om
	}
}

// Committed returns the stored offset for a group, if any.
func (td *Topics) Committed(group string, tp kafka.TopicPartition) (kafka.OffsetAndMetadata, bool) {
	td.mu.Lock()
	defer td.mu.Unlock()

	om, ok := td.committed[group][tp]
	return om, ok
}
