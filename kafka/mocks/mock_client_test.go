package mocks

import (
	"testing"
	"time"

	"github.com/gmbyapa/krill/kafka"
)

func newTopics(t *testing.T, name string, partitions int32) *Topics {
	topics := NewMockTopics()
	if err := topics.AddTopic(&MockTopic{
		Name: name,
		Meta: &kafka.Topic{Name: name, NumPartitions: partitions},
	}); err != nil {
		t.Fatal(err)
	}

	return topics
}

func TestMockClient_SubscribeAssignsOnPoll(t *testing.T) {
	topics := newTopics(t, `events`, 2)
	client := NewMockClient(topics, `grp`)

	var assigned kafka.TopicPartitions
	cb := kafka.RebalanceCallback{
		OnAssigned: func(tps kafka.TopicPartitions) {
			assigned = tps
		},
	}

	if err := client.Subscribe([]string{`events`}, cb); err != nil {
		t.Fatal(err)
	}

	if len(assigned) != 0 {
		t.Fatal(`assignment published before poll`)
	}

	if _, err := client.Poll(time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if len(assigned) != 2 {
		t.Error(`expected 2 assigned partitions, have`, assigned)
	}
}

func TestMockClient_PollReturnsAppendedRecords(t *testing.T) {
	topics := newTopics(t, `events`, 1)
	topic, _ := topics.Topic(`events`)
	partition, _ := topic.Partition(0)

	for i := 0; i < 5; i++ {
		partition.Append([]byte(`k`), []byte(`v`))
	}

	client := NewMockClient(topics, `grp`)
	if err := client.Subscribe([]string{`events`}, kafka.RebalanceCallback{}); err != nil {
		t.Fatal(err)
	}

	var records []kafka.Record
	for i := 0; i < 10 && len(records) < 5; i++ {
		fetched, err := client.Poll(time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		records = append(records, fetched...)
	}

	if len(records) != 5 {
		t.Fatal(`expected 5 records, have`, len(records))
	}

	for i, record := range records {
		if record.Offset() != int64(i) {
			t.Error(`unexpected offset`, record)
		}
	}
}

func TestMockClient_PausedPartitionsAreSkipped(t *testing.T) {
	topics := newTopics(t, `events`, 1)
	topic, _ := topics.Topic(`events`)
	partition, _ := topic.Partition(0)

	client := NewMockClient(topics, `grp`)
	if err := client.Subscribe([]string{`events`}, kafka.RebalanceCallback{}); err != nil {
		t.Fatal(err)
	}

	tp := kafka.TopicPartition{Topic: `events`, Partition: 0}

	// First poll applies the assignment. It would also fetch any record
	// already in the log, so the record is appended afterwards.
	if _, err := client.Poll(time.Millisecond); err != nil {
		t.Fatal(err)
	}

	partition.Append([]byte(`k`), []byte(`v`))

	if err := client.Pause(kafka.TopicPartitions{tp}); err != nil {
		t.Fatal(err)
	}

	records, err := client.Poll(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != 0 {
		t.Error(`paused partition served records`)
	}

	if err := client.Resume(kafka.TopicPartitions{tp}); err != nil {
		t.Fatal(err)
	}

	records, err = client.Poll(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != 1 {
		t.Error(`expected the record after resume, have`, len(records))
	}
}

func TestMockClient_CommittedOffsetsResume(t *testing.T) {
	topics := newTopics(t, `events`, 1)
	topic, _ := topics.Topic(`events`)
	partition, _ := topic.Partition(0)
	for i := 0; i < 5; i++ {
		partition.Append([]byte(`k`), []byte(`v`))
	}

	tp := kafka.TopicPartition{Topic: `events`, Partition: 0}

	first := NewMockClient(topics, `grp`)
	if err := first.CommitSync(map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		tp: {Offset: 3},
	}); err != nil {
		t.Fatal(err)
	}

	second := NewMockClient(topics, `grp`)
	if err := second.Subscribe([]string{`events`}, kafka.RebalanceCallback{}); err != nil {
		t.Fatal(err)
	}

	records, err := second.Poll(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	if len(records) != 2 || records[0].Offset() != 3 {
		t.Error(`expected to resume at offset 3, have`, records)
	}
}

func TestMockClient_RevokeClearsAssignment(t *testing.T) {
	topics := newTopics(t, `events`, 2)
	client := NewMockClient(topics, `grp`)

	var revoked kafka.TopicPartitions
	cb := kafka.RebalanceCallback{
		OnRevoked: func(tps kafka.TopicPartitions) {
			revoked = tps
		},
	}

	if err := client.Subscribe([]string{`events`}, cb); err != nil {
		t.Fatal(err)
	}

	if _, err := client.Poll(time.Millisecond); err != nil {
		t.Fatal(err)
	}

	tp := kafka.TopicPartition{Topic: `events`, Partition: 1}
	client.TriggerRebalance(nil, kafka.TopicPartitions{tp})

	if _, err := client.Poll(time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if len(revoked) != 1 || revoked[0] != tp {
		t.Error(`expected revocation of`, tp, `have`, revoked)
	}

	if client.Assigned(tp) {
		t.Error(`partition still assigned after revoke`)
	}
}
