package consumer

import (
	"fmt"
	"testing"
	"time"

	"github.com/bxcodec/faker/v3"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/kafka/mocks"
	"github.com/gmbyapa/krill/streams/encoding"
)

const testTimeout = 5 * time.Second

func newTestTopics(t *testing.T, name string, partitions int32) *mocks.Topics {
	topics := mocks.NewMockTopics()
	if err := topics.AddTopic(&mocks.MockTopic{
		Name: name,
		Meta: &kafka.Topic{Name: name, NumPartitions: partitions},
	}); err != nil {
		t.Fatal(err)
	}

	return topics
}

func produce(t *testing.T, topics *mocks.Topics, topic string, partition int32, values ...string) {
	tpc, err := topics.Topic(topic)
	if err != nil {
		t.Fatal(err)
	}

	pt, err := tpc.Partition(partition)
	if err != nil {
		t.Fatal(err)
	}

	for _, value := range values {
		pt.Append([]byte(faker.Word()), []byte(value))
	}
}

func newTestConsumer(t *testing.T, topics *mocks.Topics, group string, configure func(*Config)) (*Consumer, *mocks.MockClient) {
	client := mocks.NewMockClient(topics, group)

	con, err := NewConsumer(func(conf *Config) {
		conf.GroupId = group
		conf.BootstrapServers = []string{`localhost:9092`}
		conf.PollInterval = 5 * time.Millisecond
		conf.PollTimeout = time.Millisecond
		conf.ClientBuilder = func(configure func(*kafka.ClientConfig)) (kafka.Client, error) {
			configure(kafka.NewClientConfig())
			return client, nil
		}
		if configure != nil {
			configure(conf)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	return con, client
}

func take(t *testing.T, stream <-chan ConsumerRecord, count int) []ConsumerRecord {
	var records []ConsumerRecord
	for len(records) < count {
		select {
		case record, ok := <-stream:
			if !ok {
				t.Fatal(fmt.Sprintf(`stream ended after %d records, expected %d`, len(records), count))
			}
			records = append(records, record)
		case <-time.After(testTimeout):
			t.Fatal(fmt.Sprintf(`timed out after %d records, expected %d`, len(records), count))
		}
	}

	return records
}

func expectClosed(t *testing.T, stream <-chan ConsumerRecord) {
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-stream:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal(`stream did not close`)
		}
	}
}

func TestConsumer_Stream_SinglePartitionFIFO(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	for i := 0; i < 10; i++ {
		produce(t, topics, `orders`, 0, fmt.Sprint(i))
	}

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	records := take(t, con.Stream(), 10)
	for i, record := range records {
		if record.Record.Offset() != int64(i) {
			t.Error(fmt.Sprintf(`expected offset %d have %d`, i, record.Record.Offset()))
		}
		if string(record.Value.([]byte)) != fmt.Sprint(i) {
			t.Error(`unexpected value`, record)
		}
	}
}

func TestConsumer_Stream_PerPartitionOrder(t *testing.T) {
	topics := newTestTopics(t, `orders`, 2)
	for i := 0; i < 20; i++ {
		produce(t, topics, `orders`, int32(i%2), fmt.Sprint(i))
	}

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	records := take(t, con.Stream(), 20)

	next := map[int32]int64{}
	for _, record := range records {
		partition := record.Record.Partition()
		if record.Record.Offset() != next[partition] {
			t.Error(fmt.Sprintf(`partition %d expected offset %d have %d`,
				partition, next[partition], record.Record.Offset()))
		}
		next[partition]++
	}

	if next[0] != 10 || next[1] != 10 {
		t.Error(`unexpected record distribution`, next)
	}
}

func TestConsumer_Backpressure_PausesPartition(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, client := newTestConsumer(t, topics, `grp`, func(conf *Config) {
		conf.MaxPrefetchBatches = 1
	})
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	stream := con.Stream()

	// Keep producing without consuming until the actor pauses the
	// partition at the client.
	var produced int
	paused := false
	for i := 0; i < 200 && !paused; i++ {
		produce(t, topics, `orders`, 0, fmt.Sprint(produced))
		produced++
		time.Sleep(5 * time.Millisecond)
		paused = client.Paused(tp)
	}

	if !paused {
		t.Fatal(`partition was never paused`)
	}

	// A slow consumer still receives everything, in order.
	records := take(t, stream, produced)
	for i, record := range records {
		if record.Record.Offset() != int64(i) {
			t.Fatal(fmt.Sprintf(`expected offset %d have %d`, i, record.Record.Offset()))
		}
	}
}

func TestConsumer_Rebalance_RevocationEndsPartitionStream(t *testing.T) {
	topics := newTestTopics(t, `orders`, 2)
	produce(t, topics, `orders`, 0, `a`)
	produce(t, topics, `orders`, 1, `b`)

	con, client := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	maps := con.PartitionsMapStream()

	var streams map[kafka.TopicPartition]*PartitionStream
	deadline := time.After(testTimeout)
	for streams == nil {
		select {
		case m, ok := <-maps:
			if !ok {
				t.Fatal(`map stream ended`)
			}
			if len(m) == 2 {
				streams = m
			}
		case <-deadline:
			t.Fatal(`no assignment map received`)
		}
	}

	tp1 := kafka.TopicPartition{Topic: `orders`, Partition: 1}
	revoked := streams[tp1]
	take(t, revoked.Records(), 1)

	client.TriggerRebalance(nil, kafka.TopicPartitions{tp1})

	expectClosed(t, revoked.Records())

	// The surviving partition keeps delivering.
	survivor := streams[kafka.TopicPartition{Topic: `orders`, Partition: 0}]
	take(t, survivor.Records(), 1)
	produce(t, topics, `orders`, 0, `c`)
	take(t, survivor.Records(), 1)
}

func TestConsumer_Rebalance_ReassignmentStartsNewIncarnation(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}
	produce(t, topics, `orders`, 0, `a`, `b`)

	con, client := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	maps := con.PartitionsMapStream()

	var first *PartitionStream
	deadline := time.After(testTimeout)
	for first == nil {
		select {
		case m := <-maps:
			if ps, ok := m[tp]; ok {
				first = ps
			}
		case <-deadline:
			t.Fatal(`no assignment map received`)
		}
	}

	take(t, first.Records(), 2)

	client.TriggerRebalance(nil, kafka.TopicPartitions{tp})
	expectClosed(t, first.Records())

	client.TriggerRebalance(kafka.TopicPartitions{tp}, nil)

	var second *PartitionStream
	deadline = time.After(testTimeout)
	for second == nil {
		select {
		case m, ok := <-maps:
			if !ok {
				t.Fatal(`map stream ended`)
			}
			if ps, ok := m[tp]; ok {
				second = ps
			}
		case <-deadline:
			t.Fatal(`no map after re-assignment`)
		}
	}

	// Nothing was committed, the new incarnation restarts from the
	// beginning rather than from in-memory buffers.
	produce(t, topics, `orders`, 0, `c`)
	records := take(t, second.Records(), 3)
	for i, expected := range []string{`a`, `b`, `c`} {
		if records[i].Record.Offset() != int64(i) || string(records[i].Value.([]byte)) != expected {
			t.Error(`unexpected record on new incarnation`, records[i])
		}
	}
}

func TestConsumer_AssignmentStream_DistinctSnapshots(t *testing.T) {
	topics := newTestTopics(t, `orders`, 2)

	con, client := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	assignments := con.AssignmentStream()

	// Initial snapshot precedes any delta.
	select {
	case tps := <-assignments:
		if len(tps) != 0 {
			t.Fatal(`expected empty initial assignment, have`, tps)
		}
	case <-time.After(testTimeout):
		t.Fatal(`no initial assignment snapshot`)
	}

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	select {
	case tps := <-assignments:
		if len(tps) != 2 {
			t.Fatal(`expected both partitions, have`, tps)
		}
	case <-time.After(testTimeout):
		t.Fatal(`no assignment after subscribe`)
	}

	client.TriggerRebalance(nil, kafka.TopicPartitions{{Topic: `orders`, Partition: 1}})

	select {
	case tps := <-assignments:
		expected := kafka.TopicPartitions{{Topic: `orders`, Partition: 0}}
		if !tps.Equal(expected) {
			t.Fatal(`expected single partition, have`, tps)
		}
	case <-time.After(testTimeout):
		t.Fatal(`no assignment after revoke`)
	}

	con.StopConsuming()

	select {
	case _, ok := <-assignments:
		if ok {
			t.Fatal(`expected assignment stream to close`)
		}
	case <-time.After(testTimeout):
		t.Fatal(`assignment stream did not close`)
	}
}

func TestConsumer_StopConsuming(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	produce(t, topics, `orders`, 0, `a`, `b`, `c`)

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	stream := con.Stream()
	records := take(t, stream, 3)

	// A commit issued before StopConsuming completes normally.
	done := records[2].Committable.CommitAsync()

	con.StopConsuming()

	expectClosed(t, stream)

	select {
	case err := <-done:
		if err != nil {
			t.Error(`commit failed after stopConsuming due to`, err)
		}
	case <-time.After(testTimeout):
		t.Fatal(`commit did not complete`)
	}
}

func TestConsumer_CommitAndResume(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	for i := 0; i < 5; i++ {
		produce(t, topics, `orders`, 0, fmt.Sprint(i))
	}

	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	first, _ := newTestConsumer(t, topics, `grp`, nil)
	if err := first.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}
	take(t, first.Stream(), 5)

	if err := first.CommitSync(map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		tp: {Offset: 3},
	}); err != nil {
		t.Fatal(err)
	}

	if err := first.Terminate(); err != nil {
		t.Fatal(err)
	}

	second, _ := newTestConsumer(t, topics, `grp`, nil)
	defer second.Terminate()

	if err := second.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	records := take(t, second.Stream(), 2)
	if records[0].Record.Offset() != 3 || records[1].Record.Offset() != 4 {
		t.Error(`expected offsets [3 4], have`, records)
	}
}

func TestConsumer_CommittableOffset(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	produce(t, topics, `orders`, 0, `a`)

	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	records := take(t, con.Stream(), 1)
	if err := records[0].Committable.Commit(); err != nil {
		t.Fatal(err)
	}

	committed, ok := topics.Committed(`grp`, tp)
	if !ok || committed.Offset != 1 {
		t.Error(`expected committed offset 1, have`, committed)
	}
}

func TestConsumer_CommitRecovery_RetriesTransientErrors(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, client := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	client.QueueCommitError(
		fmt.Errorf(`coordinator loading`),
		fmt.Errorf(`coordinator loading`),
	)

	err := con.CommitSync(map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		tp: {Offset: 1},
	})
	if err != nil {
		t.Fatal(`expected the retried commit to succeed, have`, err)
	}

	if client.CommitCount() != 3 {
		t.Error(`expected 3 commit attempts, have`, client.CommitCount())
	}
}

func TestConsumer_CommitRecoveryNone_SurfacesError(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, client := newTestConsumer(t, topics, `grp`, func(conf *Config) {
		conf.Commit.Recovery = CommitRecoveryNone
	})
	defer con.Terminate()

	failure := fmt.Errorf(`illegal generation`)
	client.QueueCommitError(failure)

	err := con.CommitSync(map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		tp: {Offset: 1},
	})
	if err != failure {
		t.Error(`expected the broker error, have`, err)
	}
}

func TestConsumer_DecodeFailureDeliveredInline(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	produce(t, topics, `orders`, 0, `0`, `1`, `oops`, `3`)

	con, _ := newTestConsumer(t, topics, `grp`, func(conf *Config) {
		conf.ValueEncoder = encoding.IntEncoder{}
	})
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	records := take(t, con.Stream(), 4)

	for i, expected := range []int{0, 1} {
		if records[i].Err != nil {
			t.Fatal(`unexpected decode error`, records[i].Err)
		}
		if records[i].Value.(int) != expected {
			t.Error(`unexpected value`, records[i])
		}
	}

	if records[2].Err == nil {
		t.Error(`expected a decode error at offset 2`)
	}

	// The consumer stays alive past the failure.
	if records[3].Err != nil || records[3].Value.(int) != 3 {
		t.Error(`expected offset 3 to decode, have`, records[3])
	}
}

func TestConsumer_TerminateWithPendingFetch(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)

	con, _ := newTestConsumer(t, topics, `grp`, nil)

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	stream := con.Stream()

	// Give the demand loop time to park a fetch at the actor.
	time.Sleep(50 * time.Millisecond)

	if err := con.Terminate(); err != nil {
		t.Fatal(err)
	}

	expectClosed(t, stream)

	if err := con.AwaitTermination(); err != nil {
		t.Error(`expected clean termination, have`, err)
	}
}

func TestConsumer_PollFailureIsFatal(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)

	con, client := newTestConsumer(t, topics, `grp`, nil)

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	client.FailNextPoll(fmt.Errorf(`broker gone`))

	if err := con.AwaitTermination(); err == nil {
		t.Fatal(`expected the poll failure from AwaitTermination`)
	}

	// Later operations observe the shutdown.
	err := con.CommitSync(map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		{Topic: `orders`, Partition: 0}: {Offset: 1},
	})
	if err != ErrConsumerClosed {
		t.Error(`expected ErrConsumerClosed, have`, err)
	}
}

func TestConsumer_SeekPositionRoundTrip(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Assign(kafka.TopicPartitions{tp}); err != nil {
		t.Fatal(err)
	}

	if err := con.Seek(tp, 5); err != nil {
		t.Fatal(err)
	}

	position, err := con.Position(tp)
	if err != nil {
		t.Fatal(err)
	}

	if position != 5 {
		t.Error(`expected position 5, have`, position)
	}
}

func TestConsumer_NewTopLevelStreamDisplacesPrevious(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	produce(t, topics, `orders`, 0, `a`)

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	first := con.Stream()
	take(t, first, 1)

	second := con.Stream()

	expectClosed(t, first)

	produce(t, topics, `orders`, 0, `b`)
	records := take(t, second, 1)
	if string(records[0].Value.([]byte)) != `b` {
		t.Error(`unexpected record on the new stream`, records[0])
	}
}

func TestConsumer_PartitionedStream(t *testing.T) {
	topics := newTestTopics(t, `orders`, 2)
	produce(t, topics, `orders`, 0, `a`)
	produce(t, topics, `orders`, 1, `b`)

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	partitions := con.PartitionedStream()

	seen := map[kafka.TopicPartition]bool{}
	deadline := time.After(testTimeout)
	for len(seen) < 2 {
		select {
		case ps, ok := <-partitions:
			if !ok {
				t.Fatal(`partitioned stream ended`)
			}
			take(t, ps.Records(), 1)
			seen[ps.TopicPartition()] = true
		case <-deadline:
			t.Fatal(`expected a stream per partition, have`, seen)
		}
	}
}

func TestConsumer_Unsubscribe(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	produce(t, topics, `orders`, 0, `a`)

	con, _ := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	stream := con.Stream()
	take(t, stream, 1)

	if err := con.Unsubscribe(); err != nil {
		t.Fatal(err)
	}

	// The assignment empties out; the top-level stream stays open for a
	// future subscribe.
	deadline := time.After(testTimeout)
	for {
		tps, err := con.Assignment()
		if err != nil {
			t.Fatal(err)
		}
		if len(tps) == 0 {
			break
		}

		select {
		case <-deadline:
			t.Fatal(`assignment was not released`, tps)
		case <-time.After(5 * time.Millisecond):
		}
	}

	con.StopConsuming()
	expectClosed(t, stream)
}

func TestConsumer_RebalanceListener(t *testing.T) {
	topics := newTestTopics(t, `orders`, 1)
	tp := kafka.TopicPartition{Topic: `orders`, Partition: 0}

	con, client := newTestConsumer(t, topics, `grp`, nil)
	defer con.Terminate()

	assigned := make(chan kafka.TopicPartitions, 1)
	revoked := make(chan kafka.TopicPartitions, 1)

	snapshot, err := con.Assignment(&RebalanceListener{
		OnAssigned: func(tps kafka.TopicPartitions) { assigned <- tps.Copy() },
		OnRevoked:  func(tps kafka.TopicPartitions) { revoked <- tps.Copy() },
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(snapshot) != 0 {
		t.Fatal(`expected empty snapshot before subscribe, have`, snapshot)
	}

	if err := con.Subscribe([]string{`orders`}); err != nil {
		t.Fatal(err)
	}

	select {
	case tps := <-assigned:
		if len(tps) != 1 || tps[0] != tp {
			t.Error(`unexpected assigned set`, tps)
		}
	case <-time.After(testTimeout):
		t.Fatal(`listener never saw the assignment`)
	}

	client.TriggerRebalance(nil, kafka.TopicPartitions{tp})

	select {
	case tps := <-revoked:
		if len(tps) != 1 || tps[0] != tp {
			t.Error(`unexpected revoked set`, tps)
		}
	case <-time.After(testTimeout):
		t.Fatal(`listener never saw the revocation`)
	}
}
