package consumer

import (
	"fmt"

	"github.com/gmbyapa/krill/kafka"
)

// ConsumerRecord is a record delivered to user code. Key and Value hold the
// decoded payloads. A decode failure is delivered inline through Err with
// the raw Record intact, it neither revokes the partition nor stops the
// consumer.
type ConsumerRecord struct {
	Record kafka.Record

	Key   interface{}
	Value interface{}

	// Err carries a key or value decode failure for this record.
	Err error

	// Committable commits the offset after this record for the record's
	// partition.
	Committable CommittableOffset
}

func (r ConsumerRecord) TopicPartition() kafka.TopicPartition {
	return kafka.TopicPartition{Topic: r.Record.Topic(), Partition: r.Record.Partition()}
}

func (r ConsumerRecord) String() string {
	if r.Err != nil {
		return fmt.Sprintf(`%s(decode error: %s)`, r.Record, r.Err)
	}

	return r.Record.String()
}
