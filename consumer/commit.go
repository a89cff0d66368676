package consumer

import (
	"fmt"

	"github.com/gmbyapa/krill/kafka"
)

// CommittableOffset is the commit handle attached to every delivered record.
// Offset is the offset of the record plus one, committing it marks the
// record consumed.
type CommittableOffset struct {
	tp       kafka.TopicPartition
	offset   int64
	metadata string
	consumer *Consumer
}

func (co CommittableOffset) TopicPartition() kafka.TopicPartition {
	return co.tp
}

func (co CommittableOffset) Offset() int64 {
	return co.offset
}

// Commit synchronously commits this offset.
func (co CommittableOffset) Commit() error {
	return co.consumer.CommitSync(co.asMap())
}

// CommitAsync commits this offset without waiting for broker
// acknowledgement. The returned channel delivers the outcome.
func (co CommittableOffset) CommitAsync() <-chan error {
	return co.consumer.CommitAsync(co.asMap())
}

func (co CommittableOffset) asMap() map[kafka.TopicPartition]kafka.OffsetAndMetadata {
	return map[kafka.TopicPartition]kafka.OffsetAndMetadata{
		co.tp: {Offset: co.offset, Metadata: co.metadata},
	}
}

func (co CommittableOffset) String() string {
	return fmt.Sprintf(`%s@%d`, co.tp, co.offset)
}

// CommitRecovery decides how the actor reacts to a failed commit.
type CommitRecovery int8

const (
	// CommitRecoveryNone surfaces the broker error to the caller as is.
	CommitRecoveryNone CommitRecovery = iota

	// CommitRecoveryDefault retries a failed commit up to
	// Config.Commit.MaxRetries times. When an OffsetManager is configured
	// the committed offsets are validated against the partition watermarks
	// first, out of range offsets fail without retrying.
	CommitRecoveryDefault
)

func (cr CommitRecovery) String() string {
	switch cr {
	case CommitRecoveryDefault:
		return `Default`
	default:
		return `None`
	}
}
