package consumer

import (
	"regexp"

	"github.com/gmbyapa/krill/kafka"
)

// fetchReason tags a fetch completion.
type fetchReason int8

const (
	fetchedRecords fetchReason = iota
	topicPartitionRevoked
	streamFinished
)

func (r fetchReason) String() string {
	switch r {
	case topicPartitionRevoked:
		return `TopicPartitionRevoked`
	case streamFinished:
		return `StreamFinished`
	default:
		return `FetchedRecords`
	}
}

type fetchResult struct {
	records []ConsumerRecord
	reason  fetchReason
}

// partitionIncarnation pairs a partition with the PartitionStreamId of its
// current assignment incarnation. A revoke/re-assign cycle produces a new id
// for the same partition.
type partitionIncarnation struct {
	tp kafka.TopicPartition
	id int64
}

// RebalanceListener receives assignment changes. Both callbacks run on the
// actor goroutine during poll, they must be cheap and must not call back
// into the consumer.
type RebalanceListener struct {
	OnAssigned func(tps kafka.TopicPartitions)
	OnRevoked  func(tps kafka.TopicPartitions)
}

// rebalanceHooks is the internal listener registration used by the stream
// layers. All callbacks run inline on the actor goroutine.
type rebalanceHooks struct {
	streamId int64

	// onAssigned marks a partitions-map stream. Registering a hook with
	// onAssigned set makes streamId the active top-level stream and
	// reincarnates the current assignment.
	onAssigned func(incarnations []partitionIncarnation)

	onRevoked func(tps kafka.TopicPartitions)

	// onSnapshot receives the full assignment after every change.
	onSnapshot func(tps kafka.TopicPartitions)

	// onStop fires once on stopConsuming, shutdown or displacement by a
	// newer top-level stream.
	onStop func()
}

type subscribeTopicsRequest struct {
	topics []string
	done   chan error
}

type subscribePatternRequest struct {
	pattern *regexp.Regexp
	done    chan error
}

type assignRequest struct {
	tps  kafka.TopicPartitions
	done chan error
}

type unsubscribeRequest struct {
	done chan error
}

type fetchRequest struct {
	tp                kafka.TopicPartition
	streamId          int64
	partitionStreamId int64
	reply             chan fetchResult
}

type assignmentRequest struct {
	hooks *rebalanceHooks    // optional
	user  *RebalanceListener // optional
	reply chan assignmentReply
}

type assignmentReply struct {
	tps          kafka.TopicPartitions
	incarnations []partitionIncarnation
}

type commitRequest struct {
	offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata
	done    chan error
}

type stopConsumingRequest struct {
	done chan struct{}
}
