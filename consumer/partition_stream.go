package consumer

import (
	"fmt"
	"sync"

	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/kafka"
)

// PartitionStream delivers the records of one partition for one assignment
// incarnation. It terminates when the partition is revoked, when the
// consumer stops or when the downstream closes it.
//
// The prefetch queue holds MaxPrefetchBatches-1 chunks, the chunk being
// consumed is the remaining one. A slow consumer stops pulling, the demand
// loop stops fetching and the actor pauses the partition at the client.
type PartitionStream struct {
	tp       kafka.TopicPartition
	id       int64 // PartitionStreamId, unique per incarnation
	streamId int64

	actor    *actor
	shutdown <-chan struct{} // consumer terminating

	chunks  chan []ConsumerRecord
	records chan ConsumerRecord

	stopOnce sync.Once
	stopReqs chan struct{}

	logger log.Logger
}

func newPartitionStream(actor *actor, tp kafka.TopicPartition, streamId, id int64, shutdown <-chan struct{}) *PartitionStream {
	p := &PartitionStream{
		tp:       tp,
		id:       id,
		streamId: streamId,
		actor:    actor,
		shutdown: shutdown,
		chunks:   make(chan []ConsumerRecord, actor.config.MaxPrefetchBatches-1),
		records:  make(chan ConsumerRecord),
		stopReqs: make(chan struct{}),
		logger: actor.config.Logger.NewLog(
			log.Prefixed(fmt.Sprintf(`PartitionStream(%s#%d)`, tp, id))),
	}

	go p.fetchLoop()
	go p.forward()

	return p
}

func (p *PartitionStream) TopicPartition() kafka.TopicPartition {
	return p.tp
}

// Records returns the delivery channel. It is closed once the stream
// terminates; records already handed off are delivered first.
func (p *PartitionStream) Records() <-chan ConsumerRecord {
	return p.records
}

// Close finalizes the stream from the consumer side. The demand loop
// observes it and exits, pending prefetched chunks are dropped.
func (p *PartitionStream) Close() {
	p.stopOnce.Do(func() {
		close(p.stopReqs)
	})
}

// fetchLoop is the demand loop. One fetch request is outstanding at a time,
// the blocking offer to the prefetch queue provides the backpressure toward
// the actor.
func (p *PartitionStream) fetchLoop() {
	defer close(p.chunks)

	for {
		select {
		case <-p.stopReqs:
			return
		case <-p.shutdown:
			return
		default:
		}

		reply := make(chan fetchResult, 1)
		p.actor.send(&fetchRequest{
			tp:                p.tp,
			streamId:          p.streamId,
			partitionStreamId: p.id,
			reply:             reply,
		})

		select {
		case result := <-reply:
			if len(result.records) > 0 {
				select {
				case p.chunks <- result.records:
				case <-p.stopReqs:
					return
				case <-p.shutdown:
					return
				}
			}

			if result.reason != fetchedRecords {
				p.logger.Debug(fmt.Sprintf(`Stream ending due to %s`, result.reason))
				return
			}

		case <-p.stopReqs:
			return
		case <-p.shutdown:
			return
		}
	}
}

// forward flattens prefetched chunks into the record channel.
func (p *PartitionStream) forward() {
	defer close(p.records)

	for chunk := range p.chunks {
		for _, record := range chunk {
			select {
			case p.records <- record:
			case <-p.stopReqs:
				return
			}
		}
	}
}
