package consumer

import (
	"sync"
	"sync/atomic"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/async"
)

// PartitionsMapStream yields successive assignment maps, one PartitionStream
// per assigned partition. Every call starts a fresh top-level stream: it
// allocates a new StreamId, displaces any previous top-level stream and
// reincarnates the current assignment. The channel closes on StopConsuming
// or termination.
func (c *Consumer) PartitionsMapStream() <-chan map[kafka.TopicPartition]*PartitionStream {
	streamId := atomic.AddInt64(&c.streamIds, 1)
	mailbox := async.NewMailbox()
	out := make(chan map[kafka.TopicPartition]*PartitionStream)

	hooks := &rebalanceHooks{
		streamId: streamId,
		onAssigned: func(incarnations []partitionIncarnation) {
			streams := make(map[kafka.TopicPartition]*PartitionStream, len(incarnations))
			for _, inc := range incarnations {
				streams[inc.tp] = newPartitionStream(c.actor, inc.tp, streamId, inc.id, c.group.Stopping())
			}
			mailbox.Send(streams)
		},
		// Revoked partition streams terminate themselves through the
		// fetch protocol, no onRevoked needed.
		onStop: func() {
			mailbox.Close()
		},
	}

	go func() {
		defer close(out)
		for v := range mailbox.Out() {
			select {
			case out <- v.(map[kafka.TopicPartition]*PartitionStream):
			case <-c.group.Stopping():
				return
			}
		}
	}()

	c.register(&assignmentRequest{hooks: hooks, reply: make(chan assignmentReply, 1)})

	return out
}

// PartitionedStream flattens PartitionsMapStream into a stream of partition
// streams, each map's values emitted in partition order.
func (c *Consumer) PartitionedStream() <-chan *PartitionStream {
	out := make(chan *PartitionStream)
	maps := c.PartitionsMapStream()

	go func() {
		defer close(out)
		for streams := range maps {
			for _, tp := range sortedPartitions(streams) {
				select {
				case out <- streams[tp]:
				case <-c.group.Stopping():
					return
				}
			}
		}
	}()

	return out
}

// Stream joins all partition streams into one record stream. Cross-partition
// ordering is lost, per-partition order is preserved.
func (c *Consumer) Stream() <-chan ConsumerRecord {
	out := make(chan ConsumerRecord)
	maps := c.PartitionsMapStream()

	go func() {
		defer close(out)

		var wg sync.WaitGroup
		for streams := range maps {
			for _, tp := range sortedPartitions(streams) {
				wg.Add(1)
				go func(p *PartitionStream) {
					defer wg.Done()
					for record := range p.Records() {
						select {
						case out <- record:
						case <-c.group.Stopping():
							p.Close()
							return
						}
					}
				}(streams[tp])
			}
		}
		wg.Wait()
	}()

	return out
}

// AssignmentStream emits the current assignment after every change.
// Consecutive emissions always differ. The first emission is the snapshot at
// subscription time.
func (c *Consumer) AssignmentStream() <-chan kafka.TopicPartitions {
	mailbox := async.NewMailbox()
	out := make(chan kafka.TopicPartitions)

	hooks := &rebalanceHooks{
		onSnapshot: func(tps kafka.TopicPartitions) {
			mailbox.Send(tps.Copy())
		},
		onStop: func() {
			mailbox.Close()
		},
	}

	go func() {
		defer close(out)

		var last kafka.TopicPartitions
		first := true
		for v := range mailbox.Out() {
			snapshot := v.(kafka.TopicPartitions)
			if !first && snapshot.Equal(last) {
				continue
			}

			select {
			case out <- snapshot:
				last = snapshot
				first = false
			case <-c.group.Stopping():
				return
			}
		}
	}()

	c.register(&assignmentRequest{hooks: hooks, reply: make(chan assignmentReply, 1)})

	return out
}

// register sends an assignment request and waits for the actor to process
// it, so listeners are live once the stream method returns.
func (c *Consumer) register(req *assignmentRequest) assignmentReply {
	c.actor.send(req)

	select {
	case reply := <-req.reply:
		return reply
	case <-c.group.Stopped():
		return assignmentReply{}
	}
}

func sortedPartitions(streams map[kafka.TopicPartition]*PartitionStream) kafka.TopicPartitions {
	tps := make(kafka.TopicPartitions, 0, len(streams))
	for tp := range streams {
		tps = append(tps, tp)
	}

	return tps.Sort()
}
