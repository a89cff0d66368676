package consumer

import (
	"fmt"
	"time"

	"github.com/tryfix/log"
	"github.com/tryfix/metrics"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/pkg/async"
	"github.com/gmbyapa/krill/pkg/errors"
)

// actor is the single serialization point for the kafka client. It is the
// sole consumer of the request mailbox and the poll channel, processes one
// request at a time and is the only component mutating its state. Rebalance
// callbacks fire inside client.Poll, on the actor goroutine.
type actor struct {
	handle   *Handle
	config   *Config
	requests *async.Mailbox
	polls    chan struct{}

	consumer      *Consumer
	offsetManager kafka.OffsetManager

	// state below is owned by the actor goroutine. Rebalance callbacks
	// mutate it too, they run inside poll on the same goroutine.
	assignment      map[kafka.TopicPartition]int64 // tp -> active PartitionStreamId
	fetches         map[kafka.TopicPartition]*fetchRequest
	buffered        map[kafka.TopicPartition][]kafka.Record
	paused          map[kafka.TopicPartition]bool
	pendingCommits  []*commitRequest
	hooks           []*rebalanceHooks
	userListeners   []*RebalanceListener
	activeStreamId  int64
	nextIncarnation int64
	stopped         bool // stopConsuming fired

	logger  log.Logger
	metrics struct {
		pollLatency     metrics.Observer
		commitLatency   metrics.Observer
		endToEndLatency metrics.Observer
		buffered        metrics.Gauge
		status          metrics.Gauge
	}
}

func newActor(consumer *Consumer, handle *Handle, config *Config) *actor {
	a := &actor{
		handle:     handle,
		config:     config,
		requests:   async.NewMailbox(),
		polls:      make(chan struct{}, 1),
		consumer:   consumer,
		assignment: map[kafka.TopicPartition]int64{},
		fetches:    map[kafka.TopicPartition]*fetchRequest{},
		buffered:   map[kafka.TopicPartition][]kafka.Record{},
		paused:     map[kafka.TopicPartition]bool{},
		logger:     config.Logger.NewLog(log.Prefixed(`ConsumerActor`)),
	}

	reporter := config.MetricsReporter.Reporter(metrics.ReporterConf{Subsystem: `krill_consumer`})
	a.metrics.pollLatency = reporter.Observer(metrics.MetricConf{
		Path: `poll_latency_microseconds`,
	})
	a.metrics.commitLatency = reporter.Observer(metrics.MetricConf{
		Path: `commit_latency_microseconds`,
	})
	a.metrics.endToEndLatency = reporter.Observer(metrics.MetricConf{
		Path: `end_to_end_latency_microseconds`,
	})
	a.metrics.buffered = reporter.Gauge(metrics.MetricConf{
		Path: `buffered_records`,
	})
	a.metrics.status = reporter.Gauge(metrics.MetricConf{
		Path: `status`,
	})

	a.setStatus(kafka.ConsumerPending)

	return a
}

// send enqueues a request for the actor. Never blocks.
func (a *actor) send(req interface{}) {
	a.requests.Send(req)
}

// run is the actor loop. User requests take priority over polls, the
// blocking select on both channels provides the wait when idle.
func (a *actor) run(opts *async.Opts) error {
	opts.Ready()

	for {
		select {
		case req, ok := <-a.requests.Out():
			if !ok {
				return a.shutdown(nil)
			}
			a.dispatch(req)
			continue
		default:
		}

		select {
		case <-opts.Stopping():
			return a.shutdown(nil)

		case req, ok := <-a.requests.Out():
			if !ok {
				return a.shutdown(nil)
			}
			a.dispatch(req)

		case <-a.polls:
			if err := a.poll(); err != nil {
				a.logger.Error(fmt.Sprintf(`Poll failed due to %s, consumer will shut down`, err))
				return a.shutdown(err)
			}
		}
	}
}

// schedulePolls periodically injects a poll token. The capacity-1 channel
// dampens the rate when the actor cannot keep up.
func (a *actor) schedulePolls(opts *async.Opts) error {
	opts.Ready()

	timer := time.NewTimer(a.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-opts.Stopping():
			return nil
		case a.polls <- struct{}{}:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.config.PollInterval)

		select {
		case <-opts.Stopping():
			return nil
		case <-timer.C:
		}
	}
}

func (a *actor) dispatch(req interface{}) {
	switch r := req.(type) {
	case *subscribeTopicsRequest:
		r.done <- a.handle.Blocking(func(client kafka.Client) error {
			return client.Subscribe(r.topics, a.rebalanceCallback())
		})

	case *subscribePatternRequest:
		r.done <- a.handle.Blocking(func(client kafka.Client) error {
			return client.SubscribePattern(r.pattern, a.rebalanceCallback())
		})

	case *assignRequest:
		r.done <- a.handle.Blocking(func(client kafka.Client) error {
			err := client.Assign(r.tps)
			if err == nil {
				// Manual assignment bypasses the group coordinator,
				// surface it like an assigned callback.
				a.onAssigned(r.tps)
			}
			return err
		})

	case *unsubscribeRequest:
		r.done <- a.handle.Blocking(func(client kafka.Client) error {
			return client.Unsubscribe()
		})

	case *fetchRequest:
		a.handleFetch(r)

	case *assignmentRequest:
		a.handleAssignmentRequest(r)

	case *commitRequest:
		a.pendingCommits = append(a.pendingCommits, r)

	case *stopConsumingRequest:
		a.stopConsuming()
		close(r.done)

	default:
		a.logger.Warn(fmt.Sprintf(`Unknown request %T`, req))
	}
}

func (a *actor) rebalanceCallback() kafka.RebalanceCallback {
	return kafka.RebalanceCallback{
		OnAssigned: a.onAssigned,
		OnRevoked:  a.onRevoked,
	}
}

// handleFetch serves a partition stream's demand. Stale stream ids and
// unassigned partitions complete immediately with a revocation, buffered
// records flush right away.
func (a *actor) handleFetch(r *fetchRequest) {
	if a.stopped {
		r.reply <- fetchResult{reason: streamFinished}
		return
	}

	incarnation, assigned := a.assignment[r.tp]
	if !assigned || incarnation != r.partitionStreamId || r.streamId != a.activeStreamId {
		r.reply <- fetchResult{reason: topicPartitionRevoked}
		return
	}

	if records := a.takeBuffered(r.tp); len(records) > 0 {
		r.reply <- fetchResult{records: a.decode(records), reason: fetchedRecords}
		a.resume(r.tp)
		return
	}

	// At most one pending fetch per incarnation, duplicates overwrite.
	a.fetches[r.tp] = r
}

// handleAssignmentRequest registers listeners and answers with the current
// snapshot. Registration and snapshot are one actor step, a rebalance can
// never slip between them.
func (a *actor) handleAssignmentRequest(r *assignmentRequest) {
	var reply assignmentReply
	reply.tps = a.assignmentSnapshot()

	if r.user != nil {
		a.userListeners = append(a.userListeners, r.user)
	}

	if r.hooks != nil {
		if r.hooks.onAssigned != nil {
			// A new top-level stream displaces the previous one. Stale
			// fetches are answered with a revocation, buffered records
			// stay for the new incarnations.
			a.displaceActiveStream()
			a.activeStreamId = r.hooks.streamId
			reply.incarnations = a.reincarnate(reply.tps)

			// Bootstrap emission happens here, on the actor, so no
			// rebalance can slip in between registration and the
			// initial snapshot.
			r.hooks.onAssigned(reply.incarnations)
		}

		if r.hooks.onSnapshot != nil {
			r.hooks.onSnapshot(reply.tps)
		}

		if a.stopped {
			if r.hooks.onStop != nil {
				r.hooks.onStop()
			}
		} else {
			a.hooks = append(a.hooks, r.hooks)
		}
	}

	r.reply <- reply
}

func (a *actor) displaceActiveStream() {
	for tp, fetch := range a.fetches {
		fetch.reply <- fetchResult{reason: topicPartitionRevoked}
		delete(a.fetches, tp)
	}

	kept := a.hooks[:0]
	for _, h := range a.hooks {
		if h.onAssigned != nil {
			if h.onStop != nil {
				h.onStop()
			}
			continue
		}
		kept = append(kept, h)
	}
	a.hooks = kept
}

func (a *actor) reincarnate(tps kafka.TopicPartitions) []partitionIncarnation {
	incarnations := make([]partitionIncarnation, 0, len(tps))
	for _, tp := range tps {
		a.nextIncarnation++
		a.assignment[tp] = a.nextIncarnation
		incarnations = append(incarnations, partitionIncarnation{tp: tp, id: a.nextIncarnation})
	}

	return incarnations
}

// poll runs one client poll and routes the outcome. A poll failure is fatal
// to the consumer instance.
func (a *actor) poll() error {
	var records []kafka.Record

	begin := time.Now()
	err := a.handle.Blocking(func(client kafka.Client) error {
		fetched, err := client.Poll(a.config.PollTimeout)
		records = fetched
		return err
	})
	a.metrics.pollLatency.Observe(float64(time.Since(begin).Microseconds()), nil)

	if err != nil && !errors.Is(err, ErrConsumerClosed) {
		return errors.Wrap(err, `client poll failed`)
	}

	a.route(records)
	a.serveFetches()
	a.processCommits()

	return nil
}

// route buffers polled records by partition. Records for partitions no
// longer assigned are discarded.
func (a *actor) route(records []kafka.Record) {
	for _, record := range records {
		tp := kafka.TopicPartition{Topic: record.Topic(), Partition: record.Partition()}
		if _, assigned := a.assignment[tp]; !assigned {
			a.logger.Debug(fmt.Sprintf(`Discarding record %s for unassigned partition`, record))
			continue
		}

		a.buffered[tp] = append(a.buffered[tp], record)
	}

	var total int
	for _, buffered := range a.buffered {
		total += len(buffered)
	}
	a.metrics.buffered.Count(float64(total), nil)
}

// serveFetches completes pending fetches that have records available and
// pauses partitions holding records nobody asked for yet.
func (a *actor) serveFetches() {
	for tp, fetch := range a.fetches {
		records := a.takeBuffered(tp)
		if len(records) == 0 {
			continue
		}

		fetch.reply <- fetchResult{records: a.decode(records), reason: fetchedRecords}
		delete(a.fetches, tp)
		a.resume(tp)
	}

	for tp, records := range a.buffered {
		if len(records) == 0 {
			continue
		}
		if _, pending := a.fetches[tp]; pending {
			continue
		}
		a.pause(tp)
	}
}

func (a *actor) takeBuffered(tp kafka.TopicPartition) []kafka.Record {
	records := a.buffered[tp]
	delete(a.buffered, tp)
	return records
}

func (a *actor) pause(tp kafka.TopicPartition) {
	if a.paused[tp] {
		return
	}

	err := a.handle.Blocking(func(client kafka.Client) error {
		return client.Pause(kafka.TopicPartitions{tp})
	})
	if err != nil {
		a.logger.Warn(fmt.Sprintf(`Pause failed on %s due to %s`, tp, err))
		return
	}

	a.paused[tp] = true
}

func (a *actor) resume(tp kafka.TopicPartition) {
	if !a.paused[tp] {
		return
	}

	err := a.handle.Blocking(func(client kafka.Client) error {
		return client.Resume(kafka.TopicPartitions{tp})
	})
	if err != nil {
		a.logger.Warn(fmt.Sprintf(`Resume failed on %s due to %s`, tp, err))
		return
	}

	delete(a.paused, tp)
}

// decode builds the delivery records, applying the configured encoders.
// Decode failures travel inline on the record.
func (a *actor) decode(records []kafka.Record) []ConsumerRecord {
	out := make([]ConsumerRecord, len(records))
	for i, record := range records {
		cr := ConsumerRecord{
			Record: record,
			Committable: CommittableOffset{
				tp:       kafka.TopicPartition{Topic: record.Topic(), Partition: record.Partition()},
				offset:   record.Offset() + 1,
				consumer: a.consumer,
			},
		}

		key, err := a.config.KeyEncoder.Decode(record.Key())
		if err != nil {
			cr.Err = errors.Wrapf(err, `key decode failed on %s`, record)
		} else {
			cr.Key = key
		}

		if cr.Err == nil {
			value, err := a.config.ValueEncoder.Decode(record.Value())
			if err != nil {
				cr.Err = errors.Wrapf(err, `value decode failed on %s`, record)
			} else {
				cr.Value = value
			}
		}

		a.metrics.endToEndLatency.Observe(float64(time.Since(record.Timestamp()).Microseconds()), nil)
		out[i] = cr
	}

	return out
}

// processCommits merges all pending commit requests into one client call and
// completes every caller with the outcome.
func (a *actor) processCommits() {
	if len(a.pendingCommits) == 0 {
		return
	}

	pending := a.pendingCommits
	a.pendingCommits = nil

	offsets := map[kafka.TopicPartition]kafka.OffsetAndMetadata{}
	for _, cr := range pending {
		for tp, om := range cr.offsets {
			offsets[tp] = om
		}
	}

	begin := time.Now()
	err := a.commitWithRecovery(offsets)
	a.metrics.commitLatency.Observe(float64(time.Since(begin).Microseconds()), nil)

	for _, cr := range pending {
		cr.done <- err
	}
}

func (a *actor) commitWithRecovery(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) error {
	commit := func() error {
		return a.handle.Blocking(func(client kafka.Client) error {
			return client.CommitSync(offsets)
		})
	}

	err := commit()
	if err == nil || a.config.Commit.Recovery == CommitRecoveryNone {
		return err
	}

	if !a.offsetsInRange(offsets) {
		return errors.Wrap(err, `commit offsets out of range, not retrying`)
	}

	for retry := 1; retry <= a.config.Commit.MaxRetries; retry++ {
		a.logger.Warn(fmt.Sprintf(`Commit failed due to %s, retrying %d/%d`,
			err, retry, a.config.Commit.MaxRetries))

		if err = commit(); err == nil {
			return nil
		}
	}

	return err
}

// offsetsInRange validates the offsets against the partition watermarks when
// an OffsetManager is configured. Without one every failure is treated as
// retriable.
func (a *actor) offsetsInRange(offsets map[kafka.TopicPartition]kafka.OffsetAndMetadata) bool {
	if a.offsetManager == nil {
		return true
	}

	for tp, om := range offsets {
		valid, err := a.offsetManager.OffsetValid(tp.Topic, tp.Partition, om.Offset)
		if err != nil {
			a.logger.Warn(fmt.Sprintf(`Offset validation failed on %s due to %s`, tp, err))
			continue
		}
		if !valid {
			return false
		}
	}

	return true
}

// onAssigned fires inside client.Poll on the actor goroutine.
func (a *actor) onAssigned(tps kafka.TopicPartitions) {
	a.setStatus(kafka.ConsumerRebalancing)
	a.logger.Info(fmt.Sprintf(`Partitions %s assigned`, tps))

	incarnations := a.reincarnate(tps)

	for _, h := range a.hooks {
		if h.onAssigned != nil && h.streamId == a.activeStreamId {
			h.onAssigned(incarnations)
		}
	}

	for _, l := range a.userListeners {
		if l.OnAssigned != nil {
			l.OnAssigned(tps)
		}
	}

	a.notifySnapshot()
	a.setStatus(kafka.ConsumerReady)
}

// onRevoked fires inside client.Poll on the actor goroutine. Pending fetches
// for revoked partitions complete with their buffered records and the
// revocation reason, no further records for the revoked incarnations are
// delivered afterwards.
func (a *actor) onRevoked(tps kafka.TopicPartitions) {
	a.setStatus(kafka.ConsumerRebalancing)
	a.logger.Info(fmt.Sprintf(`Partitions %s revoked`, tps))

	for _, tp := range tps {
		if fetch, ok := a.fetches[tp]; ok {
			fetch.reply <- fetchResult{
				records: a.decode(a.takeBuffered(tp)),
				reason:  topicPartitionRevoked,
			}
			delete(a.fetches, tp)
		}

		delete(a.buffered, tp)
		delete(a.assignment, tp)
		delete(a.paused, tp)
	}

	for _, h := range a.hooks {
		if h.onRevoked != nil {
			h.onRevoked(tps)
		}
	}

	for _, l := range a.userListeners {
		if l.OnRevoked != nil {
			l.OnRevoked(tps)
		}
	}

	a.notifySnapshot()
	a.setStatus(kafka.ConsumerReady)
}

func (a *actor) notifySnapshot() {
	snapshot := a.assignmentSnapshot()
	for _, h := range a.hooks {
		if h.onSnapshot != nil {
			h.onSnapshot(snapshot)
		}
	}
}

func (a *actor) assignmentSnapshot() kafka.TopicPartitions {
	var tps kafka.TopicPartitions
	for tp := range a.assignment {
		tps = append(tps, tp)
	}

	return tps.Sort()
}

// stopConsuming is monotonic. No further fetches are honored, stream hooks
// terminate their queues, commits in flight still complete on following
// polls.
func (a *actor) stopConsuming() {
	if a.stopped {
		return
	}
	a.stopped = true
	a.logger.Info(`Consumer stopping, no further fetches will be served`)

	for tp, fetch := range a.fetches {
		fetch.reply <- fetchResult{
			records: a.decode(a.takeBuffered(tp)),
			reason:  streamFinished,
		}
		delete(a.fetches, tp)
	}

	for _, h := range a.hooks {
		if h.onStop != nil {
			h.onStop()
		}
	}
	a.hooks = nil
}

// shutdown completes every pending operation and drains the mailbox so that
// no caller is left waiting.
func (a *actor) shutdown(cause error) error {
	a.logger.Info(`Actor shutting down...`)
	defer a.logger.Info(`Actor stopped`)

	a.setStatus(kafka.ConsumerPending)

	for tp, fetch := range a.fetches {
		fetch.reply <- fetchResult{reason: topicPartitionRevoked}
		delete(a.fetches, tp)
	}

	for _, cr := range a.pendingCommits {
		cr.done <- ErrConsumerClosed
	}
	a.pendingCommits = nil

	for _, h := range a.hooks {
		if h.onStop != nil {
			h.onStop()
		}
	}
	a.hooks = nil

	a.requests.Close()
	for req := range a.requests.Out() {
		a.reject(req)
	}

	return cause
}

// reject completes a request with ErrConsumerClosed during shutdown.
func (a *actor) reject(req interface{}) {
	switch r := req.(type) {
	case *subscribeTopicsRequest:
		r.done <- ErrConsumerClosed
	case *subscribePatternRequest:
		r.done <- ErrConsumerClosed
	case *assignRequest:
		r.done <- ErrConsumerClosed
	case *unsubscribeRequest:
		r.done <- ErrConsumerClosed
	case *fetchRequest:
		r.reply <- fetchResult{reason: topicPartitionRevoked}
	case *assignmentRequest:
		if r.hooks != nil && r.hooks.onStop != nil {
			r.hooks.onStop()
		}
		r.reply <- assignmentReply{}
	case *commitRequest:
		r.done <- ErrConsumerClosed
	case *stopConsumingRequest:
		close(r.done)
	}
}

func (a *actor) setStatus(status kafka.ConsumerStatus) {
	switch status {
	case kafka.ConsumerPending:
		a.metrics.status.Count(0, nil)
	case kafka.ConsumerRebalancing:
		a.metrics.status.Count(1, nil)
	case kafka.ConsumerReady:
		a.metrics.status.Count(2, nil)
	}
}
