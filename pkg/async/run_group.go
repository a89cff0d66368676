package async

import (
	"errors"
	"sync"

	"github.com/tryfix/log"
)

// Fn is a function that can be run asynchronously.
type Fn func(*Opts) error

// Opts contains options for running a function.
type Opts struct {
	// stopping is a channel that can be used to signal that the function should stop.
	stopping <-chan struct{}

	// readyOnce ensures that Ready() can only be called once.
	readyOnce sync.Once

	// ready is a channel that is closed when the function is ready(eg: client connected, first poll issued) to run.
	ready chan struct{}
}

// Stopping returns a channel that can be used to signal that the function should stop.
func (opts *Opts) Stopping() <-chan struct{} {
	return opts.stopping
}

// Ready signals that the function is ready to run.
func (opts *Opts) Ready() {
	opts.readyOnce.Do(func() {
		close(opts.ready)
	})
}

var ErrInterrupted = errors.New(`interrupted`)

// RunGroup runs a group of functions asynchronously and supervises them as a
// unit. The first function to return stops the others; the first error wins
// and is reported by Wait and Ready.
type RunGroup struct {
	fns          []Fn
	wg           *sync.WaitGroup
	readyWg      *sync.WaitGroup
	stopping     chan struct{}
	stopped      chan struct{}
	shutDownOnce *sync.Once
	errOnce      *sync.Once
	err          error
	logger       log.Logger
	shuttingDown bool
}

func NewRunGroup(logger log.Logger) *RunGroup {
	return &RunGroup{
		wg:           new(sync.WaitGroup),
		readyWg:      new(sync.WaitGroup),
		stopping:     make(chan struct{}),
		stopped:      make(chan struct{}),
		shutDownOnce: &sync.Once{},
		errOnce:      &sync.Once{},
		logger:       logger.NewLog(log.Prefixed(`AsyncGroup`)),
	}
}

// Add adds a function to the RunGroup. The function will be executed when the
// Run method is called.
// Note: RunGroup does not support dynamically adding functions to a running group.
func (tg *RunGroup) Add(fn Fn) *RunGroup {
	tg.readyWg.Add(1)
	tg.fns = append(tg.fns, fn)
	return tg
}

// Run starts every added function on its own goroutine and returns
// immediately. When any function returns, the whole group is signalled to
// stop.
func (tg *RunGroup) Run() {
	tg.wg.Add(len(tg.fns))

	for _, fn := range tg.fns {
		ready := make(chan struct{}, 1)

		go func() {
			<-ready
			tg.readyWg.Done()
		}()

		go func(fn Fn) {
			defer LogPanicTrace(tg.logger)

			opts := &Opts{
				stopping: tg.stopping,
				ready:    ready,
			}

			err := fn(opts)
			if err != nil {
				// Only the first error needs to be notified
				tg.errOnce.Do(func() {
					tg.err = err
				})
			}
			tg.notifyShutDown(err)

			// When function returns make it ready anyway
			opts.Ready()
			tg.wg.Done()
		}(fn)
	}

	go func() {
		tg.wg.Wait()
		close(tg.stopped)
	}()
}

func (tg *RunGroup) notifyShutDown(err error) {
	tg.shutDownOnce.Do(func() {
		if err != nil {
			tg.logger.Error(err)
			tg.logger.Info(`Processes stopping due to error...`)
		} else {
			tg.logger.Info(`Processes stopping...`)
		}

		tg.shuttingDown = true
		close(tg.stopping)
	})
}

// Ready blocks until every function has signalled Ready or the group started
// shutting down.
func (tg *RunGroup) Ready() error {
	tg.readyWg.Wait()
	if tg.err == nil && tg.shuttingDown {
		return ErrInterrupted
	}
	return tg.err
}

// Stopped returns a channel closed once every function has returned.
func (tg *RunGroup) Stopped() <-chan struct{} {
	return tg.stopped
}

// Stopping returns a channel closed once shutdown has been initiated.
func (tg *RunGroup) Stopping() <-chan struct{} {
	return tg.stopping
}

// Wait blocks until every function has returned and reports the first error,
// if any.
func (tg *RunGroup) Wait() error {
	<-tg.stopped
	return tg.err
}

// Stop signals the group to shut down and blocks until every function has
// returned.
func (tg *RunGroup) Stop() {
	tg.notifyShutDown(nil)
	defer tg.logger.Info(`Processes stopped`)

	<-tg.stopped
}
