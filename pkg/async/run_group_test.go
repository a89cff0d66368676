package async

import (
	"testing"
	"time"

	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/pkg/errors"
)

func TestRunGroup_ErrorStopsSiblings(t *testing.T) {
	failure := errors.New(`boom`)
	siblingStopped := make(chan struct{})

	group := NewRunGroup(log.NewNoopLogger()).
		Add(func(opts *Opts) error {
			opts.Ready()
			<-opts.Stopping()
			close(siblingStopped)
			return nil
		}).
		Add(func(opts *Opts) error {
			opts.Ready()
			return failure
		})
	group.Run()

	select {
	case <-siblingStopped:
	case <-time.After(5 * time.Second):
		t.Fatal(`sibling was not stopped`)
	}

	if err := group.Wait(); !errors.Is(err, failure) {
		t.Error(`expected the failure from Wait, have`, err)
	}
}

func TestRunGroup_SuccessStopsSiblings(t *testing.T) {
	group := NewRunGroup(log.NewNoopLogger()).
		Add(func(opts *Opts) error {
			opts.Ready()
			return nil
		}).
		Add(func(opts *Opts) error {
			opts.Ready()
			<-opts.Stopping()
			return nil
		})
	group.Run()

	select {
	case <-group.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal(`group did not stop`)
	}

	if err := group.Wait(); err != nil {
		t.Error(`expected clean stop, have`, err)
	}
}

func TestRunGroup_Stop(t *testing.T) {
	group := NewRunGroup(log.NewNoopLogger()).
		Add(func(opts *Opts) error {
			opts.Ready()
			<-opts.Stopping()
			return nil
		})
	group.Run()

	if err := group.Ready(); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		group.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`stop did not return`)
	}
}
