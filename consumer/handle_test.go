package consumer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/kafka"
	"github.com/gmbyapa/krill/kafka/mocks"
)

func TestHandle_BlockingSerializesAccess(t *testing.T) {
	handle := NewHandle(mocks.NewMockClient(mocks.NewMockTopics(), `grp`), log.NewNoopLogger())

	var inFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := handle.Blocking(func(client kafka.Client) error {
				if atomic.AddInt32(&inFlight, 1) != 1 {
					t.Error(`concurrent access to the client`)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}

	wg.Wait()
}

func TestHandle_BlockingAfterClose(t *testing.T) {
	handle := NewHandle(mocks.NewMockClient(mocks.NewMockTopics(), `grp`), log.NewNoopLogger())
	handle.Close()

	err := handle.Blocking(func(client kafka.Client) error {
		t.Error(`op ran on a closed handle`)
		return nil
	})

	if err != ErrConsumerClosed {
		t.Error(`expected ErrConsumerClosed, have`, err)
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	handle := NewHandle(mocks.NewMockClient(mocks.NewMockTopics(), `grp`), log.NewNoopLogger())
	handle.Close()
	handle.Close()
}
