package async

import (
	"fmt"
	"testing"
	"time"
)

func TestMailbox_FIFO(t *testing.T) {
	m := NewMailbox()

	for i := 0; i < 1000; i++ {
		m.Send(i)
	}

	for i := 0; i < 1000; i++ {
		v := <-m.Out()
		if v.(int) != i {
			t.Fatal(fmt.Sprintf(`expected %d have %v`, i, v))
		}
	}
}

func TestMailbox_SendNeverBlocks(t *testing.T) {
	m := NewMailbox()

	done := make(chan struct{})
	go func() {
		// Nothing reads Out, sends must still return.
		for i := 0; i < 10000; i++ {
			m.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`send blocked on a full mailbox`)
	}
}

func TestMailbox_CloseDrains(t *testing.T) {
	m := NewMailbox()

	for i := 0; i < 10; i++ {
		m.Send(i)
	}
	m.Close()

	var received []interface{}
	for v := range m.Out() {
		received = append(received, v)
	}

	if len(received) != 10 {
		t.Error(fmt.Sprintf(`expected 10 items have %d`, len(received)))
	}
}

func TestMailbox_SendAfterCloseIsNoop(t *testing.T) {
	m := NewMailbox()
	m.Close()
	m.Send(1)

	if _, ok := <-m.Out(); ok {
		t.Error(`expected closed output`)
	}
}
