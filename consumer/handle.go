package consumer

import (
	"sync"

	"github.com/tryfix/log"

	"github.com/gmbyapa/krill/kafka"
)

// Handle owns the underlying kafka client. The client is not safe for
// concurrent use, every call from any goroutine goes through Blocking which
// holds the handle mutex, the actor's poll included. Pause and Resume must be
// driven only from the actor.
type Handle struct {
	mu     sync.Mutex
	client kafka.Client
	closed bool
	logger log.Logger
}

func NewHandle(client kafka.Client, logger log.Logger) *Handle {
	return &Handle{
		client: client,
		logger: logger.NewLog(log.Prefixed(`ClientHandle`)),
	}
}

// Blocking runs op with exclusive access to the client. The calling
// goroutine blocks until op returns. Returns ErrConsumerClosed once the
// handle has been closed.
func (h *Handle) Blocking(op func(client kafka.Client) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrConsumerClosed
	}

	return op(h.client)
}

// Close closes the client. Idempotent, close failures are logged and
// swallowed.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	if err := h.client.Close(); err != nil {
		h.logger.Warn(err)
	}
}
