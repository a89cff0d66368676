package consumer

import (
	"errors"
)

var (
	// ErrConsumerClosed is returned by operations racing with Terminate or
	// an actor crash.
	ErrConsumerClosed = errors.New(`consumer closed`)

	// ErrCommitTimeout is returned when a commit was not acknowledged
	// within Config.Commit.Timeout.
	ErrCommitTimeout = errors.New(`commit timed out`)
)
