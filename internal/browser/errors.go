package browser

import "errors"

var (
	// ErrQueueTimeout means no session freed up within the acquisition timeout.
	// It is retryable: callers must treat it as "try again later", never as a
	// publish failure.
	ErrQueueTimeout = errors.New("session pool: acquire timed out")

	ErrClosed = errors.New("session pool: closed")
)
