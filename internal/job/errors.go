package job

import "errors"

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost means the job is no longer active under the caller's
	// ownership, usually because the visibility sweep handed it to another
	// worker.
	ErrLeaseLost      = errors.New("job lease lost")
	ErrNotRetryable   = errors.New("only failed jobs can be retried")
	ErrUnknownHandler = errors.New("no handler registered")
)
