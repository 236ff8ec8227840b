package heap

import "errors"

var (
	// ErrRetryAfterGC is returned by allocation when the space's budget is
	// exhausted. The caller collects garbage and retries.
	ErrRetryAfterGC = errors.New("heap: retry after gc")

	// ErrOutOfMemory is returned when the memory limit is reached.
	ErrOutOfMemory = errors.New("heap: out of memory")
)
