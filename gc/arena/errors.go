package arena

import "errors"

var (
	// ErrOutOfPages indicates the OS refused to map additional segments.
	ErrOutOfPages = errors.New("arena: cannot map additional pages")

	// ErrNoRun indicates no free block run could satisfy the request even
	// after growing the heap.
	ErrNoRun = errors.New("arena: no free run large enough")
)
