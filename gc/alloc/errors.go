package alloc

import "errors"

var (
	// ErrNoSpace indicates no free chunk was available and growth failed.
	ErrNoSpace = errors.New("alloc: no free chunk available")

	// ErrBadAddr indicates an address that is not the start of an
	// allocated object.
	ErrBadAddr = errors.New("alloc: bad object address")

	// ErrBadSize indicates a non-positive allocation size.
	ErrBadSize = errors.New("alloc: size must be positive")
)
