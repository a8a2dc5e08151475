package feed

import "errors"

// Domain-level error values returned by the feed package.
var (
	ErrInvalidCapacity  = errors.New("invalid feed capacity")
	ErrInvalidSourceTag = errors.New("invalid source tag")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)
