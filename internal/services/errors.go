package services

import (
	"errors"
	"fmt"
)

// ErrPermanent marks a failure that must never be retried: the request
// itself is bad (wrong owner, malformed payload, broken template), so
// redelivery cannot fix it. The event consumer rejects such messages
// without requeueing.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
