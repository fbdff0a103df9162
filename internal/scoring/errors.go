package scoring

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTripData = errors.New("invalid trip data")
	ErrOutOfRange      = errors.New("input out of range")
)

// TripError reports which trip broke an invariant. It matches
// ErrInvalidTripData under errors.Is.
type TripError struct {
	TripID string
	Reason string
}

func (e *TripError) Error() string {
	return fmt.Sprintf("trip %q: %s", e.TripID, e.Reason)
}

func (e *TripError) Is(target error) bool { return target == ErrInvalidTripData }

func outOfRange(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOutOfRange, fmt.Sprintf(format, args...))
}
