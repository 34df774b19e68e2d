package solver

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPair     = errors.New("invalid student pair")
	ErrMalformedInput  = errors.New("malformed input")
	ErrInvalidSolution = errors.New("invalid solution")
)

// InvalidPairError reports a relation lookup or update with identical or
// out-of-range student ids.
type InvalidPairError struct {
	X, Y int
	N    int
}

func (e *InvalidPairError) Error() string {
	if e.X == e.Y {
		return fmt.Sprintf("%v: (%d, %d) refers to the same student", ErrInvalidPair, e.X, e.Y)
	}
	return fmt.Sprintf("%v: (%d, %d) outside [0, %d)", ErrInvalidPair, e.X, e.Y, e.N)
}

func (e *InvalidPairError) Is(target error) bool {
	return target == ErrInvalidPair
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}
