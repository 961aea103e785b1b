package hlsprep

import "errors"

var (
	// ErrMissingInput is returned when a required file, band or auxiliary
	// layer is absent. The unit is skipped.
	ErrMissingInput = errors.New("missing input")
	// ErrNoIntersection is returned when a stack and an auxiliary layer do
	// not overlap. The pair is skipped.
	ErrNoIntersection = errors.New("no intersection")
	// ErrMalformedName is returned by the filename parsers.
	ErrMalformedName = errors.New("malformed name")
)

// Skipped reports whether err is an expected skip condition rather than a failure.
func Skipped(err error) bool {
	return errors.Is(err, ErrMissingInput) || errors.Is(err, ErrNoIntersection)
}

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}
