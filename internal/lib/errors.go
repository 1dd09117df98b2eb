package lib

import "fmt"

// WrapError attaches err to the sentinel target so callers can match either
// with errors.Is.
func WrapError(target error, err error) error {
	return fmt.Errorf("%w: %w", target, err)
}
