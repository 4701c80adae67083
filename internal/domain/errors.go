// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrTransientInfra = errors.New("transient infrastructure failure")
	ErrNotFound       = errors.New("not found")
	ErrPartialFailure = errors.New("partial failure")
	ErrFatalConfig    = errors.New("fatal configuration error")
)

// PartialFailureError reports a bulk mutation that touched fewer records
// than its filter matched.
type PartialFailureError struct {
	Matched  int64
	Modified int64
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure: matched %d, modified %d", e.Matched, e.Modified)
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialFailure }

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientInfra, err)
}

func FatalConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatalConfig, fmt.Sprintf(format, args...))
}
