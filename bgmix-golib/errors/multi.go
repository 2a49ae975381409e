package errors

import (
	"bytes"
	"fmt"
)

// Errors is a non-empty list of errors. A nil Errors means no error occurred,
// so callers can compare against nil as with a plain error.
type Errors []error

// Error renders the underlying errors, one per line.
func (m Errors) Error() string {
	var b bytes.Buffer
	for i, err := range m {
		if i > 0 {
			fmt.Fprint(&b, "\n")
		}
		fmt.Fprint(&b, err)
	}
	return b.String()
}

// Slice returns a copy of the underlying errors.
func (m Errors) Slice() []error {
	return append([]error(nil), m...)
}

// Len returns the number of underlying errors.
func (m Errors) Len() int {
	return len(m)
}

// Append appends err to errs, flattening nested Errors values.
// A nil err leaves errs unchanged.
func Append(errs Errors, err error) Errors {
	switch err := err.(type) {
	case nil:
		return errs
	case Errors:
		return append(errs, err...)
	default:
		return append(errs, err)
	}
}

// Combine combines errors e & f into a single error
func Combine(e, f error) error {
	if e == nil {
		return f
	}
	if f == nil {
		return e
	}
	errs, ok := e.(Errors)
	if !ok {
		errs = Errors{e}
	} else {
		// copy to avoid mutating the caller's backing array
		errs = Errors(errs.Slice())
	}
	if errs = Append(errs, f); errs == nil {
		return nil
	}
	return errs
}

// Defer is a helper method for deferring error-returning functions
func Defer(err *error, f func() error) {
	*err = Combine(*err, f())
}
