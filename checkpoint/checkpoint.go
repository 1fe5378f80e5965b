// Package checkpoint decorates errors with the caller position they passed through,
// which results in something similar to a stacktrace across the storage layers.
// Each error added to a checkpoint can be checked by errors.Is and retrieved by errors.As.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From just wraps an error by a new checkpoint which adds some caller information to the error.
// It returns nil, if err == nil.
func From(err error) error {
	// io.EOF must be returned as io.EOF directly
	// https://github.com/golang/go/issues/39155
	if err == nil || err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}

	_, file, line, ok := runtime.Caller(1)

	return &checkpoint{
		prev: err,

		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

// Wrap adds a checkpoint with some caller information to prev and labels it with err.
// Returns nil if prev == nil.
// This allows to predefine some errors and use them later:
//  var ErrWriteFailed = errors.New("write failed")
//
//  func flush() error {
//  	err := device.WriteBlock(lba, data)
//  	return checkpoint.Wrap(err, ErrWriteFailed)
//  }
// errors.Is then matches both ErrWriteFailed and whatever WriteBlock returned.
func Wrap(prev, err error) error {
	if prev == io.EOF {
		return io.EOF
	}

	if prev == nil {
		return nil
	}

	_, file, line, ok := runtime.Caller(1)

	return &checkpoint{
		err:  err,
		prev: prev,

		callerOk: ok,
		file:     filepath.Base(file),
		line:     line,
	}
}

// Cause returns the innermost error which is not a checkpoint.
// That is the error the failure originated from.
func Cause(err error) error {
	for {
		c, ok := err.(*checkpoint)
		if !ok {
			return err
		}
		err = c.prev
	}
}

type checkpoint struct {
	// err is an optional label, prev the decorated error.
	err  error
	prev error

	callerOk bool
	file     string
	line     int
}

func (e *checkpoint) Error() string {
	var b strings.Builder
	if e.callerOk {
		fmt.Fprintf(&b, "%s:%d: ", e.file, e.line)
	} else {
		b.WriteString("unknown: ")
	}

	if e.err != nil {
		b.WriteString(e.err.Error())
		b.WriteString(": ")
	}

	b.WriteString(e.prev.Error())
	return b.String()
}

func (e *checkpoint) Unwrap() error {
	return e.prev
}

func (e *checkpoint) Is(target error) bool {
	return e.err != nil && errors.Is(e.err, target)
}

func (e *checkpoint) As(target interface{}) bool {
	return e.err != nil && errors.As(e.err, target)
}
