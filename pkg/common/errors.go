// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// ReRaisableError keeps the domain error (base) on top of the failure
// that caused it, so both errors.Is and errors.Cause keep working.
type ReRaisableError struct {
	message      string
	currentError error
	base         error
}

func (err *ReRaisableError) Error() string {
	return err.base.Error() + "\n" + err.message
}

func (err *ReRaisableError) Unwrap() error {
	return err.currentError
}

func (err *ReRaisableError) Is(target error) bool {
	return err.base == target
}

func (err *ReRaisableError) Cause() error {
	return errors.Cause(err.currentError)
}

func (err *ReRaisableError) Base() error {
	return err.base
}

type LineNumberedError interface {
	Error() string
	TraceInfo() string
}

func RaiseFrom(base error, current error) *ReRaisableError {
	var message string
	if lineNumberedError, ok := current.(LineNumberedError); ok {
		message = lineNumberedError.Error() + " " + lineNumberedError.TraceInfo()
	} else {
		message = current.Error() + " " + GetTraceInfo()
	}
	return &ReRaisableError{
		base:         base,
		message:      message,
		currentError: current,
	}
}

func GetTraceInfo() string {
	pc, fileName, fileLine, ok := runtime.Caller(2)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		return fmt.Sprintf("func %s() at %s:%d", details.Name(), fileName, fileLine)
	}
	return ""
}
