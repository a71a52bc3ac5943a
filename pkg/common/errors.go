// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"errors"
	"fmt"
	"runtime"
)

// ReRaisableError chains a low level cause under the error that a higher
// layer reports, recording where the chain was extended.
type ReRaisableError struct {
	message      string
	currentError error
	base         error
}

func (err *ReRaisableError) Error() string {
	if err.base == nil {
		return err.message
	}
	return err.base.Error() + "\n" + err.message
}

// Unwrap exposes both links so errors.Is and errors.As see the cause and
// the reported error.
func (err *ReRaisableError) Unwrap() []error {
	return []error{err.currentError, err.base}
}

type LineNumberedError interface {
	Error() string
	TraceInfo() string
}

func RaiseFrom(base error, current error) *ReRaisableError {
	var message string
	var lineNumberedError LineNumberedError
	if errors.As(current, &lineNumberedError) {
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
