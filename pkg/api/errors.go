// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package api

import "fmt"

type ErrInconsistentRequestParameters struct{}

func (err ErrInconsistentRequestParameters) Error() string {
	return "inconsistent request parameters"
}

type ErrUnknownRequestType struct {
	requestType string
}

func (err ErrUnknownRequestType) Error() string {
	return fmt.Sprintf("unknown request type %s", err.requestType)
}
