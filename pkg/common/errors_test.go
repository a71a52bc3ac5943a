// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package common

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errLoginFailed = errors.New("login failed")

func TestRaiseFromKeepsBothErrors(t *testing.T) {
	err := RaiseFrom(errLoginFailed, io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, errLoginFailed)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "login failed\nunexpected EOF")
	assert.Contains(t, err.Error(), "TestRaiseFromKeepsBothErrors")
}

func TestRaiseFromWithoutBase(t *testing.T) {
	err := RaiseFrom(nil, io.EOF)
	assert.Contains(t, err.Error(), "EOF")
	assert.NotContains(t, err.Error(), "\n")
}
