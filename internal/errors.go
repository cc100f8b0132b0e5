// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ParamError is returned when caller supplied input is missing or invalid.
// It is surfaced immediately and never retried.
type ParamError struct {
	Param   string
	Message string
}

func (e *ParamError) Error() string {
	if e.Param == "" {
		return "invalid parameter: " + e.Message
	}
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Message)
}

// RemoteProtocolError is returned when a federation peer answers with a
// non-2xx status or a body we cannot use.
type RemoteProtocolError struct {
	Server     spec.ServerName
	StatusCode int
	Message    string
	Body       []byte
	Err        error
}

func (e *RemoteProtocolError) Error() string {
	msg := fmt.Sprintf("remote %q: %s", e.Server, e.Message)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("remote %q returned HTTP %d: %s", e.Server, e.StatusCode, e.Message)
	}
	if len(e.Body) > 0 {
		msg += ": " + string(e.Body)
	}
	return msg
}

func (e *RemoteProtocolError) Unwrap() error { return e.Err }

// EncodingError is returned when a value cannot be represented in canonical JSON.
type EncodingError struct {
	Path    string
	Message string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical json: " + e.Message
	}
	return fmt.Sprintf("canonical json: %s at %s", e.Message, e.Path)
}

// KeyError means no usable signing key has been configured.
type KeyError struct {
	Message string
}

func (e *KeyError) Error() string { return "signing key: " + e.Message }

// PersistenceError wraps a failure from the storage layer.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("storage: %s: %s", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

// MatrixErrorFor maps an error onto the Matrix error code reported to callers.
// Parameter problems become M_INVALID_PARAM, everything else M_UNKNOWN.
func MatrixErrorFor(err error) spec.MatrixError {
	var matrixErr spec.MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr
	}
	var paramErr *ParamError
	if errors.As(err, &paramErr) {
		return spec.InvalidParam(err.Error())
	}
	return spec.Unknown(err.Error())
}
