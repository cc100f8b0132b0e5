// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// maxRequestBodySize bounds the bodies read by the client API. Join bodies
// are a handful of fields.
const maxRequestBodySize = 64 * 1024

// UnmarshalOptionalJSONRequest decodes the request body into iface, leaving
// iface untouched when there is no body. Returns an error response if the
// body is not a JSON object of the right shape. Consumes the request body.
func UnmarshalOptionalJSONRequest(req *http.Request, iface interface{}) *util.JSONResponse {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize+1))
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to read request body")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if len(body) > maxRequestBodySize {
		return &util.JSONResponse{
			Code: http.StatusRequestEntityTooLarge,
			JSON: spec.MatrixError{
				ErrCode: "M_TOO_LARGE",
				Err:     "The request body is too large",
			},
		}
	}
	// Matrix requires UTF-8, encoding/json would accept anything.
	if !utf8.Valid(body) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("Body contains invalid UTF-8"),
		}
	}
	if err = json.Unmarshal(body, iface); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("The request body could not be decoded: " + err.Error()),
		}
	}
	return nil
}

var matrixErrorStatus = map[spec.MatrixErrorCode]int{
	spec.ErrorForbidden:             http.StatusForbidden,
	spec.ErrorUnableToAuthoriseJoin: http.StatusForbidden,
	spec.ErrorNotFound:              http.StatusNotFound,
	spec.ErrorUnrecognized:          http.StatusNotFound,
	spec.ErrorLimitExceeded:         http.StatusTooManyRequests,
}

// MatrixErrorResponse turns an error wrapping a spec.MatrixError into a
// response, with the status code belonging to its error code. Error codes
// without a status of their own are bad requests. Returns nil for any other
// error.
func MatrixErrorResponse(err error) *util.JSONResponse {
	var matrixErr spec.MatrixError
	if !errors.As(err, &matrixErr) {
		return nil
	}
	code, ok := matrixErrorStatus[matrixErr.ErrCode]
	if !ok {
		code = http.StatusBadRequest
	}
	return &util.JSONResponse{
		Code: code,
		JSON: matrixErr,
	}
}
