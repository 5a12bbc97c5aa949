// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"net/http"

	"git.cloudcontain.net/cloudcontain.git/sdk/go/cloudcontain"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Error writes a JSON error response with the given message and
// status code.
func Error(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Message: message})
}

// ErrorFor writes a JSON error response for err, using the status
// code that corresponds to err's place in the cloudcontain error
// taxonomy. The message is the status text; err's own text may carry
// internal details and is not sent.
func ErrorFor(w http.ResponseWriter, err error) {
	code := cloudcontain.HTTPStatus(err)
	Error(w, http.StatusText(code), code)
}

// JSON writes v as a JSON response body with the given status code.
func JSON(w http.ResponseWriter, v interface{}, code int) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
