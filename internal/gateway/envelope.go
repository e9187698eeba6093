// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON error envelope shared by every error response
// (spec.md §4.3): {"error": {"message", "type", "code", "param"?}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Param   string `json:"param,omitempty"`
}

// writeError renders the error envelope with the given status and fields.
// It sets no headers beyond Content-Type; callers needing Retry-After or
// CORS headers must set them before calling writeError.
func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
