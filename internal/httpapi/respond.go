// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relaydesk/agentd/internal/apierr"
)

// Response is the standard API envelope, adapted from the teacher's
// internal/api/handlers.Response: one of Data or Error is populated.
type Response struct {
	Data  any        `json:"data,omitempty"`
	Error *ErrorInfo `json:"error,omitempty"`
	Meta  *MetaInfo  `json:"meta,omitempty"`
}

// ErrorInfo is the client-visible shape of an apierr.Error.
type ErrorInfo struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// MetaInfo carries response metadata.
type MetaInfo struct {
	Timestamp time.Time `json:"timestamp"`
}

// WriteJSON writes a successful response envelope.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Data: data, Meta: &MetaInfo{Timestamp: time.Now()}})
}

// apiInternalf builds an Internal apierr.Error from a format string,
// for panics and other failures with no pre-existing error value.
func apiInternalf(format string, args ...any) *apierr.Error {
	return apierr.Internal(fmt.Errorf(format, args...))
}

// WriteError maps err onto an HTTP status and writes the envelope. A bare
// (non-apierr) error is treated as Internal so its cause is never echoed
// to the client.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Internal(err)
	}

	status := statusFor(apiErr.Category)
	if apiErr.Category == apierr.CategoryInternal {
		accessLog.Error().
			Str("correlation_id", apiErr.CorrelationID).
			AnErr("cause", apiErr.Cause()).
			Msg("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Error: &ErrorInfo{
			Code:          string(apiErr.Category),
			Message:       apiErr.Message,
			CorrelationID: apiErr.CorrelationID,
		},
		Meta: &MetaInfo{Timestamp: time.Now()},
	})
}

func statusFor(c apierr.Category) int {
	switch c {
	case apierr.CategoryNotFound:
		return http.StatusNotFound
	case apierr.CategoryConflict:
		return http.StatusConflict
	case apierr.CategoryBadRequest:
		return http.StatusBadRequest
	case apierr.CategoryUnauthorized:
		return http.StatusUnauthorized
	case apierr.CategoryGone:
		return http.StatusGone
	case apierr.CategoryTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
