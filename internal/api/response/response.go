// Package response writes the API's JSON envelopes. Success payloads live
// under "data"; failures under "error" with a machine-readable code so
// clients can branch without parsing the message.
package response

import (
	"encoding/json"
	"net/http"
)

type dataEnvelope struct {
	Data any `json:"data"`
}

type pagedEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// PaginationMeta accompanies paged collections.
type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// JSON writes data under the standard envelope with status 200.
func JSON(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, dataEnvelope{Data: data})
}

// Created writes data under the standard envelope with status 201.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, dataEnvelope{Data: data})
}

// Accepted writes data under the standard envelope with status 202, the
// shape of every async submission response.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, dataEnvelope{Data: data})
}

// Collection writes a paged list with its pagination meta.
func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	write(w, http.StatusOK, pagedEnvelope{Data: data, Meta: meta})
}

// Error writes the error envelope. details is optional field-level context,
// omitted from the body when nil.
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	write(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
