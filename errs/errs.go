//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package errs defines the coded errors the engine surfaces to callers.
// Each error carries a stable code, an HTTP-ish status class and optional
// structured details (e.g. merge conflicts).
package errs

import (
	"errors"
	"fmt"
)

// Code identifies a surface-visible error class.
type Code string

// Engine error codes.
const (
	CodeVersionConflict           Code = "VERSION_CONFLICT"
	CodeMergeConflict             Code = "MERGE_CONFLICT"
	CodeRevisionWithoutChanges    Code = "REVISION_WITHOUT_CHANGES"
	CodeMissingRequiredConnection Code = "MISSING_REQUIRED_CONNECTION"
	CodeVersionNotFound           Code = "VERSION_NOT_FOUND"
	CodeGraphNotFound             Code = "GRAPH_NOT_FOUND"
	CodeGraphNotRunning           Code = "GRAPH_NOT_RUNNING"
	CodeGraphAlreadyRunning       Code = "GRAPH_ALREADY_RUNNING"
	CodeTriggerNotFound           Code = "TRIGGER_NOT_FOUND"
	CodeGraphRevisionNotFound     Code = "GRAPH_REVISION_NOT_FOUND"
	CodeInvalidNodeType           Code = "INVALID_NODE_TYPE"
	CodeTriggerNotStarted         Code = "TRIGGER_NOT_STARTED"
	CodeInvalidTemplate           Code = "INVALID_TEMPLATE"
	CodeInvalidConfig             Code = "INVALID_CONFIG"
	CodeDuplicateNodeID           Code = "DUPLICATE_NODE_ID"
	CodeDanglingEdge              Code = "DANGLING_EDGE"
)

var statusByCode = map[Code]int{
	CodeVersionConflict:           400,
	CodeMergeConflict:             400,
	CodeRevisionWithoutChanges:    400,
	CodeMissingRequiredConnection: 400,
	CodeVersionNotFound:           400,
	CodeGraphNotFound:             404,
	CodeGraphNotRunning:           400,
	CodeGraphAlreadyRunning:       400,
	CodeTriggerNotFound:           404,
	CodeGraphRevisionNotFound:     404,
	CodeInvalidNodeType:           400,
	CodeTriggerNotStarted:         400,
	CodeInvalidTemplate:           400,
	CodeInvalidConfig:             400,
	CodeDuplicateNodeID:           400,
	CodeDanglingEdge:              400,
}

// Error is a coded engine error.
type Error struct {
	Code    Code
	Status  int
	Message string
	// Details carries structured payload such as merge conflicts or the
	// current graph version on a version conflict.
	Details any
	cause   error
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Status:  statusOf(code),
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithCause records an underlying error and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two coded errors by code, so sentinel comparisons like
// errors.Is(err, errs.New(errs.CodeGraphNotFound, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the code from err, or "" if err is not a coded error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// StatusOf extracts the HTTP status class from err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 500
}

func statusOf(code Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return 500
}
