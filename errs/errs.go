// Package errs holds the error kinds shared by the georeferencing engine and
// the helpers that turn them into user-visible status/message pairs.
package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	// solver
	ErrInsufficientPoints = errors.New("insufficient control points")
	ErrDegenerateGeometry = errors.New("degenerate control point geometry")

	// splitter
	ErrEmptyPartition = errors.New("cutlines produce no usable region")

	// masker
	ErrInsufficientVertices = errors.New("mask polygon needs at least 3 vertices")

	// session state machine
	ErrLockConflict      = errors.New("resource is locked by another session")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")

	// collaborators
	ErrStorageFailure = errors.New("storage failure")

	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

var kinds = []error{
	ErrInsufficientPoints,
	ErrDegenerateGeometry,
	ErrEmptyPartition,
	ErrInsufficientVertices,
	ErrLockConflict,
	ErrSessionNotFound,
	ErrInvalidTransition,
	ErrStorageFailure,
	ErrInvalidInput,
	ErrNotFound,
}

// Kind returns the taxonomy entry err belongs to, or nil when err is not
// one of ours.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Storage wraps a collaborator I/O error so callers can classify it.
func Storage(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(&storageError{cause: err}, format, args...)
}

type storageError struct {
	cause error
}

func (e *storageError) Error() string { return e.cause.Error() }

func (e *storageError) Unwrap() []error { return []error{ErrStorageFailure, e.cause} }

// Status maps an error to the HTTP status the views answer with.
func Status(err error) int {
	switch Kind(err) {
	case nil:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrLockConflict:
		return http.StatusConflict
	case ErrSessionNotFound, ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidTransition:
		return http.StatusConflict
	case ErrStorageFailure:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// Code is the short machine readable name of the error kind.
func Code(err error) string {
	switch Kind(err) {
	case ErrInsufficientPoints:
		return "InsufficientPoints"
	case ErrDegenerateGeometry:
		return "DegenerateGeometry"
	case ErrEmptyPartition:
		return "EmptyPartition"
	case ErrInsufficientVertices:
		return "InsufficientVertices"
	case ErrLockConflict:
		return "LockConflict"
	case ErrSessionNotFound:
		return "SessionNotFound"
	case ErrInvalidTransition:
		return "InvalidTransition"
	case ErrStorageFailure:
		return "StorageFailure"
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrNotFound:
		return "NotFound"
	}
	return "Internal"
}

// Response is the structured status/message pair returned for every failure.
type Response struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewResponse(err error) Response {
	if err == nil {
		return Response{Success: true, Status: "ok", Message: "all good"}
	}
	return Response{Success: false, Status: Code(err), Message: err.Error()}
}
