// Package errs defines the error kinds shared by the RM services and the HTTP
// layer. Repositories and services wrap these sentinels with fmt.Errorf("%w")
// so that handlers can map any error chain to a status code with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound indicates that the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDeleted indicates that the entity exists but has been soft-deleted.
	ErrDeleted = errors.New("deleted")

	// ErrCallsignReserved indicates the callsign is taken by a live Person,
	// a pending Enrollment, or a product CN from the manifest.
	ErrCallsignReserved = errors.New("callsign reserved")

	// ErrPoolInactive indicates the enrollment pool is deactivated or deleted.
	ErrPoolInactive = errors.New("pool inactive")

	// ErrForbidden indicates the caller is not allowed to perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrTokenReuse indicates a single-use token or code was presented twice.
	ErrTokenReuse = errors.New("token reuse")

	// ErrBackend indicates a failure in the external CA or a product API.
	ErrBackend = errors.New("backend error")

	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation error")
)

// HTTPStatus maps an error chain to the response status per the RM error
// taxonomy. Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeleted):
		return http.StatusNotFound
	case errors.Is(err, ErrTokenReuse), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrCallsignReserved), errors.Is(err, ErrPoolInactive), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrBackend):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
