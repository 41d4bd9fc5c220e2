package http

import (
	"context"
	"net/http"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"
)

// staleHeader marks a 502 response whose body still carries the last
// known value.
const staleHeader = "X-Quill-Stale"

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrToggleInProgress), errors.Is(err, domain.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, domain.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DomainError writes err with the status its kind maps to. stale is the
// value a failed refresh fell back to, or nil.
func (e encoder) DomainError(w http.ResponseWriter, err error, stale interface{}) {
	status := statusFor(err)
	resp := errorResponse{Message: err.Error(), Status: status}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if errors.Is(err, domain.ErrWeakPassword) && len(resp.Fields) == 0 {
		resp.Fields = []domain.FieldError{{Field: "password", Message: err.Error()}}
	}

	if status == http.StatusBadGateway && stale != nil {
		w.Header().Set(staleHeader, "true")
		resp.Data = stale
	}
	if status == http.StatusInternalServerError {
		resp.Message = http.StatusText(status)
	}

	e.StatusResponse(context.TODO(), w, resp, status)
}
