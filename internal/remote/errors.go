package remote

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"
)

// apiError is the error body of the content service.
type apiError struct {
	Message string              `json:"message"`
	Code    string              `json:"code"`
	Errors  []domain.FieldError `json:"errors"`
}

func decodeAPIError(resp *http.Response) apiError {
	var e apiError
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		e.Message = http.StatusText(resp.StatusCode)
		return e
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

// mapStatus translates an HTTP failure into the domain error taxonomy.
func (e apiError) mapStatus(status int) error {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if e.Code == "weak_password" {
			return errors.Wrap(domain.ErrWeakPassword, "%s", e.Message)
		}
		v := &domain.ValidationError{Fields: e.Errors}
		if len(v.Fields) == 0 {
			v.Add("", e.Message)
		}
		return v
	case status == http.StatusUnauthorized:
		return errors.Wrap(domain.ErrUnauthenticated, "%s", e.Message)
	case status == http.StatusForbidden:
		return errors.Wrap(domain.ErrForbidden, "%s", e.Message)
	case status == http.StatusNotFound:
		return errors.Wrap(domain.ErrNotFound, "%s", e.Message)
	case status == http.StatusConflict:
		return errors.Wrap(domain.ErrDuplicateEmail, "%s", e.Message)
	default:
		return errors.Wrap(domain.ErrUnavailable, "status %d: %s", status, e.Message)
	}
}
