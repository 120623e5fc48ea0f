package ports

import (
	"errors"
	"net/http"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/domain"
)

// Non-standard, used by nginx for clients that went away before the response was written
const statusClientClosedRequest = 499

// statusForError maps a resolve error to the status code and cause sent to the caller
func statusForError(err error) (int, string) {
	if errors.Is(err, domain.ErrSuperseded) {
		return http.StatusConflict, "superseded"
	}
	if errors.Is(err, app.ErrResolverClosed) {
		return http.StatusServiceUnavailable, "shutting down"
	}

	switch domain.Classify(err) {
	case domain.KindValidation:
		return http.StatusBadRequest, "invalid key"
	case domain.KindAPI:
		var apiErr *domain.APIError
		errors.As(err, &apiErr)
		switch {
		case apiErr.NotFound():
			return http.StatusNotFound, "not found"
		case apiErr.Transient():
			return http.StatusServiceUnavailable, "data source temporarily unavailable"
		}
		return http.StatusBadGateway, "data source rejected the request"
	case domain.KindBreakerOpen:
		return http.StatusServiceUnavailable, "data source temporarily unavailable"
	case domain.KindTimeout:
		return http.StatusGatewayTimeout, "data source timed out"
	case domain.KindNetwork:
		return http.StatusBadGateway, "failed to reach data source"
	case domain.KindCancelled:
		return statusClientClosedRequest, "request cancelled"
	}
	return http.StatusInternalServerError, "internal server error"
}
