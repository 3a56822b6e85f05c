package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-voice/pkg/core"
)

// Envelope is the JSON body of every HTTP error response.
type Envelope struct {
	Error     *core.Error `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

func FromError(err error) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:    core.ErrAPI,
			Message: "request timeout",
			Code:    core.CodeTimeout,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:    core.ErrAPI,
			Message: "request cancelled",
			Code:    "cancelled",
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	if ce, ok := core.AsError(err); ok {
		out := *ce
		return &out, StatusFromType(ce.Type)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:    core.ErrAPI,
		Message: "internal error",
	}, http.StatusInternalServerError
}

func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrNotFound, core.ErrSessionNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrCapacityExceeded, core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrTranscription, core.ErrSynthesis, core.ErrTelephony:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
