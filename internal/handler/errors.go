package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-sync/internal/commerce"
	"github.com/xenking/kart-sync/internal/domain/cart"
	"github.com/xenking/kart-sync/internal/domain/checkout"
	"github.com/xenking/kart-sync/internal/view"
)

type apiError struct {
	status    int
	message   string
	retryable bool
}

// mapError converts domain errors to HTTP responses. Unknown errors map to
// 500 with a generic message.
func mapError(err error) apiError {
	var submitErr *checkout.SubmitError
	if errors.As(err, &submitErr) {
		msg := "order could not be placed, try again"
		var se *commerce.StatusError
		if errors.As(err, &se) && se.Message != "" {
			msg = se.Message
		}
		return apiError{status: http.StatusBadGateway, message: msg, retryable: true}
	}

	switch {
	case errors.Is(err, errBadRequest):
		return apiError{status: http.StatusBadRequest, message: err.Error()}
	case errors.Is(err, view.ErrUnknownKind):
		return apiError{status: http.StatusNotFound, message: err.Error()}
	case errors.Is(err, cart.ErrItemNotFound):
		return apiError{status: http.StatusNotFound, message: err.Error()}
	case errors.Is(err, cart.ErrInvalidItem):
		return apiError{status: http.StatusUnprocessableEntity, message: err.Error()}
	case errors.Is(err, checkout.ErrEmptyCart):
		return apiError{status: http.StatusUnprocessableEntity, message: err.Error()}
	case errors.Is(err, checkout.ErrSnapshotNotReady), errors.Is(err, checkout.ErrSnapshotStale):
		return apiError{status: http.StatusConflict, message: err.Error(), retryable: true}
	case errors.Is(err, checkout.ErrAttachmentTooLarge):
		return apiError{status: http.StatusRequestEntityTooLarge, message: err.Error()}
	case errors.Is(err, checkout.ErrAttachmentEmpty), errors.Is(err, checkout.ErrAttachmentNotFound):
		return apiError{status: http.StatusUnprocessableEntity, message: err.Error()}
	case errors.Is(err, view.ErrNotMounted):
		// The session was replaced mid-request.
		return apiError{status: http.StatusConflict, message: err.Error(), retryable: true}
	case errors.Is(err, view.ErrCheckoutUnavailable):
		return apiError{status: http.StatusServiceUnavailable, message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apiError{status: http.StatusServiceUnavailable, message: "request timed out", retryable: true}
	}
	return apiError{status: http.StatusInternalServerError, message: "internal error"}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	e := mapError(err)
	lg := zctx.From(r.Context())
	if e.status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Int("status", e.status), zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Int("status", e.status), zap.Error(err))
	}
	writeError(w, e.status, e.message, e.retryable)
}
