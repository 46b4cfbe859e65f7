package httpserver

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/stockclient"
)

const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeInsufficientStock = stockclient.CodeInsufficientStock
	CodeUnavailable       = "INVENTORY_UNAVAILABLE"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL"
)

// RetryAfterSeconds is sent with 503 responses.
const RetryAfterSeconds = "5"

// WriteError maps a domain error to its HTTP status and code. Unknown
// errors are logged and answered with 500 without their message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError

	switch {
	case errors.As(err, &verr), errors.Is(err, models.ErrValidation):
		RespondError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, database.ErrProductNotFound), errors.Is(err, database.ErrCommandNotFound):
		RespondError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidStateTransition):
		RespondError(w, http.StatusConflict, CodeInvalidTransition, err.Error())
	case errors.Is(err, database.ErrInsufficientStock):
		RespondError(w, http.StatusConflict, CodeInsufficientStock, err.Error())
	case errors.Is(err, database.ErrOptimisticLockFailed):
		RespondError(w, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, stockclient.ErrInventoryUnavailable), errors.Is(err, database.ErrLockTimeout):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		RespondError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		RespondError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
