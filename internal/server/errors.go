package server

import (
	"errors"
	"net/http"

	accountdomain "github.com/formforge/formforge/internal/account/domain"
	auditdomain "github.com/formforge/formforge/internal/audit/domain"
	batchdomain "github.com/formforge/formforge/internal/batch/domain"
	jobdomain "github.com/formforge/formforge/internal/job/domain"
	ledgerdomain "github.com/formforge/formforge/internal/ledger/domain"
	limitsdomain "github.com/formforge/formforge/internal/limits/domain"
	"github.com/formforge/formforge/internal/ratelimit"
	"github.com/formforge/formforge/internal/storage"
	tierdomain "github.com/formforge/formforge/internal/tier/domain"
	"github.com/gin-gonic/gin"
)

type errorPayload struct {
	Type    string `json:"type"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var validation *batchdomain.ValidationError
	if errors.As(err, &validation) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Field:   validation.Field,
			Message: validation.Reason,
		}
	}

	var insufficient *ledgerdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: insufficient.Error(),
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ledgerdomain.ErrNotAuthorized),
		errors.Is(err, limitsdomain.ErrNotAuthorized):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ratelimit.ErrDailyLimitReached):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "daily_limit_reached",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isBadRequestError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, ledgerdomain.ErrConflictRetryExhausted):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service busy, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, accountdomain.ErrNotFound),
		errors.Is(err, tierdomain.ErrNotFound),
		errors.Is(err, jobdomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrAccountNotFound),
		errors.Is(err, storage.ErrNotFound):
		return true
	}
	return false
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, jobdomain.ErrNotCancellable),
		errors.Is(err, ledgerdomain.ErrReservationSettled),
		errors.Is(err, accountdomain.ErrDuplicateKey),
		errors.Is(err, tierdomain.ErrDuplicateKey):
		return true
	}
	return false
}

func isBadRequestError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidExternalKey),
		errors.Is(err, tierdomain.ErrInvalidKey),
		errors.Is(err, tierdomain.ErrInvalidLimit),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidPool),
		errors.Is(err, ledgerdomain.ErrBalanceWouldGoNegative),
		errors.Is(err, limitsdomain.ErrInvalidReason),
		errors.Is(err, limitsdomain.ErrEmptyOverrides),
		errors.Is(err, limitsdomain.ErrInvalidOverride),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return true
	}
	return false
}
