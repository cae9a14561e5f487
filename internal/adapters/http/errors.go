package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrEnvelopeNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAccessDenied), errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrUnauthorizedMute):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnknownParticipant),
		errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong),
		errors.Is(err, domain.ErrParticipantIDEmpty):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func abortWithError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}
