// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/soothill/nextdns-profile-monitor/pkg/errors"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse wraps data in a successful envelope.
func SuccessResponse(data any) APIResponse {
	return APIResponse{
		Success: true,
		Data:    data,
	}
}

// ErrorResponse wraps an error message.
func ErrorResponse(err string) APIResponse {
	return APIResponse{
		Success: false,
		Error:   err,
	}
}

// MessageResponse wraps an informational message.
func MessageResponse(message string) APIResponse {
	return APIResponse{
		Success: true,
		Message: message,
	}
}

// statusFor maps an error to the HTTP status reported to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrDeviceNotFound), errors.Is(err, apperrors.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrCredentialNotFound):
		return http.StatusPreconditionFailed
	case errors.Is(err, apperrors.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	case apperrors.IsValidationError(err):
		return http.StatusBadRequest
	case apperrors.IsAPIError(err), apperrors.IsPairingError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError reports err to the client with a matching status.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("route", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, ErrorResponse(err.Error()))
}

// writeBindError reports a malformed request body.
func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse("invalid request: "+err.Error()))
}
