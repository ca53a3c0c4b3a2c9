// Package response centralizes JSON response shapes for the HTTP surface.
package response

import (
	goerrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	infraerrors "github.com/aurea-ops/orchestrator/internal/pkg/errors"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Success writes 200 with the given payload.
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Created writes 201 with the given payload.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}

// Accepted writes 202 with the given payload.
func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, data)
}

// Error maps err to its HTTP status and stable code. Non-application errors
// become an opaque 500 so internals never leak to clients.
func Error(c *gin.Context, err error) {
	var appErr *infraerrors.ApplicationError
	if goerrors.As(err, &appErr) && appErr != nil {
		c.JSON(appErr.Status, ErrorBody{
			Code:     appErr.ReasonCode,
			Message:  appErr.Message,
			Metadata: appErr.Metadata,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, ErrorBody{
		Code:    "internal_error",
		Message: "internal server error",
	})
}

// AbortError behaves like Error and stops the middleware chain.
func AbortError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// BadRequest writes a 400 with the invalid_request code.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, ErrorBody{Code: "invalid_request", Message: message})
}

// NotFound writes a 404 with the given code.
func NotFound(c *gin.Context, code, message string) {
	c.JSON(http.StatusNotFound, ErrorBody{Code: code, Message: message})
}

// InternalError writes a 500 with a generic code.
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, ErrorBody{Code: "internal_error", Message: message})
}
