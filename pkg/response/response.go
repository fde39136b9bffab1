package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the standard error envelope.
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// BadRequest sends 400 with an error message and optional details.
func BadRequest(c *gin.Context, err, details string) {
	c.JSON(http.StatusBadRequest, ErrorBody{Error: err, Details: details})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, ErrorBody{Error: err})
}

// ServiceUnavailable sends 503. Used when the queue broker cannot accept an
// enqueue; the store record is left SCHEDULED for the next recovery pass.
func ServiceUnavailable(c *gin.Context, err string) {
	c.JSON(http.StatusServiceUnavailable, ErrorBody{Error: err})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, ErrorBody{Error: err})
}
