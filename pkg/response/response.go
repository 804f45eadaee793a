// Package response is the JSON envelope shared by every hetuflow API.
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response wraps every API reply. Code is 0 on success and mirrors the HTTP
// status otherwise.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError carries the HTTP status an error should be reported with.
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func newAppError(status int, msg string) *AppError {
	return &AppError{HTTPStatus: status, Code: status, Message: msg}
}

// Wrap attaches status and msg to err, keeping err for errors.Is.
func Wrap(status int, msg string, err error) *AppError {
	e := newAppError(status, msg)
	e.Err = err
	return e
}

func NewBadRequest(msg string) *AppError   { return newAppError(http.StatusBadRequest, msg) }
func NewUnauthorized(msg string) *AppError { return newAppError(http.StatusUnauthorized, msg) }
func NewForbidden(msg string) *AppError    { return newAppError(http.StatusForbidden, msg) }
func NewNotFound(msg string) *AppError     { return newAppError(http.StatusNotFound, msg) }
func NewConflict(msg string) *AppError     { return newAppError(http.StatusConflict, msg) }
func NewServerError(msg string) *AppError  { return newAppError(http.StatusInternalServerError, msg) }

func NewServiceUnavailable(msg string) *AppError {
	return newAppError(http.StatusServiceUnavailable, msg)
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Message: "ok", Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Message: "created", Data: data})
}

// Error replies with the status of an *AppError anywhere in err's chain,
// or 500.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		fail(c, appErr.HTTPStatus, appErr.Code, appErr.Message)
		return
	}
	fail(c, http.StatusInternalServerError, http.StatusInternalServerError, err.Error())
}

func fail(c *gin.Context, status, code int, msg string) {
	c.JSON(status, Response{Code: code, Message: msg})
}

func BadRequest(c *gin.Context, msg string) {
	fail(c, http.StatusBadRequest, http.StatusBadRequest, msg)
}

func Unauthorized(c *gin.Context, msg string) {
	fail(c, http.StatusUnauthorized, http.StatusUnauthorized, msg)
}

func Forbidden(c *gin.Context, msg string) {
	fail(c, http.StatusForbidden, http.StatusForbidden, msg)
}

func NotFound(c *gin.Context, msg string) {
	fail(c, http.StatusNotFound, http.StatusNotFound, msg)
}

func Conflict(c *gin.Context, msg string) {
	fail(c, http.StatusConflict, http.StatusConflict, msg)
}

func ServerError(c *gin.Context, msg string) {
	fail(c, http.StatusInternalServerError, http.StatusInternalServerError, msg)
}

func TooManyRequests(c *gin.Context, msg string) {
	fail(c, http.StatusTooManyRequests, http.StatusTooManyRequests, msg)
}
