package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the unified API response envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Page is the payload shape for paginated list endpoints.
type Page struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Items    interface{} `json:"items"`
}

// AppError is an error that knows its HTTP status and application code.
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	Details    interface{}
	Err        error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured details (e.g. per-field validation errors).
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

func newAppError(status int, msg string) *AppError {
	return &AppError{HTTPStatus: status, Code: status, Message: msg}
}

func NewBadRequest(msg string) *AppError      { return newAppError(http.StatusBadRequest, msg) }
func NewUnauthorized(msg string) *AppError    { return newAppError(http.StatusUnauthorized, msg) }
func NewForbidden(msg string) *AppError       { return newAppError(http.StatusForbidden, msg) }
func NewNotFound(msg string) *AppError        { return newAppError(http.StatusNotFound, msg) }
func NewConflict(msg string) *AppError        { return newAppError(http.StatusConflict, msg) }
func NewTooManyRequests(msg string) *AppError { return newAppError(http.StatusTooManyRequests, msg) }
func NewServerError(msg string) *AppError     { return newAppError(http.StatusInternalServerError, msg) }

// Success sends a 200 OK response with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
}

// Created sends a 201 Created response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: 0, Message: "created", Data: data})
}

// Accepted sends a 202 response for work that was queued rather than done.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{Code: 0, Message: "accepted", Data: data})
}

// Paginated sends a 200 response wrapping items in a Page.
func Paginated(c *gin.Context, total int64, page, pageSize int, items interface{}) {
	Success(c, Page{Total: total, Page: page, PageSize: pageSize, Items: items})
}

// Error sends an error response. *AppError values keep their status and
// message; anything else becomes a 500 without leaking the underlying text.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, Response{
			Code:    appErr.Code,
			Message: appErr.Message,
			Data:    appErr.Details,
		})
		return
	}
	c.Error(err)
	c.JSON(http.StatusInternalServerError, Response{
		Code:    500,
		Message: "internal server error",
	})
}

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: 400, Message: msg})
}

func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, Response{Code: 401, Message: msg})
}

func Forbidden(c *gin.Context, msg string) {
	c.JSON(http.StatusForbidden, Response{Code: 403, Message: msg})
}

func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: 404, Message: msg})
}

func ServerError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, Response{Code: 500, Message: msg})
}
