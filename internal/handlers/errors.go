package handlers

import (
	"errors"
	"strconv"

	"github.com/Ranganathan-J/efsilonquest/internal/services"
	"github.com/Ranganathan-J/efsilonquest/pkg/response"
	"github.com/gin-gonic/gin"
)

// notFound keeps the permanent-failure prefix of pipeline sentinels out of
// API messages.
var notFound = []struct {
	err error
	msg string
}{
	{services.ErrFeedbackNotFound, "feedback not found"},
	{services.ErrEntityNotFound, "entity not found"},
	{services.ErrAnnotationNotFound, "annotation not found"},
	{services.ErrUploadNotFound, "upload batch not found"},
	{services.ErrUserNotFound, "user not found"},
}

// toAppError maps service errors onto HTTP statuses. Unknown errors pass
// through and end up as a 500.
func toAppError(err error) error {
	var appErr *response.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	for _, nf := range notFound {
		if errors.Is(err, nf.err) {
			return wrap(response.NewNotFound(nf.msg), err)
		}
	}

	switch {
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrUserDisabled):
		return wrap(response.NewForbidden(err.Error()), err)
	case errors.Is(err, services.ErrInvalidCredentials),
		errors.Is(err, services.ErrInvalidRefreshToken),
		errors.Is(err, services.ErrRefreshTokenRevoked),
		errors.Is(err, services.ErrRefreshTokenExpired):
		return wrap(response.NewUnauthorized(err.Error()), err)
	case errors.Is(err, services.ErrUsernameTaken),
		errors.Is(err, services.ErrInvalidState):
		return wrap(response.NewConflict(err.Error()), err)
	case errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, services.ErrUnsupportedFile),
		errors.Is(err, services.ErrEntityInactive),
		errors.Is(err, services.ErrPasswordMismatch),
		errors.Is(err, services.ErrWrongOldPassword):
		return wrap(response.NewBadRequest(err.Error()), err)
	}
	return err
}

func wrap(appErr *response.AppError, err error) *response.AppError {
	appErr.Err = err
	return appErr
}

func fail(c *gin.Context, err error) {
	response.Error(c, toAppError(err))
}

// paramID reads a positive numeric path parameter.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}
