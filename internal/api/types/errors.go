package types

import (
	"errors"
	"net/http"

	appErr "github.com/storyforge/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		return &APIError{Code: string(ae.Code), Message: ae.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
}

// HTTPStatus maps an error's code to an HTTP status.
func HTTPStatus(err error) int {
	var ae *appErr.AppError
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case appErr.CodeNotFound, appErr.CodeVersionNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict, appErr.CodeAlreadyExists,
		appErr.CodeShortcutConflict, appErr.CodeVariableNameConflict:
		return http.StatusConflict
	case appErr.CodeInvalid, appErr.CodeInvalidParent, appErr.CodeCycleDetected,
		appErr.CodeInvalidSiblingSet, appErr.CodeInvalidType,
		appErr.CodeTypeMismatch, appErr.CodeInvalidGroupSize:
		return http.StatusBadRequest
	case appErr.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
