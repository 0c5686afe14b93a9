package bigquery

import (
	"context"
	"errors"
	"net/http"
	"strings"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/openfroyo/dsync/pkg/engine"
)

// classify maps client errors onto engine error classes and codes.
func classify(err error, operation, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	var classified *engine.EngineError

	var gerr *googleapi.Error
	var jerr *bq.Error
	switch {
	case errors.As(err, &gerr):
		classified = fromAPIError(gerr, err)
	case errors.As(err, &jerr):
		classified = fromReason(jerr.Reason, jerr.Message, err)
	default:
		classified = fromMessage(err)
	}

	return classified.WithOperation(operation).WithResource(resource)
}

func fromAPIError(gerr *googleapi.Error, err error) *engine.EngineError {
	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}

	switch gerr.Code {
	case http.StatusNotFound:
		return engine.NewNotFoundError(gerr.Message, err)
	case http.StatusConflict:
		return engine.NewAlreadyExistsError(gerr.Message, err)
	case http.StatusPreconditionFailed:
		return engine.NewPreconditionFailedError(gerr.Message, err)
	case http.StatusTooManyRequests:
		return engine.NewThrottledError(gerr.Message, err).WithCode(engine.ErrCodeRateLimited)
	case http.StatusBadRequest:
		if c := fromReason(reason, gerr.Message, err); c.Code != "" && c.Code != engine.ErrCodeBadRequest {
			return c
		}
		return engine.NewBadRequestError(gerr.Message, err)
	case http.StatusForbidden:
		if reason == "rateLimitExceeded" || reason == "quotaExceeded" {
			return engine.NewThrottledError(gerr.Message, err).WithCode(engine.ErrCodeRateLimited)
		}
		return engine.NewPermanentError(gerr.Message, err).WithCode(engine.ErrCodePermissionDenied)
	}

	if gerr.Code >= 500 {
		return engine.NewTransientError(gerr.Message, err)
	}
	return engine.NewPermanentError(gerr.Message, err)
}

// fromReason classifies job errors, whose HTTP status is not available.
func fromReason(reason, message string, err error) *engine.EngineError {
	switch reason {
	case "duplicate":
		return engine.NewAlreadyExistsError(message, err)
	case "notFound":
		return engine.NewNotFoundError(message, err)
	case "invalid", "invalidQuery":
		if isAlreadyExistsMessage(message) {
			return engine.NewAlreadyExistsError(message, err)
		}
		return engine.NewBadRequestError(message, err)
	case "rateLimitExceeded", "quotaExceeded":
		return engine.NewThrottledError(message, err).WithCode(engine.ErrCodeRateLimited)
	case "backendError", "internalError", "jobBackendError":
		return engine.NewTransientError(message, err)
	case "accessDenied":
		return engine.NewPermanentError(message, err).WithCode(engine.ErrCodePermissionDenied)
	}
	return fromMessage(err)
}

func fromMessage(err error) *engine.EngineError {
	msg := err.Error()
	switch {
	case isAlreadyExistsMessage(msg):
		return engine.NewAlreadyExistsError(msg, err)
	case strings.Contains(strings.ToLower(msg), "not found"):
		return engine.NewNotFoundError(msg, err)
	default:
		return engine.NewPermanentError(msg, err)
	}
}

func isAlreadyExistsMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already exists")
}
