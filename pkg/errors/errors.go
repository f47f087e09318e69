package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound  = errors.New("document not found")
	ErrMissingDocumentID = errors.New("document has no id")
	ErrUnknownIndex      = errors.New("unknown index")
	ErrNodeNotFound      = errors.New("node not registered")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidArguments  = errors.New("invalid message arguments")
	ErrNoReplyChannel    = errors.New("message has no reply channel")
	ErrReplyAlreadySent  = errors.New("reply already sent")
	ErrInboxClosed       = errors.New("inbox closed")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrRetry             = errors.New("retry")
	ErrInternal          = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsRetry reports whether err asks the caller to try the operation again.
func IsRetry(err error) bool {
	return errors.Is(err, ErrRetry)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrUnknownIndex), errors.Is(err, ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrMissingDocumentID), errors.Is(err, ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrRetry):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
