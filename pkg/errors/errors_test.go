package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("fetching 7: %w", ErrDocumentNotFound), http.StatusNotFound},
		{"unknown index", ErrUnknownIndex, http.StatusNotFound},
		{"missing id", ErrMissingDocumentID, http.StatusBadRequest},
		{"bad args", fmt.Errorf("register: %w", ErrInvalidArguments), http.StatusBadRequest},
		{"retry", fmt.Errorf("dial: %w", ErrRetry), http.StatusServiceUnavailable},
		{"app error", Newf(ErrInternal, http.StatusTeapot, "node %s", "a"), http.StatusTeapot},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	err := New(ErrInboxClosed, http.StatusServiceUnavailable, "node stopped")
	if !IsRetry(fmt.Errorf("x: %w", ErrRetry)) {
		t.Error("IsRetry should match wrapped ErrRetry")
	}
	if got := err.Error(); got != "inbox closed: node stopped" {
		t.Errorf("Error() = %q", got)
	}
	if err.Unwrap() != ErrInboxClosed {
		t.Error("Unwrap should return the sentinel")
	}
}
