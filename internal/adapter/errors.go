package adapter

import (
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

var (
	// ErrNotFound is returned when a requested file does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized is returned when the provider rejects the session credentials.
	ErrUnauthorized = errors.New("provider authorization failed")

	// ErrContentTooLarge is returned when a download exceeds the client's size cap.
	ErrContentTooLarge = errors.New("file content too large")
)

// IsUnauthorized reports whether err means the session credentials are no
// longer accepted: an explicit ErrUnauthorized, an HTTP 401 from the API, or a
// rejected token refresh.
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return true
	}
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		if rErr.ErrorCode == "invalid_grant" {
			return true
		}
		return rErr.Response != nil && (rErr.Response.StatusCode == http.StatusUnauthorized || rErr.Response.StatusCode == http.StatusBadRequest)
	}
	return false
}
