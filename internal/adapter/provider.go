package adapter

import (
	"context"
	"net/http"
)

// ProviderFactory builds a Provider on top of an authenticated HTTP client.
type ProviderFactory func(ctx context.Context, client *http.Client) (Provider, error)
